package aips

import (
	"fmt"
	"strings"
)

const kindImage = "MA"

// ImageInfo carries the multi-frequency image keywords written by the
// imaging engine. The first NTerm planes hold spectral fit terms, the rest
// are coarse frequency planes.
type ImageInfo struct {
	NSpec      int         `json:"NSPEC"`
	NTerm      int         `json:"NTERM"`
	PlaneFreqs []float64   `json:"FREQ"`
	FreqLow    []float64   `json:"FREL"`
	FreqHigh   []float64   `json:"FREH"`
	PlaneRMS   [][]float64 `json:"RMS"`
}

// ImageFile is an open image file.
type ImageFile struct {
	*entry
	desc *Descriptor
	info ImageInfo
}

// CreateImage creates an image file.
func (c *Catalogue) CreateImage(p Path, desc *Descriptor, info ImageInfo) (*ImageFile, error) {
	e, err := c.create(p, kindImage)
	if err != nil {
		return nil, err
	}
	img := &ImageFile{entry: e, desc: desc.Clone(), info: info}
	if err := img.writeHeader(&header{Kind: kindImage, Desc: img.desc, Image: &img.info}); err != nil {
		return nil, err
	}
	return img, nil
}

// OpenImage opens an existing image file.
func (c *Catalogue) OpenImage(p Path) (*ImageFile, error) {
	e, h, err := c.open(p, kindImage)
	if err != nil {
		return nil, err
	}
	if h.Desc == nil || h.Image == nil {
		return nil, fmt.Errorf("%w: %s has no image header", ErrInvalidDescriptor, e.path)
	}
	return &ImageFile{entry: e, desc: h.Desc, info: *h.Image}, nil
}

// Desc returns a copy of the image descriptor.
func (img *ImageFile) Desc() *Descriptor { return img.desc.Clone() }

// Info returns the multi-frequency keywords.
func (img *ImageFile) Info() ImageInfo { return img.info }

// Projection returns the three letter projection code of the RA axis.
func (img *ImageFile) Projection() string {
	if img.desc.Jlocr < 0 || img.desc.Jlocr >= len(img.desc.Ctype) {
		return ""
	}
	ct := strings.TrimSpace(img.desc.Ctype[img.desc.Jlocr])
	if len(ct) < 3 {
		return ct
	}
	return ct[len(ct)-3:]
}

// Stokes returns the Stokes code of the first plane (1=I .. 4=V).
func (img *ImageFile) Stokes() int {
	if img.desc.Jlocs < 0 || img.desc.Jlocs >= len(img.desc.Crval) {
		return 1
	}
	return int(img.desc.Crval[img.desc.Jlocs])
}

// Close is a no-op kept for symmetry with UVFile.
func (img *ImageFile) Close() error { return nil }

// Zap deletes the image.
func (img *ImageFile) Zap() error { return img.zap() }
