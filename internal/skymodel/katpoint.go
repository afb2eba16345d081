package skymodel

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"gonum.org/v1/gonum/floats"
)

// ImageModel holds what the sky model needs from a multi-frequency image.
type ImageModel struct {
	Projection string
	// Reference position and frequency: degrees and Hz.
	RefRA, RefDec float64
	RefFreq       float64
	// Cell sizes in degrees.
	CellRA, CellDec float64

	PlaneFreqs []float64
	PlaneRMS   []float64
	FreqLow    float64
	FreqHigh   float64
}

// NewImageModel reads the image keywords of img. Spectral term planes are
// skipped so PlaneFreqs and PlaneRMS describe the coarse frequency planes.
func NewImageModel(img *aips.ImageFile) (*ImageModel, error) {
	d, info := img.Desc(), img.Info()
	if info.NSpec < 1 || len(info.PlaneFreqs) < info.NSpec ||
		len(info.FreqLow) < 1 || len(info.FreqHigh) < info.NSpec {
		return nil, fmt.Errorf("%w: %s has no coarse frequency planes", aips.ErrInvalidDescriptor, img)
	}
	if len(info.PlaneRMS) < info.NTerm+info.NSpec {
		return nil, fmt.Errorf("%w: %s has %d plane RMS rows, want %d",
			aips.ErrInvalidDescriptor, img, len(info.PlaneRMS), info.NTerm+info.NSpec)
	}
	for _, j := range []int{d.Jlocr, d.Jlocd, d.Jlocf} {
		if j < 0 || j >= len(d.Crval) || j >= len(d.Cdelt) {
			return nil, fmt.Errorf("%w: %s lacks a position or frequency axis", aips.ErrInvalidDescriptor, img)
		}
	}
	rms := make([]float64, info.NSpec)
	for i, row := range info.PlaneRMS[info.NTerm : info.NTerm+info.NSpec] {
		if len(row) > 0 {
			rms[i] = row[0]
		}
	}
	return &ImageModel{
		Projection: img.Projection(),
		RefRA:      d.Crval[d.Jlocr],
		RefDec:     d.Crval[d.Jlocd],
		RefFreq:    d.Crval[d.Jlocf],
		CellRA:     d.Cdelt[d.Jlocr],
		CellDec:    d.Cdelt[d.Jlocd],
		PlaneFreqs: append([]float64(nil), info.PlaneFreqs[:info.NSpec]...),
		PlaneRMS:   rms,
		FreqLow:    info.FreqLow[0],
		FreqHigh:   info.FreqHigh[info.NSpec-1],
	}, nil
}

// Options controls sky model generation.
type Options struct {
	// Order of the flux model, at most 2.
	Order int
	// KeepNonPositive disables rejection of components whose mean plane
	// flux is not positive.
	KeepNonPositive bool
	Fitter          *Fitter
	Log             *slog.Logger
}

// DefaultOptions fits second order models and rejects non-positive
// components.
func DefaultOptions() Options {
	return Options{Order: 2}
}

// ToKatpoint fits a flux model to every component and returns one
// katpoint target description per accepted component.
func (im *ImageModel) ToKatpoint(comps []Component, opts Options) ([]string, error) {
	log := diag.OrDiscard(opts.Log)
	fitter := opts.Fitter
	if fitter == nil {
		fitter = &Fitter{Log: log}
	}

	var mask []int
	for i, r := range im.PlaneRMS {
		if r > 0 {
			mask = append(mask, i)
		}
	}
	if len(mask) == 0 {
		return nil, fmt.Errorf("%w: every image plane has zero RMS", ErrUnderdetermined)
	}
	nu := make([]float64, len(mask))
	sigma := make([]float64, len(mask))
	for k, i := range mask {
		nu[k], sigma[k] = im.PlaneFreqs[i], im.PlaneRMS[i]
	}

	ra0, dec0 := deg2rad(im.RefRA), deg2rad(im.RefDec)
	flo, fhi := formatFloat(im.FreqLow/1e6), formatFloat(im.FreqHigh/1e6)
	if _, peak := brightest(comps); len(comps) > 0 {
		log.Debug("fitting clean components", "n", len(comps), "peak_jy", peak, "planes", len(mask))
	}

	var rows []string
	rejected := 0
	for n, c := range comps {
		s := make([]float64, len(mask))
		for k, i := range mask {
			if i < len(c.Planes) {
				s[k] = c.Planes[i]
			}
		}
		if !opts.KeepNonPositive {
			if floats.Sum(s)/float64(len(s)) <= 0 {
				rejected++
				continue
			}
			for k := range s {
				s[k] = math.Abs(s[k])
			}
		}
		fm, _ := fitter.Fit(nu, s, sigma, im.RefFreq, c.Flux, opts.Order)
		ra, dec, err := PlaneToSphere(im.Projection, ra0, dec0, deg2rad(c.DeltaX), deg2rad(c.DeltaY))
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", n, err)
		}
		rows = append(rows, fmt.Sprintf("CC_%06d, radec, %s, %s, (%s %s %s %s %s)",
			n, formatFloat(rad2deg(ra)), formatFloat(rad2deg(dec)), flo, fhi,
			formatFloat(fm.A0), formatFloat(fm.A1), formatFloat(fm.A2)))
	}
	if rejected > 0 {
		log.Info(fmt.Sprintf("Rejected %d of %d clean components with non-positive flux", rejected, len(comps)))
	}
	return rows, nil
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FromImage builds the sky model of the latest CC table attached to img.
// Coincident components are merged first.
func FromImage(img *aips.ImageFile, opts Options) ([]string, error) {
	im, err := NewImageModel(img)
	if err != nil {
		return nil, err
	}
	cc, err := aips.ReadTable[aips.CCRow](img, 0)
	if err != nil {
		return nil, err
	}
	comps, err := ComponentsFromTable(cc.Rows)
	if err != nil {
		return nil, fmt.Errorf("%w in %s", err, img)
	}
	return im.ToKatpoint(MergeComponents(comps, im.CellRA, im.CellDec), opts)
}
