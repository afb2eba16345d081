package aips

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const kindUV = "UV"

// DefaultNVisPIO is the default number of visibilities per I/O operation.
const DefaultNVisPIO = 1024

// UVFile is an open UV file. Records move between the file and VisBuf in
// batches of at most NVisPIO records.
type UVFile struct {
	*entry
	desc    *Descriptor
	nvispio int
	visbuf  []float32
	raw     []byte
	data    *os.File
}

// CreateUV creates a new UV file described by desc.
func (c *Catalogue) CreateUV(p Path, desc *Descriptor, nvispio int) (*UVFile, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	e, err := c.create(p, kindUV)
	if err != nil {
		return nil, err
	}
	d := desc.Clone()
	d.NVis = 0
	data, err := os.OpenFile(filepath.Join(e.dir, visFile), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, e.path, err)
	}
	uvf := &UVFile{entry: e, data: data}
	uvf.setDesc(d, nvispio)
	if err := uvf.writeHeader(&header{Kind: kindUV, Desc: d}); err != nil {
		data.Close()
		return nil, err
	}
	c.log.Info("created UV file", "path", e.path.String(), "lrec", d.Lrec())
	return uvf, nil
}

// OpenUV opens an existing UV file.
func (c *Catalogue) OpenUV(p Path, nvispio int) (*UVFile, error) {
	e, h, err := c.open(p, kindUV)
	if err != nil {
		return nil, err
	}
	if h.Desc == nil {
		return nil, fmt.Errorf("%w: %s has no descriptor", ErrInvalidDescriptor, e.path)
	}
	data, err := os.OpenFile(filepath.Join(e.dir, visFile), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, e.path, err)
	}
	uvf := &UVFile{entry: e, data: data}
	uvf.setDesc(h.Desc, nvispio)
	return uvf, nil
}

func (u *UVFile) setDesc(d *Descriptor, nvispio int) {
	if nvispio <= 0 {
		nvispio = DefaultNVisPIO
	}
	u.desc = d
	u.nvispio = nvispio
	u.visbuf = make([]float32, nvispio*d.Lrec())
	u.raw = make([]byte, 4*len(u.visbuf))
}

// Desc returns a copy of the descriptor.
func (u *UVFile) Desc() *Descriptor { return u.desc.Clone() }

// NVisPIO is the capacity of VisBuf in records.
func (u *UVFile) NVisPIO() int { return u.nvispio }

// VisBuf is the record buffer used by Read and Write.
func (u *UVFile) VisBuf() []float32 { return u.visbuf }

// Record returns record i of VisBuf.
func (u *UVFile) Record(i int) []float32 {
	lrec := u.desc.Lrec()
	return u.visbuf[i*lrec : (i+1)*lrec]
}

// UpdateDesc replaces the descriptor. The visibility count is kept.
func (u *UVFile) UpdateDesc(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("update descriptor of %s: %w", u.path, err)
	}
	nvis := u.desc.NVis
	u.setDesc(d.Clone(), u.nvispio)
	u.desc.NVis = nvis
	return u.writeHeader(&header{Kind: kindUV, Desc: u.desc})
}

func (u *UVFile) checkRange(op string, firstVis, n int) error {
	if u.data == nil {
		return fmt.Errorf("%w: %s %s: file is closed", ErrIO, op, u.path)
	}
	if firstVis < 1 || n < 0 || n > u.nvispio {
		return fmt.Errorf("%w: %s %s: firstVis=%d numVisBuff=%d nvispio=%d",
			ErrIO, op, u.path, firstVis, n, u.nvispio)
	}
	return nil
}

// Write stores the first n records of VisBuf at firstVis (1-based).
func (u *UVFile) Write(firstVis, n int) error {
	if err := u.checkRange("write", firstVis, n); err != nil {
		return err
	}
	nf := n * u.desc.Lrec()
	raw := u.raw[:4*nf]
	for i, v := range u.visbuf[:nf] {
		binary.BigEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	off := int64(firstVis-1) * int64(u.desc.Lrec()) * 4
	if _, err := u.data.WriteAt(raw, off); err != nil {
		return fmt.Errorf("%w: write %s at visibility %d: %v", ErrIO, u.path, firstVis, err)
	}
	if last := firstVis + n - 1; last > u.desc.NVis {
		u.desc.NVis = last
	}
	return nil
}

// Read loads n records starting at firstVis (1-based) into VisBuf.
func (u *UVFile) Read(firstVis, n int) error {
	if err := u.checkRange("read", firstVis, n); err != nil {
		return err
	}
	if firstVis+n-1 > u.desc.NVis {
		return fmt.Errorf("%w: read %s: visibilities [%d, %d] beyond nvis=%d",
			ErrIO, u.path, firstVis, firstVis+n-1, u.desc.NVis)
	}
	nf := n * u.desc.Lrec()
	raw := u.raw[:4*nf]
	off := int64(firstVis-1) * int64(u.desc.Lrec()) * 4
	if _, err := u.data.ReadAt(raw, off); err != nil {
		return fmt.Errorf("%w: read %s at visibility %d: %v", ErrIO, u.path, firstVis, err)
	}
	for i := range u.visbuf[:nf] {
		u.visbuf[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:]))
	}
	return nil
}

// NVisFromNX returns the last visibility indexed by the NX table.
func (u *UVFile) NVisFromNX() (int, error) {
	nx, err := ReadTable[NXRow](u, 0)
	if err != nil {
		return 0, err
	}
	nvis := 0
	for _, r := range nx.Rows {
		if int(r.EndVis) > nvis {
			nvis = int(r.EndVis)
		}
	}
	return nvis, nil
}

// Close persists the descriptor and releases the data file.
func (u *UVFile) Close() error {
	if u.data == nil {
		return nil
	}
	herr := u.writeHeader(&header{Kind: kindUV, Desc: u.desc})
	cerr := u.data.Close()
	u.data = nil
	if herr != nil {
		return herr
	}
	if cerr != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, u.path, cerr)
	}
	return nil
}

// Zap closes and deletes the file.
func (u *UVFile) Zap() error {
	if u.data != nil {
		u.data.Close()
		u.data = nil
	}
	return u.zap()
}
