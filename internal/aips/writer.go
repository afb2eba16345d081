package aips

import (
	"fmt"
	"log/slog"

	"github.com/mothergoose31/contim/internal/diag"
)

// Writer packs records into a UV file's buffer and writes them once the
// buffer holds NVisPIO records.
type Writer struct {
	uvf      *UVFile
	desc     *Descriptor
	lrec     int
	nrparm   int
	visSize  int
	firstVis int
	count    int
	log      *slog.Logger
}

// NewWriter starts writing at firstVis (1-based).
func NewWriter(uvf *UVFile, firstVis int, log *slog.Logger) *Writer {
	d := uvf.desc
	return &Writer{
		uvf:      uvf,
		desc:     d,
		lrec:     d.Lrec(),
		nrparm:   d.Nrparm,
		visSize:  d.VisSize(),
		firstVis: firstVis,
		log:      diag.OrDiscard(log),
	}
}

// Cursor is the file position of the next record to be written, counting
// buffered records.
func (w *Writer) Cursor() int { return w.firstVis + w.count }

// WriteRecord appends one record. vis is the flattened payload in
// descriptor axis order.
func (w *Writer) WriteRecord(rp RandomParams, vis []float32) error {
	if len(vis) != w.visSize {
		return fmt.Errorf("%w: record payload holds %d floats, descriptor wants %d",
			ErrInvalidDescriptor, len(vis), w.visSize)
	}
	rec := w.uvf.visbuf[w.count*w.lrec : (w.count+1)*w.lrec]
	w.desc.PutRandomParams(rec, rp)
	copy(rec[w.nrparm:], vis)
	w.count++
	if w.count == w.uvf.nvispio {
		return w.Flush()
	}
	return nil
}

// Flush writes any buffered records.
func (w *Writer) Flush() error {
	if w.count == 0 {
		return nil
	}
	w.log.Debug("writing visibilities",
		"bytes", diag.FmtBytes(float64(w.count*w.lrec*4)),
		"firstVis", w.firstVis, "numVisBuff", w.count)
	if err := w.uvf.Write(w.firstVis, w.count); err != nil {
		return err
	}
	w.firstVis += w.count
	w.count = 0
	return nil
}
