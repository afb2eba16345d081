package obit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/reorg"
)

// LocalRunner runs the tasks implemented in process against the catalogue.
// UVBlAvg averages channels only; baseline dependent time averaging needs
// the engine.
type LocalRunner struct {
	Cat *aips.Catalogue
	Log *slog.Logger
}

func (r *LocalRunner) Run(ctx context.Context, task string, params map[string]any) error {
	switch task {
	case "UVBlAvg":
		if err := r.uvBlAvg(ctx, params); err != nil {
			return &TaskError{Task: task, Err: err}
		}
		return nil
	}
	return &TaskError{Task: task, Message: "task is not available in process"}
}

// PathFromKwargs rebuilds the AIPS path named by task arguments with the
// given prefix ("in", "out" or "out2").
func PathFromKwargs(params map[string]any, prefix string) (aips.Path, error) {
	name, _ := params[prefix+"Name"].(string)
	class, _ := params[prefix+"Class"].(string)
	p := aips.NewPath(name).WithClass(class)
	p.Label = ""
	var err error
	if p.Seq, err = IntParam(params, prefix+"Seq", 1); err != nil {
		return p, err
	}
	if p.Disk, err = IntParam(params, prefix+"Disk", 1); err != nil {
		return p, err
	}
	if file, ok := params[prefix+"File"].(string); ok {
		p.Name = file
		p.DType = aips.DiskFITS
	}
	return p.Normalise()
}

// IntParam reads an integer task parameter. Numbers decoded from JSON
// arrive as float64.
func IntParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("parameter %s=%v is not an integer", key, v)
		}
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("parameter %s has type %T, want integer", key, v)
}

func (r *LocalRunner) uvBlAvg(ctx context.Context, params map[string]any) error {
	log := diag.OrDiscard(r.Log).With("comp", "obit", "task", "UVBlAvg")
	in, err := PathFromKwargs(params, "in")
	if err != nil {
		return err
	}
	out, err := PathFromKwargs(params, "out")
	if err != nil {
		return err
	}
	avgFreq, err := IntParam(params, "avgFreq", 0)
	if err != nil {
		return err
	}
	chAvg, err := IntParam(params, "chAvg", 1)
	if err != nil {
		return err
	}
	if avgFreq == 0 || chAvg < 1 {
		chAvg = 1
	}

	src, err := r.Cat.OpenUV(in, 0)
	if err != nil {
		return err
	}
	defer src.Close()

	sd := src.Desc()
	nchan := sd.NChan()
	if nchan%chAvg != 0 {
		return fmt.Errorf("chAvg=%d does not divide %d channels", chAvg, nchan)
	}
	dd := averagedDescriptor(sd, chAvg)
	dst, err := r.Cat.CreateUV(out, dd, src.NVisPIO())
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := copyTables(src, dst, chAvg); err != nil {
		return err
	}

	nvis := sd.NVis
	nvispio := src.NVisPIO()
	srcLrec, dstLrec := sd.Lrec(), dd.Lrec()
	for first := 1; first <= nvis; first += nvispio {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(nvispio, nvis-first+1)
		if err := src.Read(first, n); err != nil {
			return err
		}
		sbuf, dbuf := src.VisBuf(), dst.VisBuf()
		for i := 0; i < n; i++ {
			srec := sbuf[i*srcLrec : (i+1)*srcLrec]
			drec := dbuf[i*dstLrec : (i+1)*dstLrec]
			copy(drec[:dd.Nrparm], srec[:sd.Nrparm])
			averageChannels(drec[dd.Nrparm:], srec[sd.Nrparm:], sd, chAvg)
		}
		if err := dst.Write(first, n); err != nil {
			return err
		}
	}
	log.Info(fmt.Sprintf("UVBlAvg: averaged %d visibilities by %d channels", nvis, chAvg),
		"in", in.String(), "out", out.String())
	return nil
}

// averagedDescriptor returns sd with chAvg channels folded into one.
func averagedDescriptor(sd *aips.Descriptor, chAvg int) *aips.Descriptor {
	dd := sd.Clone()
	if chAvg == 1 || dd.Jlocf < 0 {
		return dd
	}
	f := dd.Jlocf
	dd.Inaxes[f] /= chAvg
	dd.Crval[f] += float64(chAvg-1) / 2 * dd.Cdelt[f]
	dd.Cdelt[f] *= float64(chAvg)
	return dd
}

// averageChannels folds groups of chAvg channels with weights. Payload
// axis order is (complex, stokes, freq, IF). A group with no positive
// weight is flagged.
func averageChannels(dst, src []float32, sd *aips.Descriptor, chAvg int) {
	nstokes, nchan, nif := sd.NStokes(), sd.NChan(), sd.NIF()
	if chAvg == 1 {
		copy(dst, src)
		return
	}
	outChan := nchan / chAvg
	for f := 0; f < nif; f++ {
		for oc := 0; oc < outChan; oc++ {
			for s := 0; s < nstokes; s++ {
				var re, im, wsum float32
				for c := oc * chAvg; c < (oc+1)*chAvg; c++ {
					j := ((f*nchan+c)*nstokes + s) * 3
					if w := src[j+2]; w > 0 {
						re += src[j] * w
						im += src[j+1] * w
						wsum += w
					}
				}
				k := ((f*outChan+oc)*nstokes + s) * 3
				if wsum > 0 {
					dst[k], dst[k+1], dst[k+2] = re/wsum, im/wsum, wsum
				} else {
					dst[k], dst[k+1], dst[k+2] = 0, 0, reorg.FlagWeight
				}
			}
		}
	}
}

// copyTables attaches the source file's tables to the averaged file,
// widening the FQ channel width.
func copyTables(src, dst *aips.UVFile, chAvg int) error {
	ts := aips.TableSet{}
	var err error
	if aips.HasTable(src, aips.TableAN) {
		if ts.AN, err = aips.ReadTable[aips.ANRow](src, 0); err != nil {
			return err
		}
	}
	if aips.HasTable(src, aips.TableSU) {
		if ts.SU, err = aips.ReadTable[aips.SURow](src, 0); err != nil {
			return err
		}
	}
	if aips.HasTable(src, aips.TableFQ) {
		if ts.FQ, err = aips.ReadTable[aips.FQRow](src, 0); err != nil {
			return err
		}
		for i := range ts.FQ.Rows {
			for j := range ts.FQ.Rows[i].ChWidth {
				ts.FQ.Rows[i].ChWidth[j] *= float32(chAvg)
			}
		}
	}
	if ts.AN != nil {
		ts.AN.Version = 1
	}
	if ts.SU != nil {
		ts.SU.Version = 1
	}
	if ts.FQ != nil {
		ts.FQ.Version = 1
	}
	if err := dst.WriteTables(ts); err != nil {
		return err
	}
	if aips.HasTable(src, aips.TableNX) {
		nx, err := aips.ReadTable[aips.NXRow](src, 0)
		if err != nil {
			return err
		}
		nx.Version = 1
		if err := aips.WriteTable(dst, nx); err != nil {
			return err
		}
	}
	return nil
}
