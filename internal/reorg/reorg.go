// Package reorg regroups (time, channel, product) visibility cubes into the
// (time, baseline, channel, stokes) order of AIPS UV records.
package reorg

import (
	"errors"
	"fmt"

	"github.com/mothergoose31/contim/internal/diag"
)

// FlagWeight replaces the weight of flagged samples. Real and imaginary
// parts are left as measured.
const FlagWeight float32 = -32767

// ErrShape reports buffers or permutations that do not match a Shape.
var ErrShape = errors.New("visibility shape mismatch")

func init() {
	diag.Register(diag.CodeInvalid, ErrShape)
}

// Shape describes both sides of a reorganization. NProd is the input
// product count, NBaseline*NStokes the number of products that are kept.
type Shape struct {
	NTime     int
	NChan     int
	NProd     int
	NBaseline int
	NStokes   int
}

// InLen is the float32 length of a (T, C, P, 3) cube.
func (s Shape) InLen() int { return s.NTime * s.NChan * s.NProd * 3 }

// OutLen is the float32 length of a (T, B, C, S, 3) cube.
func (s Shape) OutLen() int { return s.NTime * s.NBaseline * s.NChan * s.NStokes * 3 }

func (s Shape) validate(perm [][]int) error {
	if s.NTime < 0 || s.NChan < 0 || s.NProd < 0 || s.NBaseline < 0 || s.NStokes < 0 {
		return fmt.Errorf("%w: negative dimension in %+v", ErrShape, s)
	}
	if len(perm) != s.NBaseline {
		return fmt.Errorf("%w: permutation has %d baselines, want %d", ErrShape, len(perm), s.NBaseline)
	}
	for b, row := range perm {
		if len(row) != s.NStokes {
			return fmt.Errorf("%w: baseline %d has %d stokes, want %d", ErrShape, b, len(row), s.NStokes)
		}
		for _, p := range row {
			if p < 0 || p >= s.NProd {
				return fmt.Errorf("%w: product index %d outside [0, %d)", ErrShape, p, s.NProd)
			}
		}
	}
	return nil
}

// Pack interleaves visibilities and weights into a (T, C, P, 3) cube,
// replacing the weight of flagged samples with FlagWeight. vis, weights
// and flags share the same (T, C, P) layout.
func Pack(vis []complex64, weights []float32, flags []bool, out []float32) error {
	n := len(vis)
	if len(weights) != n || len(flags) != n {
		return fmt.Errorf("%w: vis=%d weights=%d flags=%d", ErrShape, n, len(weights), len(flags))
	}
	if len(out) != 3*n {
		return fmt.Errorf("%w: output holds %d floats, want %d", ErrShape, len(out), 3*n)
	}
	for i, v := range vis {
		o := out[3*i : 3*i+3 : 3*i+3]
		o[0] = real(v)
		o[1] = imag(v)
		if flags[i] {
			o[2] = FlagWeight
		} else {
			o[2] = weights[i]
		}
	}
	return nil
}

// Reorganize gathers src (T, C, P, 3) into dst (T, B, C, S, 3) so that
// dst[t,b,c,s,:] == src[t,c,perm[b][s],:]. Baselines are split into blocks
// with one goroutine per block. Each output cell belongs to exactly one
// block. workers <= 1 runs on the calling goroutine.
func Reorganize(dst, src []float32, s Shape, perm [][]int, workers int) error {
	if err := s.validate(perm); err != nil {
		return err
	}
	if len(src) != s.InLen() {
		return fmt.Errorf("%w: input holds %d floats, want %d", ErrShape, len(src), s.InLen())
	}
	if len(dst) != s.OutLen() {
		return fmt.Errorf("%w: output holds %d floats, want %d", ErrShape, len(dst), s.OutLen())
	}
	if s.OutLen() == 0 {
		return nil
	}

	if workers <= 1 {
		gather(dst, src, s, perm, 0, s.NBaseline)
		return nil
	}
	pool := newWorkerPool(workers)
	pool.run(s.NBaseline, func(start, end int) {
		gather(dst, src, s, perm, start, end)
	})
	return nil
}

func gather(dst, src []float32, s Shape, perm [][]int, bStart, bEnd int) {
	inTime := s.NChan * s.NProd * 3
	inChan := s.NProd * 3
	outTime := s.NBaseline * s.NChan * s.NStokes * 3
	outBl := s.NChan * s.NStokes * 3
	outChan := s.NStokes * 3

	for t := 0; t < s.NTime; t++ {
		for b := bStart; b < bEnd; b++ {
			row := perm[b]
			for c := 0; c < s.NChan; c++ {
				in := t*inTime + c*inChan
				out := t*outTime + b*outBl + c*outChan
				for st, p := range row {
					copy(dst[out+st*3:out+st*3+3], src[in+p*3:in+p*3+3])
				}
			}
		}
	}
}

// Select gathers one value per (time, baseline) from a (T, P) array using
// the first product of each baseline. Used for U, V and W.
func Select(dst, src []float64, ntime, nprod int, first []int) error {
	if len(src) != ntime*nprod || len(dst) != ntime*len(first) {
		return fmt.Errorf("%w: select src=%d dst=%d (ntime=%d nprod=%d nbl=%d)",
			ErrShape, len(src), len(dst), ntime, nprod, len(first))
	}
	for t := 0; t < ntime; t++ {
		for b, p := range first {
			if p < 0 || p >= nprod {
				return fmt.Errorf("%w: product index %d outside [0, %d)", ErrShape, p, nprod)
			}
			dst[t*len(first)+b] = src[t*nprod+p]
		}
	}
	return nil
}
