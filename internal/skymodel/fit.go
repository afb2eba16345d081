// Package skymodel turns tabulated clean components into sky model
// strings: coincident components are merged, a spectral model is fitted to
// each and positions are deprojected from the image plane.
package skymodel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/mothergoose31/contim/internal/diag"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/combin"
)

var (
	ErrNoConvergence   = errors.New("flux model fit did not converge")
	ErrUnderdetermined = errors.New("fewer flux samples than model parameters")
	ErrNotFinite       = errors.New("flux model fit produced non-finite parameters")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrNoConvergence, ErrUnderdetermined, ErrNotFinite)
}

// PivotFreq is the frequency the log polynomial is evaluated about.
const PivotFreq = 1e6

const (
	defaultMaxIter = 200
	fitTol         = 1e-10
	maxLambda      = 1e16
)

// FluxModel is log10 S = A0 + A1 x + A2 x², x = log10(ν / 1 MHz).
type FluxModel struct {
	A0, A1, A2 float64
}

// Flux evaluates the model at freq Hz.
func (m FluxModel) Flux(freq float64) float64 {
	x := math.Log10(freq / PivotFreq)
	return math.Pow(10, m.A0+m.A1*x+m.A2*x*x)
}

// Fitter fits S(ν) = S0 exp(α ln(ν/ν0) + β ln(ν/ν0)²) with
// Levenberg-Marquardt, falling back to lower orders when a fit fails.
type Fitter struct {
	MaxIter int
	Log     *slog.Logger
}

// Fit fits flux densities s (Jy) with errors sigma at freqs nu (Hz)
// about nu0, starting from sref at nu0. order is at most 2. It returns
// the model and the order that succeeded, -1 for the weighted mean.
func (f *Fitter) Fit(nu, s, sigma []float64, nu0, sref float64, order int) (FluxModel, int) {
	log := diag.OrDiscard(f.Log)
	if order > 2 {
		order = 2
	}
	x := make([]float64, len(nu))
	for i, v := range nu {
		x[i] = math.Log(v / nu0)
	}
	init := []float64{sref, -0.7, 0}
	for o := order; o >= 0; o-- {
		p, err := f.levenbergMarquardt(x, s, sigma, init[:o+1])
		if err != nil {
			log.Warn(fmt.Sprintf("Fitting flux model of order %d to CC failed. Trying lower order fit.", o), "err", err)
			continue
		}
		return toLog10Poly(nu0, p), o
	}
	w := make([]float64, len(sigma))
	for i, sg := range sigma {
		w[i] = 1 / (sg * sg)
	}
	return toLog10Poly(nu0, []float64{stat.Mean(s, w)}), -1
}

// model evaluates p[0] exp(Σ p[k] x^k) and its gradient.
func model(x float64, p []float64, grad []float64) float64 {
	e, xp := 0.0, 1.0
	for k := 1; k < len(p); k++ {
		xp *= x
		e += p[k] * xp
	}
	v := p[0] * math.Exp(e)
	if grad != nil {
		grad[0] = math.Exp(e)
		xp = 1
		for k := 1; k < len(p); k++ {
			xp *= x
			grad[k] = v * xp
		}
	}
	return v
}

func chi2(x, y, sigma, p []float64) float64 {
	c := 0.0
	for i := range x {
		r := (y[i] - model(x[i], p, nil)) / sigma[i]
		c += r * r
	}
	return c
}

func (f *Fitter) levenbergMarquardt(x, y, sigma, p0 []float64) ([]float64, error) {
	m, n := len(x), len(p0)
	if m < n {
		return nil, fmt.Errorf("%w: %d samples, %d parameters", ErrUnderdetermined, m, n)
	}
	maxIter := f.MaxIter
	if maxIter == 0 {
		maxIter = defaultMaxIter
	}
	p := append([]float64(nil), p0...)
	chi := chi2(x, y, sigma, p)
	if math.IsNaN(chi) || math.IsInf(chi, 0) {
		return nil, ErrNotFinite
	}

	jac := mat.NewDense(m, n, nil)
	res := mat.NewVecDense(m, nil)
	grad := make([]float64, n)
	lambda := 1e-3
	for iter := 0; iter < maxIter; iter++ {
		for i := range x {
			r := (y[i] - model(x[i], p, grad)) / sigma[i]
			res.SetVec(i, r)
			for k := range grad {
				jac.Set(i, k, grad[k]/sigma[i])
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), res)
		if mat.Norm(&g, math.Inf(1)) <= fitTol {
			return p, nil
		}

		for {
			a := mat.DenseCopyOf(&jtj)
			for k := 0; k < n; k++ {
				a.Set(k, k, jtj.At(k, k)*(1+lambda))
			}
			var delta mat.VecDense
			if err := delta.SolveVec(a, &g); err != nil {
				lambda *= 10
				if lambda > maxLambda {
					return nil, fmt.Errorf("%w: singular normal equations: %v", ErrNoConvergence, err)
				}
				continue
			}
			next := make([]float64, n)
			floats.AddTo(next, p, delta.RawVector().Data)
			c := chi2(x, y, sigma, next)
			if !math.IsNaN(c) && !math.IsInf(c, 0) && c < chi {
				step := floats.Norm(delta.RawVector().Data, 2)
				done := chi-c <= fitTol*chi || step <= fitTol*(floats.Norm(p, 2)+fitTol)
				p, chi = next, c
				lambda = math.Max(lambda/10, 1e-12)
				if done {
					return p, nil
				}
				break
			}
			lambda *= 10
			if lambda > maxLambda {
				// No step improves chi²: p is a minimum.
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w after %d iterations", ErrNoConvergence, maxIter)
}

// toLog10Poly re-expresses S0 exp(Σ αk ln(ν/ν0)^k) as a polynomial in
// log10(ν / 1 MHz). The constant term is computed in log space so that
// extrapolation to the pivot does not overflow.
func toLog10Poly(nu0 float64, p []float64) FluxModel {
	r := math.Log(PivotFreq / nu0)
	ln10 := math.Ln10
	args := p[1:]
	n := len(args)

	exponent := 0.0
	for k, a := range args {
		exponent += a * math.Pow(r, float64(k+1))
	}
	coeffs := [3]float64{(math.Log(math.Abs(p[0])) + exponent) / ln10}
	for i := 1; i <= n && i < len(coeffs); i++ {
		beta := 0.0
		for j := i; j <= n; j++ {
			beta += float64(combin.Binomial(j, i)) * args[j-1] * math.Pow(r, float64(j-i))
		}
		coeffs[i] = beta * math.Pow(ln10, float64(i-1))
	}
	return FluxModel{A0: coeffs[0], A1: coeffs[1], A2: coeffs[2]}
}
