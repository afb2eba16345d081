package skymodel

import (
	"errors"
	"fmt"
	"math"

	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrUnsupportedProjection = errors.New("unsupported projection")
	ErrOutsideProjection     = errors.New("offset lies outside the projection")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrUnsupportedProjection, ErrOutsideProjection)
}

// deprojection maps direction cosines (l, m) about (ra0, dec0) back onto
// the sphere. All angles are radians.
type deprojection func(ra0, dec0, l, m float64) (ra, dec float64, err error)

var deprojections = map[string]deprojection{
	"SIN": sinToSphere,
	"TAN": tanToSphere,
	"ARC": arcToSphere,
	"STG": stgToSphere,
}

// PlaneToSphere converts the plane offset (l, m) in radians to RA/Dec in
// radians for the named projection. RA is wrapped into [0, 2π).
func PlaneToSphere(proj string, ra0, dec0, l, m float64) (float64, float64, error) {
	fn, ok := deprojections[proj]
	if !ok {
		return 0, 0, fmt.Errorf("%w: '%s'", ErrUnsupportedProjection, proj)
	}
	ra, dec, err := fn(ra0, dec0, l, m)
	if err != nil {
		return 0, 0, err
	}
	ra = math.Mod(ra, 2*math.Pi)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	return ra, dec, nil
}

func sinToSphere(ra0, dec0, l, m float64) (float64, float64, error) {
	r2 := l*l + m*m
	if r2 > 1 {
		return 0, 0, fmt.Errorf("%w: SIN offset (%g, %g)", ErrOutsideProjection, l, m)
	}
	sd, cd := math.Sincos(dec0)
	n := math.Sqrt(1 - r2)
	ra := ra0 + math.Atan2(l, cd*n-m*sd)
	dec := math.Asin(sd*n + m*cd)
	return ra, dec, nil
}

func tanToSphere(ra0, dec0, l, m float64) (float64, float64, error) {
	sd, cd := math.Sincos(dec0)
	den := cd - m*sd
	ra := ra0 + math.Atan2(l, den)
	dec := math.Atan((sd + m*cd) / math.Sqrt(l*l+den*den))
	return ra, dec, nil
}

func arcToSphere(ra0, dec0, l, m float64) (float64, float64, error) {
	theta := math.Hypot(l, m)
	if theta > math.Pi {
		return 0, 0, fmt.Errorf("%w: ARC offset (%g, %g)", ErrOutsideProjection, l, m)
	}
	sd, cd := math.Sincos(dec0)
	sinc := 1.0
	if theta != 0 {
		sinc = math.Sin(theta) / theta
	}
	ct := math.Cos(theta)
	ra := ra0 + math.Atan2(l*sinc, cd*ct-m*sd*sinc)
	dec := math.Asin(sd*ct + m*cd*sinc)
	return ra, dec, nil
}

func stgToSphere(ra0, dec0, l, m float64) (float64, float64, error) {
	r2 := l*l + m*m
	ct := (4 - r2) / (4 + r2)
	scale := (1 + ct) / 2
	sd, cd := math.Sincos(dec0)
	ra := ra0 + math.Atan2(l*scale, cd*ct-m*sd*scale)
	dec := math.Asin(sd*ct + m*cd*scale)
	return ra, dec, nil
}
