// Package index derives antenna numbers, baseline ids and correlation
// product ordering from dataset names, and converts katdal coordinates and
// timestamps into AIPS conventions.
package index

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrInvalidAntennaName       = errors.New("invalid antenna name")
	ErrInvalidCorrelatorProduct = errors.New("invalid correlator product")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrInvalidAntennaName, ErrInvalidCorrelatorProduct)
}

const (
	// SKAOffset separates SKA antenna indices from MeerKAT ones.
	SKAOffset = 64
	// MaxBaselineAntenna is the largest AIPS antenna number the
	// ant1*256+ant2 baseline encoding can represent.
	MaxBaselineAntenna = 255

	SecondsPerDay = 24 * 60 * 60.0
	SpeedOfLight  = 2.997924562e8
)

// AntennaNumber returns the zero-based index for a name such as "m003" or
// "s0012". MeerKAT dishes occupy [0, SKAOffset), SKA dishes start at SKAOffset.
func AntennaNumber(name string) (int, error) {
	if len(name) < 2 {
		return 0, fmt.Errorf("%w '%s'", ErrInvalidAntennaName, name)
	}
	digits := name[1:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w '%s'", ErrInvalidAntennaName, name)
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w '%s': %v", ErrInvalidAntennaName, name, err)
	}
	switch name[0] {
	case 'm':
		if n >= SKAOffset {
			return 0, fmt.Errorf("%w '%s': MeerKAT id out of range", ErrInvalidAntennaName, name)
		}
		return n, nil
	case 's':
		return SKAOffset + n, nil
	}
	return 0, fmt.Errorf("%w '%s': unknown array prefix", ErrInvalidAntennaName, name)
}

// AIPSAntennaNumber is the FORTRAN (1-based) antenna number.
func AIPSAntennaNumber(name string) (int, error) {
	n, err := AntennaNumber(name)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// AntennaName inverts AIPSAntennaNumber.
func AntennaName(aipsNr int) string {
	n := aipsNr - 1
	if n >= SKAOffset {
		return fmt.Sprintf("s%04d", n-SKAOffset)
	}
	return fmt.Sprintf("m%03d", n)
}

var corrIDs = map[[2]byte]int{
	{'h', 'h'}: 0,
	{'v', 'v'}: 1,
	{'h', 'v'}: 2,
	{'v', 'h'}: 3,
}

// CorrelationID maps a feed pair onto the AIPS correlation id.
func CorrelationID(pol1, pol2 string) (int, error) {
	p1 := strings.ToLower(pol1)
	p2 := strings.ToLower(pol2)
	if len(p1) != 1 || len(p2) != 1 {
		return 0, fmt.Errorf("%w ['%s', '%s']", ErrInvalidCorrelatorProduct, pol1, pol2)
	}
	cid, ok := corrIDs[[2]byte{p1[0], p2[0]}]
	if !ok {
		return 0, fmt.Errorf("%w ['%s', '%s']", ErrInvalidCorrelatorProduct, pol1, pol2)
	}
	return cid, nil
}

// BaselineID is the AIPS BASELINE random parameter for two 1-based antenna
// numbers. Only valid while both are <= MaxBaselineAntenna.
func BaselineID(ant1, ant2 int) float32 {
	return float32(ant1)*256.0 + float32(ant2)
}

// ToWavelengths converts metres to wavelengths at the reference wavelength.
func ToWavelengths(metres, refwave float64) float64 { return metres / refwave }

// ToMetres is the inverse of ToWavelengths.
func ToMetres(wavelengths, refwave float64) float64 { return wavelengths * refwave }

// JulianOffset converts UTC seconds to days since midnight.
func JulianOffset(utc, midnight float64) float64 { return (utc - midnight) / SecondsPerDay }

// UTCSeconds is the inverse of JulianOffset.
func UTCSeconds(days, midnight float64) float64 { return midnight + days*SecondsPerDay }

// ScaleInPlace divides every element of xs by d.
func ScaleInPlace(xs []float64, d float64) {
	for i := range xs {
		xs[i] /= d
	}
}
