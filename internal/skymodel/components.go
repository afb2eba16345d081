package skymodel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
)

// ErrNotTabulated is returned for clean components that do not carry
// per-plane flux densities.
var ErrNotTabulated = errors.New("clean components are not in tabulated form")

func init() {
	diag.Register(diag.CodeInvalid, ErrNotTabulated)
}

// tabulated is the PARMS[3] marker of a component with per-plane fluxes.
const tabulated = 20

// Component is a clean component. DeltaX and DeltaY are offsets from the
// image reference position in degrees; Planes holds the flux in each
// coarse frequency plane.
type Component struct {
	DeltaX, DeltaY float64
	Flux           float64
	Planes         []float64
}

// ComponentsFromTable converts CC rows. Every row must be tabulated.
func ComponentsFromTable(rows []aips.CCRow) ([]Component, error) {
	comps := make([]Component, len(rows))
	for i, r := range rows {
		if len(r.Parms) < 4 || r.Parms[3] != tabulated {
			return nil, fmt.Errorf("%w: component %d", ErrNotTabulated, i+1)
		}
		planes := make([]float64, len(r.Parms)-4)
		for j, v := range r.Parms[4:] {
			planes[j] = float64(v)
		}
		comps[i] = Component{
			DeltaX: float64(r.DeltaX),
			DeltaY: float64(r.DeltaY),
			Flux:   float64(r.Flux),
			Planes: planes,
		}
	}
	return comps, nil
}

// Point is a pixel position.
type Point struct {
	x, y int
}

func pixelOf(c Component, cellX, cellY float64) Point {
	return Point{
		x: int(math.Round(c.DeltaX / cellX)),
		y: int(math.Round(c.DeltaY / cellY)),
	}
}

// MergeComponents coalesces components that fall on the same pixel of an
// image with the given cell sizes (degrees). Fluxes are summed and the
// position of the first component on a pixel is kept. The result is ordered
// by descending flux.
func MergeComponents(comps []Component, cellX, cellY float64) []Component {
	if cellX == 0 || cellY == 0 {
		return append([]Component(nil), comps...)
	}
	byPixel := make(map[Point]int, len(comps))
	var merged []Component
	for _, c := range comps {
		p := pixelOf(c, cellX, cellY)
		i, ok := byPixel[p]
		if !ok {
			byPixel[p] = len(merged)
			c.Planes = append([]float64(nil), c.Planes...)
			merged = append(merged, c)
			continue
		}
		m := &merged[i]
		m.Flux += c.Flux
		for j := range c.Planes {
			if j < len(m.Planes) {
				m.Planes[j] += c.Planes[j]
			} else {
				m.Planes = append(m.Planes, c.Planes[j])
			}
		}
	}
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Flux > merged[b].Flux
	})
	return merged
}

// brightest returns the index of the component with the largest flux, -1
// when comps is empty.
func brightest(comps []Component) (int, float64) {
	idx, peak := -1, math.Inf(-1)
	for i, c := range comps {
		if c.Flux > peak {
			idx, peak = i, c.Flux
		}
	}
	return idx, peak
}
