package index

import (
	"fmt"
	"sort"
	"strings"
)

// CorrelatorProduct is one correlation between two antenna feeds.
type CorrelatorProduct struct {
	Ant1, Ant2           string
	Ant1Index, Ant2Index int
	CID                  int
}

// AIPSBaseline returns the baseline id of the product.
func (cp CorrelatorProduct) AIPSBaseline() float32 {
	return BaselineID(cp.Ant1Index+1, cp.Ant2Index+1)
}

// splitInput separates "m008v" into ("m008", "v").
func splitInput(input string) (string, string, error) {
	if len(input) < 3 {
		return "", "", fmt.Errorf("%w '%s'", ErrInvalidCorrelatorProduct, input)
	}
	return input[:len(input)-1], strings.ToLower(input[len(input)-1:]), nil
}

// ParseProducts turns dataset correlation product name pairs into products.
func ParseProducts(names [][2]string) ([]CorrelatorProduct, error) {
	products := make([]CorrelatorProduct, 0, len(names))
	for _, pair := range names {
		a1, p1, err := splitInput(pair[0])
		if err != nil {
			return nil, err
		}
		a2, p2, err := splitInput(pair[1])
		if err != nil {
			return nil, err
		}
		cid, err := CorrelationID(p1, p2)
		if err != nil {
			return nil, fmt.Errorf("%w ['%s', '%s']", ErrInvalidCorrelatorProduct, pair[0], pair[1])
		}
		i1, err := AntennaNumber(a1)
		if err != nil {
			return nil, err
		}
		i2, err := AntennaNumber(a2)
		if err != nil {
			return nil, err
		}
		products = append(products, CorrelatorProduct{
			Ant1: a1, Ant2: a2, Ant1Index: i1, Ant2Index: i2, CID: cid,
		})
	}
	return products, nil
}

// ProductOrder groups correlation products into (baseline, stokes) pairs
// sorted lexicographically on (Ant1Index, Ant2Index, CID).
type ProductOrder struct {
	// Argsort[i] is the original index of the i'th sorted product.
	Argsort   []int
	NStokes   int
	NBaseline int
	// Perm[b][s] is the original product index for baseline b, stokes s.
	Perm [][]int
	// BaselineProducts holds the first product of each baseline.
	BaselineProducts []CorrelatorProduct
	// BaselineArgsort[b] is the original index of the first product of b,
	// used to pick one UVW coordinate per baseline.
	BaselineArgsort []int
	Baselines       []float32
	MaxAIPSAntenna  int
}

// SortProducts computes the product ordering for a selection.
func SortProducts(products []CorrelatorProduct) (*ProductOrder, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: no correlation products", ErrInvalidCorrelatorProduct)
	}
	argsort := make([]int, len(products))
	for i := range argsort {
		argsort[i] = i
	}
	sort.SliceStable(argsort, func(i, j int) bool {
		a, b := products[argsort[i]], products[argsort[j]]
		if a.Ant1Index != b.Ant1Index {
			return a.Ant1Index < b.Ant1Index
		}
		if a.Ant2Index != b.Ant2Index {
			return a.Ant2Index < b.Ant2Index
		}
		return a.CID < b.CID
	})

	counts := map[[2]int]int{}
	nstokes := 0
	for _, cp := range products {
		k := [2]int{cp.Ant1Index, cp.Ant2Index}
		counts[k]++
		if counts[k] > nstokes {
			nstokes = counts[k]
		}
	}
	if len(products)%nstokes != 0 {
		return nil, fmt.Errorf("%w: %d products do not group into %d stokes",
			ErrInvalidCorrelatorProduct, len(products), nstokes)
	}

	nbl := len(products) / nstokes
	order := &ProductOrder{
		Argsort:          argsort,
		NStokes:          nstokes,
		NBaseline:        nbl,
		Perm:             make([][]int, nbl),
		BaselineProducts: make([]CorrelatorProduct, nbl),
		BaselineArgsort:  make([]int, nbl),
		Baselines:        make([]float32, nbl),
	}
	for b := 0; b < nbl; b++ {
		row := argsort[b*nstokes : (b+1)*nstokes]
		first := products[row[0]]
		for s, pi := range row {
			cp := products[pi]
			if cp.Ant1Index != first.Ant1Index || cp.Ant2Index != first.Ant2Index {
				return nil, fmt.Errorf("%w: baseline (%s, %s) has fewer than %d products",
					ErrInvalidCorrelatorProduct, first.Ant1, first.Ant2, nstokes)
			}
			if s > 0 && products[row[s-1]].CID == cp.CID {
				return nil, fmt.Errorf("%w: duplicate product (%s, %s, %d)",
					ErrInvalidCorrelatorProduct, cp.Ant1, cp.Ant2, cp.CID)
			}
		}
		order.Perm[b] = append([]int(nil), row...)
		order.BaselineProducts[b] = first
		order.BaselineArgsort[b] = row[0]
		order.Baselines[b] = first.AIPSBaseline()
		if first.Ant2Index+1 > order.MaxAIPSAntenna {
			order.MaxAIPSAntenna = first.Ant2Index + 1
		}
		if first.Ant1Index+1 > order.MaxAIPSAntenna {
			order.MaxAIPSAntenna = first.Ant1Index + 1
		}
	}
	return order, nil
}
