package merge

import (
	"fmt"
	"sort"
	"strings"
)

// Files that may be removed once they are no longer needed.
const (
	ClobberScans    = "scans"
	ClobberAvgScans = "avgscans"
	ClobberMerge    = "merge"
	ClobberClean    = "clean"
	ClobberMFImage  = "mfimage"
)

var clobberKinds = []string{ClobberScans, ClobberAvgScans, ClobberMerge, ClobberClean, ClobberMFImage}

// Clobber is a set of file kinds to remove.
type Clobber map[string]struct{}

// DefaultClobber removes the per scan files only.
func DefaultClobber() Clobber {
	return Clobber{ClobberScans: {}, ClobberAvgScans: {}}
}

// ParseClobber builds a set from names. An unknown name is an error.
func ParseClobber(names []string) (Clobber, error) {
	c := Clobber{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		known := false
		for _, k := range clobberKinds {
			if n == k {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: unknown clobber '%s', should be one of %v",
				ErrInvalidClobber, n, clobberKinds)
		}
		c[n] = struct{}{}
	}
	return c, nil
}

func (c Clobber) Has(kind string) bool {
	_, ok := c[kind]
	return ok
}

// Names returns the set in sorted order.
func (c Clobber) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
