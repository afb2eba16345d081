package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mothergoose31/contim/internal/katdal"
)

// Selection converts parsed assignments into a dataset selection. nchan is
// the channel count slices are resolved against.
func Selection(assigns map[string]any, nchan int) (katdal.Selection, error) {
	var sel katdal.Selection
	for key, v := range assigns {
		switch key {
		case "scans":
			for _, item := range flatten(v) {
				switch x := item.(type) {
				case int:
					sel.Scans = append(sel.Scans, x)
				case string:
					if n, err := strconv.Atoi(x); err == nil {
						sel.Scans = append(sel.Scans, n)
					} else {
						sel.States = append(sel.States, x)
					}
				default:
					return sel, badSelection(key, v)
				}
			}
		case "targets":
			names, err := stringItems(v)
			if err != nil {
				return sel, badSelection(key, v)
			}
			sel.Targets = names
		case "pol":
			pols, err := stringItems(v)
			if err != nil {
				return sel, badSelection(key, v)
			}
			for i := range pols {
				pols[i] = strings.ToLower(pols[i])
			}
			sel.Pol = pols
		case "channels":
			if s, ok := v.(Slice); ok {
				sel.Channels = s.Indices(nchan)
				break
			}
			for _, item := range flatten(v) {
				c, ok := item.(int)
				if !ok {
					return sel, badSelection(key, v)
				}
				sel.Channels = append(sel.Channels, c)
			}
		case "nif":
			n, ok := v.(int)
			if !ok || n < 1 {
				return sel, badSelection(key, v)
			}
			sel.NIF = n
		case "spw":
			if n, ok := v.(int); !ok || n != 0 {
				return sel, fmt.Errorf("%w: only spectral window 0 can be selected, got %v", ErrInvalid, v)
			}
		default:
			return sel, fmt.Errorf("%w: unknown selection '%s'", ErrInvalid, key)
		}
	}
	return sel, nil
}

func badSelection(key string, v any) error {
	return fmt.Errorf("%w: bad value %v for selection '%s'", ErrInvalid, v, key)
}

// flatten turns comma separated strings, lists and tuples into items.
func flatten(v any) []any {
	switch x := v.(type) {
	case string:
		var out []any
		for _, s := range splitComma(x) {
			out = append(out, s)
		}
		return out
	case []any:
		return x
	case Tuple:
		return x
	}
	return []any{v}
}

func stringItems(v any) ([]string, error) {
	var out []string
	for _, item := range flatten(v) {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%v is not a string", item)
		}
		out = append(out, s)
	}
	return out, nil
}
