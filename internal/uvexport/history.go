package uvexport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mothergoose31/contim/internal/katdal"
	"gopkg.in/yaml.v3"
)

// Version is recorded in file history.
const Version = "0.4.0"

type historian interface {
	AppendHistory(lines ...string) error
}

var banner = strings.Repeat("=", 70)

// ObservationHistory records observation metadata.
func ObservationHistory(a *katdal.Adapter, h historian) error {
	ds := a.DataSet()
	return h.AppendHistory(
		banner,
		"MEERKAT OBSERVATION",
		banner,
		"name="+ds.Name(),
		"experiment_id="+ds.ExperimentID(),
		"description="+ds.Description(),
		"observer="+ds.Observer(),
		"date="+a.Obsdat(),
		"contim.version="+Version,
	)
}

// SelectionHistory records the selection parameters one per line in key
// order.
func SelectionHistory(sel katdal.Selection, h historian) error {
	raw, err := yaml.Marshal(sel)
	if err != nil {
		return fmt.Errorf("failed to encode selection: %w", err)
	}
	var fields map[string]any
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to encode selection: %w", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{banner, "KATDAL SELECTION PARAMETERS", banner}
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return h.AppendHistory(lines...)
}
