package merge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mothergoose31/contim/internal/aips"
	difflib "github.com/pmezard/go-difflib/difflib"
)

// Validate checks that blavg can be appended to merge: the merge
// descriptor keys, the record length and the FQ table must agree. A
// mismatch is reported as a unified diff from merge to blavg.
func Validate(merge, blavg *aips.UVFile) error {
	md, bd := merge.Desc(), blavg.Desc()
	if diff := unified("merge descriptor", "averaged descriptor",
		descriptorView(md), descriptorView(bd)); diff != "" {
		return fmt.Errorf("%w: UV descriptors differ\n%s", ErrIncompatibleMerge, diff)
	}

	mfq, err := aips.ReadTable[aips.FQRow](merge, 0)
	if err != nil {
		return err
	}
	bfq, err := aips.ReadTable[aips.FQRow](blavg, 0)
	if err != nil {
		return err
	}
	if diff := unified("merge FQ keywords", "averaged FQ keywords",
		mfq.Keywords.Canonical(), bfq.Keywords.Canonical()); diff != "" {
		return fmt.Errorf("%w: FQ table keywords differ\n%s", ErrIncompatibleMerge, diff)
	}
	if len(mfq.Rows) != len(bfq.Rows) {
		return fmt.Errorf("%w: merge (%d) and averaged (%d) FQ number of rows differ",
			ErrIncompatibleMerge, len(mfq.Rows), len(bfq.Rows))
	}
	if diff := unified("merge FQ rows", "averaged FQ rows",
		rowView(mfq.Rows), rowView(bfq.Rows)); diff != "" {
		return fmt.Errorf("%w: FQ rows differ\n%s", ErrIncompatibleMerge, diff)
	}
	return nil
}

func descriptorView(d *aips.Descriptor) []string {
	return append(d.MergeView(), fmt.Sprintf("lrec = %d\n", d.Lrec()))
}

func rowView(rows []aips.FQRow) []string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		b, _ := json.Marshal(r)
		lines[i] = fmt.Sprintf("row %d = %s\n", i+1, b)
	}
	return lines
}

// unified returns the diff of a to b, or "" when they are equal.
func unified(aName, bName string, a, b []string) string {
	if strings.Join(a, "") == strings.Join(b, "") {
		return ""
	}
	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: aName,
		ToFile:   bName,
		Context:  1,
	})
	if err != nil || s == "" {
		return fmt.Sprintf("--- %s\n+++ %s\n(diff unavailable)\n", aName, bName)
	}
	return s
}
