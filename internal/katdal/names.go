package katdal

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/mothergoose31/contim/internal/diag"
)

// SourceNameLen is the width of the AIPS SOURCE column.
const SourceNameLen = 16

var unsafeName = regexp.MustCompile(`[^-A-Za-z0-9_]`)

// AIPSSourceName truncates or space pads name to SourceNameLen.
func AIPSSourceName(name string) string {
	return fixedWidth(name, SourceNameLen)
}

func fixedWidth(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// NormaliseTargetName replaces characters outside [-A-Za-z0-9_] with '_'
// and appends "_<i>" until the result is not in used. With maxLen > 0 the
// name is truncated to make room for the suffix and the result is padded
// to exactly maxLen.
func NormaliseTargetName(name string, used []string, maxLen int, log *slog.Logger) string {
	log = diag.OrDiscard(log)
	name = unsafeName.ReplaceAllString(name, "_")
	taken := make(map[string]bool, len(used))
	for _, u := range used {
		taken[u] = true
	}

	generate := func(i int) string {
		suffix := ""
		if i > 0 {
			suffix = "_" + strconv.Itoa(i)
		}
		if maxLen <= 0 {
			return name + suffix
		}
		trimmed := name
		if len(suffix) >= maxLen {
			log.Warn(fmt.Sprintf("Too many repetitions of name %s.", name))
		} else if drop := len(name) + len(suffix) - maxLen; drop > 0 {
			trimmed = name[:len(name)-drop]
		}
		return fixedWidth(trimmed+suffix, maxLen)
	}

	i := 0
	candidate := generate(i)
	for taken[candidate] {
		i++
		candidate = generate(i)
	}
	return candidate
}
