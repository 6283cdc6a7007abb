// Package tagging builds the deterministic, filesystem-safe name fragments
// used by both the Step Dispatcher (per-task tags) and the Batch Expander
// (per-subdirectory names), so the two components share one abbreviation
// rule (spec.md §4.C, §4.E).
package tagging

import (
	"fmt"
	"strconv"
	"strings"
)

// Abbrev drops underscores and vowels from key to produce a short
// identifier fragment, per spec.md §4.C step 4 / §4.E step 2.
func Abbrev(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r == '_' || isVowel(r) {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		// A key of only underscores/vowels still needs a non-empty
		// fragment to keep tags distinguishable.
		return strings.ToLower(key)
	}
	return b.String()
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

// ScalarFragment renders one split-key/value pair as a tag fragment:
// `_<abbrev(key)><value>`, numeric values without decimal points.
func ScalarFragment(key string, value any) string {
	return "_" + Abbrev(key) + FormatValue(value)
}

// FormatValue renders a scalar value the way a tag fragment needs it:
// integers and whole-valued floats without a decimal point, everything
// else via its natural string form.
func FormatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PointsFragment is the tag fragment for a project_points chunk.
func PointsFragment(chunkIndex int) string {
	return "_j" + strconv.Itoa(chunkIndex)
}
