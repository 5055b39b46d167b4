package catalog

import (
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// TokenSetRatio compares the unique token sets of two names and returns
// 2·|intersection| / (|tokens a| + |tokens b|). Word order is irrelevant,
// so "basmati rice" and "rice basmati" score 1.
func TokenSetRatio(a, b string) float64 {
	var ta, tb = uniq(tokens(a)), uniq(tokens(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var set = make(map[string]struct{}, len(ta))
	for _, t := range ta {
		set[t] = struct{}{}
	}
	var common int
	for _, t := range tb {
		if _, ok := set[t]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

var jaroWinkler = metrics.NewJaroWinkler()

// JaroWinkler scores two normalized names by character similarity. It is the
// fallback for single-token typos ("sugr" vs "sugar") which share no whole
// token and so defeat TokenSetRatio.
func JaroWinkler(a, b string) float64 {
	var na, nb = normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	return strutil.Similarity(na, nb, jaroWinkler)
}

func normalizeName(s string) string {
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	var fields = strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	sort.Strings(fields)
	return fields
}

func uniq(in []string) []string {
	var out = in[:0]
	var seen = make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
