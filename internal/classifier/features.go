package classifier

import (
	"math"
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/kalambet/materiality/internal/domain"
)

// legalForms maps common legal-form tokens to one canonical spelling.
var legalForms = map[string]string{
	"ltd":           "limited",
	"limited":       "limited",
	"inc":           "incorporated",
	"incorporated":  "incorporated",
	"corp":          "corporation",
	"corporation":   "corporation",
	"co":            "company",
	"company":       "company",
	"llc":           "llc",
	"llp":           "llp",
	"lp":            "lp",
	"plc":           "plc",
	"gmbh":          "gmbh",
	"ag":            "ag",
	"sa":            "sa",
	"bv":            "bv",
	"nv":            "nv",
	"pty":           "proprietary",
	"proprietary":   "proprietary",
	"holdings":      "holdings",
	"hldgs":         "holdings",
	"intl":          "international",
	"international": "international",
}

var (
	jaroWinkler = metrics.NewJaroWinkler()
	levenshtein = func() *metrics.Levenshtein {
		m := metrics.NewLevenshtein()
		m.CaseSensitive = false
		return m
	}()
	dice = func() *metrics.SorensenDice {
		m := metrics.NewSorensenDice()
		m.CaseSensitive = false
		m.NgramSize = 2
		return m
	}()
	jaccard = func() *metrics.Jaccard {
		m := metrics.NewJaccard()
		m.CaseSensitive = false
		m.NgramSize = 3
		return m
	}()
	overlap = func() *metrics.OverlapCoefficient {
		m := metrics.NewOverlapCoefficient()
		m.CaseSensitive = false
		m.NgramSize = 2
		return m
	}()
)

// featureCount is the length of the vector returned by features.
const featureCount = 8

// tokens lowercases s, drops punctuation and canonicalizes legal forms.
func tokens(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "&", " and ")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		if canon, ok := legalForms[f]; ok {
			fields[i] = canon
		}
	}
	return fields
}

// core drops legal-form tokens, leaving the distinctive part of a name.
func core(toks []string) []string {
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		if _, ok := legalForms[t]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

func tokenJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

func lengthRatio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1
	}
	return float64(min(la, lb)) / float64(max(la, lb))
}

func boolFeature(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// features maps a pair to similarity scores in [0,1]. Higher means the two
// names are more alike.
func features(p domain.Pair) []float64 {
	ta, tb := tokens(p.NameA), tokens(p.NameB)
	na, nb := strings.Join(ta, " "), strings.Join(tb, " ")
	ca, cb := strings.Join(core(ta), " "), strings.Join(core(tb), " ")

	f := []float64{
		strutil.Similarity(strings.ToLower(p.NameA), strings.ToLower(p.NameB), jaroWinkler),
		strutil.Similarity(na, nb, levenshtein),
		strutil.Similarity(na, nb, dice),
		strutil.Similarity(ca, cb, jaccard),
		strutil.Similarity(ca, cb, overlap),
		tokenJaccard(ta, tb),
		boolFeature(ca == cb),
		lengthRatio(na, nb),
	}
	for i, v := range f {
		if math.IsNaN(v) {
			f[i] = 0
		}
	}
	return f
}
