package validator

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fiam/gounidecode/unidecode"
	"github.com/hbollon/go-edlib"
)

var (
	identifierNoiseRe = regexp.MustCompile(`\D[0]|\W+`)
	yearRe            = regexp.MustCompile(`[0-9]{4}`)
	parenthesizedRe   = regexp.MustCompile(`\([^)]*\)`)
	nameNoiseRe       = regexp.MustCompile(`[^\p{L}\s'-]+`)
)

// pair is one value-to-value comparison.
type pair struct{ a, b string }

// comparator reports whether a group of comparisons produced a match.
type comparator func(group []pair, threshold float64) bool

// pairedComparisons groups the comparisons of each original value against the
// matched values. With order significance the lists must have the same length
// and values are compared one to one.
func pairedComparisons(orig, matched []string, ignoreOrder bool) [][]pair {
	if !ignoreOrder {
		if len(orig) != len(matched) {
			return nil
		}
		out := make([][]pair, len(orig))
		for i := range orig {
			out[i] = []pair{{orig[i], matched[i]}}
		}
		return out
	}
	out := make([][]pair, 0, len(orig))
	for _, a := range orig {
		group := make([]pair, 0, len(matched))
		for _, b := range matched {
			group = append(group, pair{a, b})
		}
		out = append(out, group)
	}
	return out
}

// countMatches runs cmp over each group and stops as soon as needed groups
// have matched.
func countMatches(groups [][]pair, threshold float64, needed int, cmp comparator) (bool, int) {
	found := 0
	for _, g := range groups {
		if cmp(g, threshold) {
			found++
		}
		if found >= needed {
			return true, found
		}
	}
	return found >= needed, found
}

// ratio is a sequence similarity in [0,1]: twice the longest common
// subsequence over the combined length.
func ratio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(edlib.LCS(a, b)) / float64(total)
}

func compareNormal(group []pair, threshold float64) bool {
	for _, p := range group {
		a := strings.ToLower(strings.TrimSpace(p.a))
		b := strings.ToLower(strings.TrimSpace(p.b))
		if ratio(a, b) >= threshold {
			return true
		}
	}
	return false
}

// compareIdentifier strips punctuation and zero padding so that
// "DESY-F35D-97-04" and "DESYF35D974" compare equal.
func compareIdentifier(group []pair, threshold float64) bool {
	for _, p := range group {
		a := identifierNoiseRe.ReplaceAllString(strings.ToLower(p.a), "")
		b := identifierNoiseRe.ReplaceAllString(strings.ToLower(p.b), "")
		if ratio(a, b) >= threshold {
			return true
		}
	}
	return false
}

// compareTitle compares the leading part of the original title against every
// colon-separated variant of the other, so a title matches its own
// "title : subtitle" form.
func compareTitle(group []pair, threshold float64) bool {
	for _, p := range group {
		first := separatedVariants(p.a, ":")
		if len(first) == 0 {
			continue
		}
		a := strings.ToLower(strings.TrimSpace(first[0]))
		for _, v := range separatedVariants(p.b, ":") {
			if ratio(a, strings.ToLower(strings.TrimSpace(v))) >= threshold {
				return true
			}
		}
	}
	return false
}

func compareAuthor(group []pair, threshold float64) bool {
	for _, p := range group {
		a := reversedVariants(p.a, ",")[0]
		for _, v := range reversedVariants(p.b, ",") {
			if softCompareNames(a, v) >= threshold {
				return true
			}
		}
	}
	return false
}

// compareDate matches when any four digit years of the two values lie close
// enough: each year of difference costs 0.1.
func compareDate(group []pair, threshold float64) bool {
	for _, p := range group {
		for _, y1 := range yearRe.FindAllString(p.a, -1) {
			for _, y2 := range yearRe.FindAllString(p.b, -1) {
				if compareNumbers(y1, y2) >= threshold {
					return true
				}
			}
		}
	}
	return false
}

func compareNumbers(a, b string) float64 {
	x, _ := strconv.Atoi(a)
	y, _ := strconv.Atoi(b)
	return 1 - math.Abs(float64(x-y))*0.1
}

// separatedVariants returns every split of s at sep into a head and a tail,
// followed by the whole string. Empty parts are skipped.
//
//	"a : b : c" -> ["a ", " b : c", "a : b ", " c", "a : b : c"]
func separatedVariants(s, sep string) []string {
	parts := strings.Split(s, sep)
	var out []string
	for i := 1; i <= len(parts); i++ {
		if head := strings.Join(parts[:i], sep); head != "" {
			out = append(out, head)
		}
		if tail := strings.Join(parts[i:], sep); tail != "" {
			out = append(out, tail)
		}
	}
	return out
}

// reversedVariants returns s and s with the text around the first sep
// swapped: "Doe, J" gives ["Doe, J", " J,Doe"].
func reversedVariants(s, sep string) [2]string {
	left, right, found := strings.Cut(s, sep)
	if !found {
		return [2]string{s, s}
	}
	return [2]string{left + sep + right, right + sep + left}
}

type nameParts struct {
	surname  string
	initials []string
	names    []string
}

// splitName separates a personal name into surname, initials and given
// names. "Ellis, John R." yields ("ellis", [j r], [john]).
func splitName(s string) nameParts {
	s = strings.ToLower(strings.TrimSpace(s))
	var surname, rest string
	if l, r, ok := strings.Cut(s, ","); ok {
		surname, rest = strings.TrimSpace(l), r
	} else if i := strings.LastIndex(s, " "); i >= 0 {
		surname, rest = s[i+1:], s[:i]
	} else {
		surname = s
	}

	var np nameParts
	np.surname = cleanName(surname)
	for _, w := range strings.FieldsFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == '-'
	}) {
		w = cleanName(w)
		if w == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(w)
		np.initials = append(np.initials, string(first))
		if utf8.RuneCountInString(w) > 1 {
			np.names = append(np.names, w)
		}
	}
	return np
}

func cleanName(s string) string {
	s = parenthesizedRe.ReplaceAllString(s, "")
	s = unidecode.Unidecode(s)
	s = nameNoiseRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// softCompareNames scores two personal names in [0,1]. An equal surname is
// worth 0.6 and a near-identical long one 0.4. Shared initials and given
// names contribute up to 0.4 more.
func softCompareNames(origin, target string) float64 {
	o, t := splitName(origin), splitName(target)

	var score float64
	switch {
	case o.surname == t.surname:
		score += 0.6
	case edlib.JaroWinklerSimilarity(o.surname, t.surname) >= 0.95 &&
		min(utf8.RuneCountInString(o.surname), utf8.RuneCountInString(t.surname)) > 4:
		score += 0.4
	}

	if len(o.initials) == 0 || len(t.initials) == 0 {
		return score
	}
	matching := 0
	for _, i := range o.initials {
		if slices.Contains(t.initials, i) {
			matching++
		}
	}
	for _, n := range o.names {
		if slices.Contains(t.names, n) {
			matching++
		}
	}
	denom := max(len(o.initials), len(t.initials)) + max(len(o.names), len(t.names))
	return score + float64(matching)*0.4/float64(denom)
}

func toASCII(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = unidecode.Unidecode(v)
	}
	return out
}
