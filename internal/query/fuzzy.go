package query

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

// Operators chaining fuzzy queries: intersect, union and subtract. The first
// query of a chain carries no operator and seeds the result set.
const (
	OpIntersect = "+"
	OpUnion     = "|"
	OpSubtract  = "-"
)

type FuzzyQuery struct {
	Operator string
	Query    string
}

type FuzzyOptions struct {
	TitleTags        []string
	FirstAuthorTags  []string
	SecondAuthorTags []string
	UniqueIDTags     []string
	WordLimits       map[string]int
	DefaultWordLimit int
}

func FuzzyOptionsFromConfig(m config.MatchConfig) FuzzyOptions {
	return FuzzyOptions{
		TitleTags:        m.TitleTags,
		FirstAuthorTags:  m.FirstAuthorTags,
		SecondAuthorTags: m.SecondAuthorTags,
		UniqueIDTags:     m.UniqueIDTags,
		WordLimits:       m.FuzzyWordLimits,
		DefaultWordLimit: m.DefaultFuzzyWordLimit,
	}
}

type fieldKind int

const (
	kindOther fieldKind = iota
	kindTitle
	kindFirstAuthor
	kindSecondAuthor
	kindUniqueID
)

// FuzzyGenerator relaxes an assembled Query into a chain of looser queries.
type FuzzyGenerator struct {
	opts   FuzzyOptions
	logger *zap.Logger
}

func NewFuzzyGenerator(opts FuzzyOptions, logger *zap.Logger) *FuzzyGenerator {
	if opts.DefaultWordLimit <= 0 {
		opts.DefaultWordLimit = 3
	}
	return &FuzzyGenerator{opts: opts, logger: logger}
}

// Generate returns the fuzzy chain for q, in template order with the author
// sub-query last. It returns nil when no segment of q can be relaxed.
func (g *FuzzyGenerator) Generate(q *Query) []FuzzyQuery {
	if q == nil || len(q.Fields) == 0 {
		return nil
	}

	var (
		out        []FuzzyQuery
		derived    bool
		authors    []string
		authorOp   string
		haveAuthor bool
		haveSecond bool
	)
	for _, seg := range segments(q.Template) {
		refs := refsIn(q.Fields, seg)
		if len(refs) == 0 {
			out = append(out, FuzzyQuery{Operator: seg.Operator, Query: seg.Text})
			continue
		}
		for i, ref := range refs {
			op := seg.Operator
			if i > 0 {
				op = OpIntersect
			}
			if len(ref.Values) == 0 {
				continue
			}
			switch g.kind(ref) {
			case kindUniqueID:
				continue
			case kindFirstAuthor:
				if !haveAuthor {
					authorOp, haveAuthor = op, true
				}
				limit := g.wordLimit(ref)
				for _, v := range ref.Values {
					authors = append(authors, ref.fuzzyFill(strings.Join(longestWords(v, limit), " ")))
				}
			case kindSecondAuthor:
				if haveSecond {
					continue
				}
				haveSecond = true
				if !haveAuthor {
					authorOp, haveAuthor = op, true
				}
				authors = append(authors, ref.fuzzyFill(strings.Join(longestWords(ref.Values[0], g.wordLimit(ref)), " ")))
			case kindTitle:
				if fq := g.titleQuery(ref); fq != "" {
					out = append(out, FuzzyQuery{Operator: op, Query: fq})
					derived = true
				}
			default:
				if fq := g.wordQuery(ref); fq != "" {
					out = append(out, FuzzyQuery{Operator: op, Query: fq})
					derived = true
				}
			}
		}
	}
	if len(authors) > 0 {
		out = append(out, FuzzyQuery{Operator: authorOp, Query: orJoin(Dedupe(authors))})
		derived = true
	}
	if !derived {
		return nil
	}

	out = Dedupe(out)
	for i := range out {
		switch {
		case i == 0:
			out[i].Operator = ""
		case out[i].Operator == "":
			out[i].Operator = OpIntersect
		}
	}
	g.logger.Debug("generated fuzzy queries",
		zap.String("template", q.Template),
		zap.Int("count", len(out)),
	)
	return out
}

// titleQuery keeps the limit+1 longest words of each value and ORs together
// every variant with exactly one of them dropped.
func (g *FuzzyGenerator) titleQuery(ref FieldRef) string {
	limit := g.wordLimit(ref)
	var candidates []string
	for _, v := range ref.Values {
		words := longestWords(v, limit+1)
		if len(words) == 1 {
			candidates = append(candidates, ref.fuzzyFill(words[0]))
			continue
		}
		for i := range words {
			parts := make([]string, 0, len(words)-1)
			for j, w := range words {
				if j != i {
					parts = append(parts, ref.fuzzyFill(w))
				}
			}
			candidates = append(candidates, strings.Join(parts, " AND "))
		}
	}
	return orJoin(Dedupe(candidates))
}

// wordQuery ANDs together the limit longest words of each value.
func (g *FuzzyGenerator) wordQuery(ref FieldRef) string {
	limit := g.wordLimit(ref)
	var candidates []string
	for _, v := range ref.Values {
		words := longestWords(v, limit)
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = ref.fuzzyFill(w)
		}
		if len(parts) > 0 {
			candidates = append(candidates, strings.Join(parts, " AND "))
		}
	}
	return orJoin(Dedupe(candidates))
}

func orJoin(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, ") OR (") + ")"
}

func (r FieldRef) fuzzyFill(w string) string {
	return strings.TrimLeft(r.Prefix, "+|-") + w + r.Suffix
}

func (g *FuzzyGenerator) kind(ref FieldRef) fieldKind {
	switch {
	case refMatches(ref, g.opts.UniqueIDTags):
		return kindUniqueID
	case refMatches(ref, g.opts.TitleTags):
		return kindTitle
	case refMatches(ref, g.opts.FirstAuthorTags):
		return kindFirstAuthor
	case refMatches(ref, g.opts.SecondAuthorTags):
		return kindSecondAuthor
	default:
		return kindOther
	}
}

func (g *FuzzyGenerator) wordLimit(ref FieldRef) int {
	for _, t := range ref.Tags {
		if n, ok := g.opts.WordLimits[t.String()]; ok && n > 0 {
			return n
		}
	}
	if n, ok := g.opts.WordLimits[ref.Name]; ok && n > 0 {
		return n
	}
	return g.opts.DefaultWordLimit
}

// refMatches reports whether ref is named by, or resolves to a tag matching,
// one of patterns. "%" matches any character on either side.
func refMatches(ref FieldRef, patterns []string) bool {
	for _, p := range patterns {
		if strings.EqualFold(p, ref.Name) {
			return true
		}
		spec, err := record.ParseTagSpec(p)
		if err != nil {
			continue
		}
		for _, t := range ref.Tags {
			if tagMatches(spec.String(), t.String()) {
				return true
			}
		}
	}
	return false
}

func tagMatches(pattern, tag string) bool {
	if len(pattern) != len(tag) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '%' || tag[i] == '%' {
			continue
		}
		if pattern[i] != tag[i] {
			return false
		}
	}
	return true
}

// longestWords returns the n longest words of s in their original order.
// Ties keep the earlier word.
func longestWords(s string, n int) []string {
	words := splitWords(s)
	if len(words) <= n {
		return words
	}
	idx := make([]int, len(words))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return utf8.RuneCountInString(words[idx[a]]) > utf8.RuneCountInString(words[idx[b]])
	})
	keep := idx[:n]
	sort.Ints(keep)
	out := make([]string, n)
	for i, k := range keep {
		out[i] = words[k]
	}
	return out
}

// splitWords splits s on whitespace. A word opening with a double quote or a
// slash extends to the matching closing character, so quoted phrases and
// regular expressions stay whole.
func splitWords(s string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if unicode.IsSpace(r) {
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
			continue
		}
		if cur.Len() == 0 && (r == '"' || r == '/') {
			if j := closingRune(rs, i, r); j > i {
				cur.WriteString(string(rs[i : j+1]))
				i = j
				continue
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

func closingRune(rs []rune, start int, q rune) int {
	for j := start + 1; j < len(rs); j++ {
		if rs[j] == q {
			return j
		}
	}
	return -1
}

type segment struct {
	Operator   string
	Text       string
	start, end int
}

// segments splits a template into boolean expression segments. "and"/"+",
// "or"/"|" and "not"/"-" set the operator of the following segment; a
// segment without one is intersected with what precedes it.
func segments(template string) []segment {
	var (
		segs    []segment
		pending string
	)
	for _, tok := range tokenize(template) {
		switch strings.ToLower(tok.text) {
		case "and", "+":
			if pending != OpSubtract {
				pending = OpIntersect
			}
			continue
		case "or", "|":
			pending = OpUnion
			continue
		case "not", "-":
			pending = OpSubtract
			continue
		}
		text, start := tok.text, tok.start
		if len(text) > 1 && strings.ContainsRune("+|-", rune(text[0])) {
			pending = text[:1]
			text, start = text[1:], start+1
		}
		op := pending
		if op == "" && len(segs) > 0 {
			op = OpIntersect
		}
		segs = append(segs, segment{Operator: op, Text: text, start: start, end: tok.end})
		pending = ""
	}
	return segs
}

func refsIn(refs []FieldRef, seg segment) []FieldRef {
	var out []FieldRef
	for _, r := range refs {
		if r.start < seg.end && r.end > seg.start {
			out = append(out, r)
		}
	}
	return out
}

type token struct {
	text       string
	start, end int
}

// tokenize splits on whitespace outside quotes, brackets, parentheses and
// slash-delimited regular expressions.
func tokenize(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		if isSpace(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			switch s[i] {
			case '"':
				i = skipPast(s, i, '"')
			case '[':
				i = skipPast(s, i, ']')
			case '(':
				i = skipGroup(s, i)
			case '/':
				if i == start {
					i = skipPast(s, i, '/')
				} else {
					i++
				}
			default:
				i++
			}
		}
		toks = append(toks, token{text: s[start:i], start: start, end: i})
	}
	return toks
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func skipPast(s string, i int, c byte) int {
	if j := strings.IndexByte(s[i+1:], c); j >= 0 {
		return i + 1 + j + 1
	}
	return i + 1
}

func skipGroup(s string, i int) int {
	depth := 0
	for j := i; j < len(s); j++ {
		switch s[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return j + 1
			}
		case '"':
			j = skipPast(s, j, '"') - 1
		}
	}
	return i + 1
}
