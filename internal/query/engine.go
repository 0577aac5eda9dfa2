package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/boutros/marc"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/record"
	"github.com/shubhsaxena/bibmatch/internal/transform"
)

const (
	OperatorAnd = "and"
	OperatorOr  = "or"
)

var (
	fieldRefRe = regexp.MustCompile(`([^\s\[\]()]*)\[([^\[\]]+)\]([^\s\[\]()]*)`)
	entityRe   = regexp.MustCompile(`&#?\w+;`)
	stripChars = strings.NewReplacer(`"`, "", "[", "", "]", "")

	emptyGroupRe = regexp.MustCompile(`\(\s*\)`)
	openOpRe     = regexp.MustCompile(`(?i)\(\s*(?:and|or)\s+`)
	closeOpRe    = regexp.MustCompile(`(?i)\s+(?:and|or|not)\s*\)`)
	doubleOpRe   = regexp.MustCompile(`(?i)\s+(and|or|not)\s+(?:and|or)\s+`)
	leadingOpRe  = regexp.MustCompile(`(?i)^(?:(?:and|or|not)\s+|[+|]\s*)+`)
	trailingOpRe = regexp.MustCompile(`(?i)(?:\s+(?:and|or|not)|\s*[+|-])+$`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

type Options struct {
	Operator        string
	Clean           bool
	DefaultTemplate string
}

// FieldRef is one prefix[name::T1::T2]suffix reference of a template
// together with the values it extracted from a record.
type FieldRef struct {
	Prefix     string
	Name       string
	Transforms []string
	Suffix     string
	Tags       []record.TagSpec
	Values     []string

	start, end int
}

func (r FieldRef) fill(v string) string {
	return r.Prefix + v + r.Suffix
}

// slot is the AND-mode replacement: the OR-join of every value.
func (r FieldRef) slot() string {
	switch len(r.Values) {
	case 0:
		return ""
	case 1:
		return r.fill(r.Values[0])
	}
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = r.fill(v)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Query is an assembled search query. Text is empty when no reference
// produced a value; such a query must not be issued.
type Query struct {
	Template string
	Text     string
	Complete bool
	Operator string
	Fields   []FieldRef
}

// Engine turns a query template and a record into a Query. It keeps no
// per-call state, so one Engine may serve any number of records.
type Engine struct {
	registry    TagRegistry
	transformer transform.Transformer
	opts        Options
	logger      *zap.Logger
}

func NewEngine(registry TagRegistry, transformer transform.Transformer, opts Options, logger *zap.Logger) *Engine {
	if transformer == nil {
		transformer = transform.Functions{}
	}
	opts.Operator = strings.ToLower(opts.Operator)
	if opts.Operator != OperatorOr {
		opts.Operator = OperatorAnd
	}
	return &Engine{
		registry:    registry,
		transformer: transformer,
		opts:        opts,
		logger:      logger,
	}
}

func (e *Engine) Operator() string {
	return e.opts.Operator
}

// CreateQuery builds the query for rec from template. Registry failures are
// returned; a template without usable references yields an empty, incomplete
// query.
func (e *Engine) CreateQuery(ctx context.Context, rec marc.Record, template string) (*Query, error) {
	tmpl := e.NormalizeTemplate(template)
	refs, err := e.ExtractFieldValues(ctx, rec, tmpl)
	if err != nil {
		return nil, err
	}

	q := &Query{
		Template: tmpl,
		Operator: e.opts.Operator,
		Fields:   refs,
		Complete: len(refs) > 0,
	}
	filled := 0
	for _, r := range refs {
		if len(r.Values) == 0 {
			q.Complete = false
			continue
		}
		filled++
	}
	if filled == 0 {
		return q, nil
	}

	skel := maskRefs(tmpl, refs)
	if !q.Complete {
		skel = tidy(skel)
	}

	var text string
	if e.opts.Operator == OperatorOr {
		variants := expandMasked(skel, refs)
		for i := range variants {
			variants[i] = strings.TrimSpace(variants[i])
		}
		variants = Dedupe(variants)
		if len(variants) == 1 {
			text = variants[0]
		} else {
			text = "(" + strings.Join(variants, ") OR (") + ")"
		}
	} else {
		text = strings.TrimSpace(fillMarkers(skel, refs, func(_ int, r FieldRef) string { return r.slot() }))
	}

	if e.opts.Clean {
		text = multiSpaceRe.ReplaceAllString(strings.ReplaceAll(text, `""`, ""), " ")
		text = strings.TrimSpace(text)
	}
	q.Text = text
	return q, nil
}

// NormalizeTemplate applies the default template and rewrites legacy
// "||"-separated field lists into bracket syntax.
func (e *Engine) NormalizeTemplate(template string) string {
	t := strings.TrimSpace(template)
	if t == "" {
		t = strings.TrimSpace(e.opts.DefaultTemplate)
	}
	if strings.Contains(t, "||") || !strings.Contains(t, "[") {
		return legacyTemplate(t, e.opts.Operator)
	}
	return t
}

func legacyTemplate(t, operator string) string {
	var refs []string
	for _, part := range strings.Split(t, "||") {
		for _, name := range strings.Fields(part) {
			name = strings.Trim(name, "[]")
			if name != "" {
				refs = append(refs, "["+name+"]")
			}
		}
	}
	return strings.Join(refs, " "+strings.ToUpper(operator)+" ")
}

// ExtractFieldValues locates every field reference of template and pulls its
// values from rec, after transforms and entity stripping. The result is built
// fresh on every call.
func (e *Engine) ExtractFieldValues(ctx context.Context, rec marc.Record, template string) ([]FieldRef, error) {
	matches := fieldRefRe.FindAllStringSubmatchIndex(template, -1)
	refs := make([]FieldRef, 0, len(matches))
	for _, m := range matches {
		parts := strings.Split(template[m[4]:m[5]], "::")
		ref := FieldRef{
			Prefix:     template[m[2]:m[3]],
			Name:       strings.TrimSpace(parts[0]),
			Transforms: parts[1:],
			Suffix:     template[m[6]:m[7]],
			start:      m[0],
			end:        m[1],
		}
		tags, err := e.resolve(ctx, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("resolving field %q: %w", ref.Name, err)
		}
		ref.Tags = tags
		ref.Values = e.values(rec, ref)
		refs = append(refs, ref)
	}
	return refs, nil
}

func (e *Engine) resolve(ctx context.Context, name string) ([]record.TagSpec, error) {
	names := []string{name}
	if !record.IsTagSpec(name) {
		if e.registry == nil {
			return nil, nil
		}
		var err error
		names, err = e.registry.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	specs := make([]record.TagSpec, 0, len(names))
	for _, n := range names {
		spec, err := record.ParseTagSpec(n)
		if err != nil {
			e.logger.Warn("skipping invalid tag from registry",
				zap.String("field", name),
				zap.String("tag", n),
			)
			continue
		}
		if !spec.IsControl() {
			spec = spec.WithDefaultCode()
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (e *Engine) values(rec marc.Record, ref FieldRef) []string {
	var out []string
	for _, spec := range ref.Tags {
		for _, v := range record.Values(rec, spec) {
			if len(ref.Transforms) > 0 {
				tv, err := transform.Chain(e.transformer, v, ref.Transforms)
				if err != nil {
					e.logger.Warn("field transform failed",
						zap.String("field", ref.Name),
						zap.Strings("transforms", ref.Transforms),
						zap.Error(err),
					)
				} else {
					v = tv
				}
			}
			if v = sanitizeValue(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return Dedupe(out)
}

func sanitizeValue(v string) string {
	v = entityRe.ReplaceAllString(v, "")
	v = stripChars.Replace(v)
	return strings.Join(strings.Fields(v), " ")
}

// ExpandVariants instantiates template once per combination of the values of
// its filled references. References without values are dropped from every
// variant together with the operators they leave dangling. No deduplication
// is done here.
func ExpandVariants(template string, refs []FieldRef) []string {
	skel := maskRefs(template, refs)
	for _, r := range refs {
		if len(r.Values) == 0 {
			skel = tidy(skel)
			break
		}
	}
	return expandMasked(skel, refs)
}

func expandMasked(skel string, refs []FieldRef) []string {
	var lists [][]string
	for _, r := range refs {
		if len(r.Values) > 0 {
			lists = append(lists, r.Values)
		}
	}
	combos := CartesianProduct(lists)
	variants := make([]string, 0, len(combos))
	for _, combo := range combos {
		k := 0
		variants = append(variants, fillMarkers(skel, refs, func(_ int, r FieldRef) string {
			v := r.fill(combo[k])
			k++
			return v
		}))
	}
	return variants
}

// maskRefs replaces every filled reference of template with a marker and
// drops the unfilled ones. The result only holds template text, so it can
// be tidied without touching record values.
func maskRefs(template string, refs []FieldRef) string {
	return substitute(template, refs, func(i int, r FieldRef) string {
		if len(r.Values) == 0 {
			return ""
		}
		return refMarker(i)
	})
}

func refMarker(i int) string {
	return "\x00" + strconv.Itoa(i) + "\x00"
}

// fillMarkers replaces the markers left by maskRefs, calling repl for the
// filled references in template order.
func fillMarkers(skel string, refs []FieldRef, repl func(int, FieldRef) string) string {
	var b strings.Builder
	for i, r := range refs {
		if len(r.Values) == 0 {
			continue
		}
		m := refMarker(i)
		at := strings.Index(skel, m)
		if at < 0 {
			continue
		}
		b.WriteString(skel[:at])
		b.WriteString(repl(i, r))
		skel = skel[at+len(m):]
	}
	b.WriteString(skel)
	return b.String()
}

func substitute(template string, refs []FieldRef, repl func(int, FieldRef) string) string {
	var b strings.Builder
	last := 0
	for i, r := range refs {
		b.WriteString(template[last:r.start])
		b.WriteString(repl(i, r))
		last = r.end
	}
	b.WriteString(template[last:])
	return b.String()
}

// tidy removes what dropped references leave behind in a masked template:
// empty groups, dangling boolean operators and doubled spaces.
func tidy(s string) string {
	for {
		prev := s
		s = multiSpaceRe.ReplaceAllString(s, " ")
		s = emptyGroupRe.ReplaceAllString(s, "")
		s = openOpRe.ReplaceAllString(s, "(")
		s = closeOpRe.ReplaceAllString(s, ")")
		s = doubleOpRe.ReplaceAllString(s, " $1 ")
		s = strings.TrimSpace(s)
		s = leadingOpRe.ReplaceAllString(s, "")
		s = trailingOpRe.ReplaceAllString(s, "")
		if s == prev {
			return s
		}
	}
}
