// Package validator decides whether candidate records returned by a search
// really describe the same work as the input record, by comparing selected
// fields under configurable rules.
package validator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/boutros/marc"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

// Comparison modes: how many of the original values must find a partner.
const (
	CompareLazy    = "lazy"
	CompareNormal  = "normal"
	CompareStrict  = "strict"
	CompareIgnored = "ignored"
)

// Match modes select the value comparison function.
const (
	MatchTitle      = "title"
	MatchAuthor     = "author"
	MatchIdentifier = "identifier"
	MatchDate       = "date"
	MatchNormal     = "normal"
)

// Result modes decide what a rule outcome means for the whole record.
const (
	ResultNormal = "normal"
	ResultFinal  = "final"
	ResultJoker  = "joker"
	ResultFuzzy  = "fuzzy"
)

var ErrNoCandidates = errors.New("no candidate records to validate")

// Rule compares the values of Tags in both records.
type Rule struct {
	Key         string
	Tags        []record.TagSpec
	Threshold   float64
	CompareMode string
	MatchMode   string
	ResultMode  string
}

type ruleset struct {
	pattern *regexp.Regexp
	rules   []config.RuleConfig
}

type Validator struct {
	rulesets       []ruleset
	fuzzyLimit     float64
	minComparisons int
	ascii          bool
	logger         *zap.Logger
}

// New compiles the configured rulesets. A ruleset with an empty or "default"
// pattern applies to every record; any other pattern is a regular expression
// searched in the text form of the record.
func New(cfg config.ValidationConfig, ascii bool, logger *zap.Logger) (*Validator, error) {
	v := &Validator{
		fuzzyLimit:     cfg.FuzzyMatchLimit,
		minComparisons: cfg.MinComparisons,
		ascii:          ascii,
		logger:         logger,
	}
	for i, rs := range cfg.Rulesets {
		compiled := ruleset{rules: rs.Rules}
		if rs.Pattern != "" && rs.Pattern != "default" {
			re, err := regexp.Compile(rs.Pattern)
			if err != nil {
				return nil, fmt.Errorf("ruleset %d: invalid pattern: %w", i, err)
			}
			compiled.pattern = re
		}
		for _, r := range rs.Rules {
			if err := checkRule(r); err != nil {
				return nil, fmt.Errorf("ruleset %d: %w", i, err)
			}
		}
		v.rulesets = append(v.rulesets, compiled)
	}
	if len(v.rulesets) == 0 {
		return nil, errors.New("no validation rulesets configured")
	}
	return v, nil
}

func checkRule(r config.RuleConfig) error {
	switch r.CompareMode {
	case CompareLazy, CompareNormal, CompareStrict, CompareIgnored:
	default:
		return fmt.Errorf("rule %q: unknown compare mode %q", r.Tags, r.CompareMode)
	}
	switch r.MatchMode {
	case MatchTitle, MatchAuthor, MatchIdentifier, MatchDate, MatchNormal:
	default:
		return fmt.Errorf("rule %q: unknown match mode %q", r.Tags, r.MatchMode)
	}
	switch r.ResultMode {
	case ResultNormal, ResultFinal, ResultJoker, ResultFuzzy:
	default:
		return fmt.Errorf("rule %q: unknown result mode %q", r.Tags, r.ResultMode)
	}
	if strings.TrimSpace(r.Tags) == "" {
		return errors.New("rule without tags")
	}
	return nil
}

// Ruleset returns the rules that apply to rec. Later rulesets override earlier
// rules with the same tags key. Ignored and non-positive rules are dropped,
// and final rules run first, then joker rules, then the rest.
func (v *Validator) Ruleset(rec marc.Record) []Rule {
	text := record.TextMARC(rec)

	var (
		order  []string
		byTags = make(map[string]config.RuleConfig)
	)
	for _, rs := range v.rulesets {
		if rs.pattern != nil && !rs.pattern.MatchString(text) {
			continue
		}
		for _, r := range rs.rules {
			if _, seen := byTags[r.Tags]; !seen {
				order = append(order, r.Tags)
			}
			byTags[r.Tags] = r
		}
	}

	var final, joker, normal []Rule
	for _, key := range order {
		rc := byTags[key]
		if rc.CompareMode == CompareIgnored || rc.Threshold <= 0 {
			continue
		}
		rule := Rule{
			Key:         key,
			Threshold:   rc.Threshold,
			CompareMode: rc.CompareMode,
			MatchMode:   rc.MatchMode,
			ResultMode:  rc.ResultMode,
		}
		for _, t := range strings.Split(key, ",") {
			spec, err := record.ParseTagSpec(strings.TrimSpace(t))
			if err != nil {
				v.logger.Warn("skipping invalid validation tag", zap.String("tag", t))
				continue
			}
			rule.Tags = append(rule.Tags, spec)
		}
		switch rc.ResultMode {
		case ResultFinal:
			final = append(final, rule)
		case ResultJoker:
			joker = append(joker, rule)
		default:
			normal = append(normal, rule)
		}
	}
	return append(append(final, joker...), normal...)
}

// Validate compares rec with every candidate and returns the ids of exact
// and fuzzy matches. Candidates matching neither are left out.
func (v *Validator) Validate(ctx context.Context, rec marc.Record, candidates []marc.Record) ([]string, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, ErrNoCandidates
	}
	rules := v.Ruleset(rec)
	if len(rules) == 0 {
		return nil, nil, errors.New("empty validation ruleset")
	}

	var exact, fuzzy []string
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return exact, fuzzy, err
		}
		id := record.ID(cand)
		score, fuzzyFlag := v.Score(rec, cand, rules)
		switch {
		case score == 1 && !fuzzyFlag:
			exact = append(exact, id)
		case score >= v.fuzzyLimit || fuzzyFlag:
			fuzzy = append(fuzzy, id)
		}
		v.logger.Debug("validated candidate",
			zap.String("candidate", id),
			zap.Float64("score", score),
			zap.Bool("fuzzy", fuzzyFlag),
		)
	}
	return exact, fuzzy, nil
}

// Score applies rules to a pair of records. It returns the share of counted
// rules that matched and whether a fuzzy rule was forgiven along the way.
func (v *Validator) Score(orig, cand marc.Record, rules []Rule) (float64, bool) {
	var (
		matches     int
		comparisons int
		fuzzy       bool
	)
	for _, rule := range rules {
		ov, cv := ruleValues(orig, rule.Tags), ruleValues(cand, rule.Tags)
		if len(ov) == 0 || len(cv) == 0 {
			continue
		}
		if rule.ResultMode != ResultJoker {
			comparisons++
		}
		if v.ascii {
			ov, cv = toASCII(ov), toASCII(cv)
		}

		ignoreOrder := true
		needed := 1
		switch rule.CompareMode {
		case CompareNormal:
			needed = len(ov)
		case CompareStrict:
			if len(ov) != len(cv) {
				if rule.ResultMode != ResultJoker {
					return 0, fuzzy
				}
				continue
			}
			needed = len(ov)
			ignoreOrder = false
		}

		groups := pairedComparisons(ov, cv, ignoreOrder)
		matched, found := countMatches(groups, rule.Threshold, needed, comparatorFor(rule.MatchMode))
		if rule.MatchMode == MatchAuthor && !matched {
			// Author lists rarely agree fully.
			matched = float64(found)/float64(needed) > rule.Threshold
		}

		if matched {
			if rule.ResultMode == ResultFinal || rule.ResultMode == ResultJoker {
				return 1, false
			}
			matches++
			continue
		}
		switch rule.ResultMode {
		case ResultFinal:
			return 0, false
		case ResultFuzzy:
			if fuzzy {
				return 0, false
			}
			fuzzy = true
			matches++
		}
	}

	if matches < v.minComparisons || comparisons == 0 {
		return 0, fuzzy
	}
	return float64(matches) / float64(comparisons), fuzzy
}

func ruleValues(rec marc.Record, tags []record.TagSpec) []string {
	var out []string
	for _, t := range tags {
		for _, val := range record.Values(rec, t) {
			if val != "" {
				out = append(out, val)
			}
		}
	}
	return out
}

func comparatorFor(mode string) comparator {
	switch mode {
	case MatchTitle:
		return compareTitle
	case MatchAuthor:
		return compareAuthor
	case MatchIdentifier:
		return compareIdentifier
	case MatchDate:
		return compareDate
	default:
		return compareNormal
	}
}
