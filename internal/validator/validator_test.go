package validator

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/boutros/marc"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
)

type fieldSpec struct {
	tag, code, value string
}

func makeRecord(id string, fields ...fieldSpec) marc.Record {
	rec := marc.Record{}
	if id != "" {
		rec.CtrlFields = marc.CFields{{Tag: "001", Value: id}}
	}
	for _, f := range fields {
		rec.DataFields = append(rec.DataFields, marc.DField{
			Tag: f.tag, Ind1: " ", Ind2: " ",
			SubFields: marc.SubFields{{Code: f.code, Value: f.value}},
		})
	}
	return rec
}

func newDefault(t *testing.T) *Validator {
	t.Helper()
	v, err := New(config.DefaultValidationConfig(), false, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return v
}

func newWithRules(t *testing.T, minComparisons int, ascii bool, rules ...config.RuleConfig) *Validator {
	t.Helper()
	v, err := New(config.ValidationConfig{
		FuzzyMatchLimit: 0.65,
		MinComparisons:  minComparisons,
		Rulesets:        []config.RulesetConfig{{Rules: rules}},
	}, ascii, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return v
}

var (
	qedTitle  = fieldSpec{"245", "a", "Quantum Electrodynamics"}
	feynman   = fieldSpec{"100", "a", "Feynman, Richard P."}
	physRev   = fieldSpec{"773", "a", "Phys.Rev."}
	otherJrnl = fieldSpec{"773", "a", "Nucl.Phys."}
)

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ValidationConfig
	}{
		{"no rulesets", config.ValidationConfig{}},
		{"bad pattern", config.ValidationConfig{Rulesets: []config.RulesetConfig{
			{Pattern: "(unclosed", Rules: config.DefaultValidationConfig().Rulesets[0].Rules},
		}}},
		{"bad compare mode", config.ValidationConfig{Rulesets: []config.RulesetConfig{{Rules: []config.RuleConfig{
			{Tags: "245__a", Threshold: 1, CompareMode: "loose", MatchMode: "title", ResultMode: "normal"},
		}}}}},
		{"bad match mode", config.ValidationConfig{Rulesets: []config.RulesetConfig{{Rules: []config.RuleConfig{
			{Tags: "245__a", Threshold: 1, CompareMode: "lazy", MatchMode: "isbn", ResultMode: "normal"},
		}}}}},
		{"bad result mode", config.ValidationConfig{Rulesets: []config.RulesetConfig{{Rules: []config.RuleConfig{
			{Tags: "245__a", Threshold: 1, CompareMode: "lazy", MatchMode: "title", ResultMode: "maybe"},
		}}}}},
		{"empty tags", config.ValidationConfig{Rulesets: []config.RulesetConfig{{Rules: []config.RuleConfig{
			{Tags: " ", Threshold: 1, CompareMode: "lazy", MatchMode: "title", ResultMode: "normal"},
		}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, false, zap.NewNop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRuleset_DefaultOrder(t *testing.T) {
	v := newDefault(t)
	rules := v.Ruleset(makeRecord("1", qedTitle))

	var keys []string
	for _, r := range rules {
		keys = append(keys, r.Key)
	}
	want := []string{"037__a,088__a", "245__%,242__%", "100__a,700__a", "773__a"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("rule order = %v, want %v", keys, want)
	}
	if len(rules[1].Tags) != 2 || rules[1].Tags[0].Code != "%" {
		t.Errorf("unexpected tags for title rule: %+v", rules[1].Tags)
	}
}

func TestRuleset_PatternOverrides(t *testing.T) {
	cfg := config.DefaultValidationConfig()
	cfg.Rulesets = append(cfg.Rulesets, config.RulesetConfig{
		Pattern: `980__ \$\$aTHESIS`,
		Rules: []config.RuleConfig{
			{Tags: "245__%,242__%", Threshold: 0.8, CompareMode: "ignored", MatchMode: "title", ResultMode: "normal"},
			{Tags: "773__a", Threshold: 0, CompareMode: "lazy", MatchMode: "title", ResultMode: "normal"},
			{Tags: "260__c", Threshold: 0.8, CompareMode: "lazy", MatchMode: "date", ResultMode: "joker"},
		},
	})
	v, err := New(cfg, false, zap.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	plain := v.Ruleset(makeRecord("1", qedTitle))
	if len(plain) != 4 {
		t.Errorf("expected 4 rules without thesis marker, got %d", len(plain))
	}

	thesis := v.Ruleset(makeRecord("1", qedTitle, fieldSpec{"980", "a", "THESIS"}))
	var keys []string
	for _, r := range thesis {
		keys = append(keys, r.Key)
	}
	want := []string{"037__a,088__a", "260__c", "100__a,700__a"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("thesis rules = %v, want %v", keys, want)
	}
}

func TestScore(t *testing.T) {
	v := newDefault(t)
	orig := makeRecord("", qedTitle, feynman, physRev)

	tests := []struct {
		name      string
		cand      marc.Record
		wantScore float64
		wantFuzzy bool
	}{
		{"identical", makeRecord("1", qedTitle, feynman, physRev), 1, false},
		{"journal differs", makeRecord("2", qedTitle, feynman, otherJrnl), 2.0 / 3.0, false},
		{"nothing in common", makeRecord("3",
			fieldSpec{"245", "a", "Gravitational Lensing Surveys"},
			fieldSpec{"100", "a", "Zwicky, Fritz"},
		), 0, false},
		{"too few comparisons", makeRecord("4", qedTitle), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, fuzzy := v.Score(orig, tt.cand, v.Ruleset(orig))
			if math.Abs(score-tt.wantScore) > 1e-9 || fuzzy != tt.wantFuzzy {
				t.Errorf("Score = (%v, %v), want (%v, %v)", score, fuzzy, tt.wantScore, tt.wantFuzzy)
			}
		})
	}
}

func TestScore_FinalIdentifier(t *testing.T) {
	v := newDefault(t)
	orig := makeRecord("", qedTitle, fieldSpec{"037", "a", "DESY-F35D-97-04"})

	match := makeRecord("1", fieldSpec{"245", "a", "Something else"}, fieldSpec{"037", "a", "DESYF35D974"})
	if score, fuzzy := v.Score(orig, match, v.Ruleset(orig)); score != 1 || fuzzy {
		t.Errorf("matching identifier: Score = (%v, %v), want (1, false)", score, fuzzy)
	}

	miss := makeRecord("2", qedTitle, feynman, fieldSpec{"037", "a", "CERN-TH-1234"})
	if score, _ := v.Score(orig, miss, v.Ruleset(orig)); score != 0 {
		t.Errorf("different identifier: Score = %v, want 0", score)
	}
}

func TestScore_ResultModes(t *testing.T) {
	title := config.RuleConfig{Tags: "245__a", Threshold: 0.9, CompareMode: "lazy", MatchMode: "title", ResultMode: "normal"}

	t.Run("joker success wins", func(t *testing.T) {
		v := newWithRules(t, 2, false, title,
			config.RuleConfig{Tags: "773__a", Threshold: 1, CompareMode: "lazy", MatchMode: "normal", ResultMode: "joker"})
		orig := makeRecord("", fieldSpec{"245", "a", "A"}, physRev)
		cand := makeRecord("1", fieldSpec{"245", "a", "Completely different"}, physRev)
		if score, fuzzy := v.Score(orig, cand, v.Ruleset(orig)); score != 1 || fuzzy {
			t.Errorf("Score = (%v, %v), want (1, false)", score, fuzzy)
		}
	})

	t.Run("joker failure is not counted", func(t *testing.T) {
		v := newWithRules(t, 1, false, title,
			config.RuleConfig{Tags: "773__a", Threshold: 1, CompareMode: "lazy", MatchMode: "normal", ResultMode: "joker"})
		orig := makeRecord("", qedTitle, physRev)
		cand := makeRecord("1", qedTitle, otherJrnl)
		if score, _ := v.Score(orig, cand, v.Ruleset(orig)); score != 1 {
			t.Errorf("Score = %v, want 1", score)
		}
	})

	t.Run("one fuzzy failure forgiven", func(t *testing.T) {
		v := newWithRules(t, 2, false, title,
			config.RuleConfig{Tags: "100__a", Threshold: 0.8, CompareMode: "lazy", MatchMode: "author", ResultMode: "fuzzy"})
		orig := makeRecord("", qedTitle, feynman)
		cand := makeRecord("1", qedTitle, fieldSpec{"100", "a", "Zwicky, Fritz"})
		if score, fuzzy := v.Score(orig, cand, v.Ruleset(orig)); score != 1 || !fuzzy {
			t.Errorf("Score = (%v, %v), want (1, true)", score, fuzzy)
		}
	})

	t.Run("second fuzzy failure rejects", func(t *testing.T) {
		v := newWithRules(t, 1, false, title,
			config.RuleConfig{Tags: "100__a", Threshold: 0.8, CompareMode: "lazy", MatchMode: "author", ResultMode: "fuzzy"},
			config.RuleConfig{Tags: "773__a", Threshold: 1, CompareMode: "lazy", MatchMode: "normal", ResultMode: "fuzzy"})
		orig := makeRecord("", qedTitle, feynman, physRev)
		cand := makeRecord("1", qedTitle, fieldSpec{"100", "a", "Zwicky, Fritz"}, otherJrnl)
		if score, _ := v.Score(orig, cand, v.Ruleset(orig)); score != 0 {
			t.Errorf("Score = %v, want 0", score)
		}
	})

	t.Run("strict count mismatch", func(t *testing.T) {
		v := newWithRules(t, 1, false, title,
			config.RuleConfig{Tags: "700__a", Threshold: 0.9, CompareMode: "strict", MatchMode: "normal", ResultMode: "normal"})
		orig := makeRecord("", qedTitle, fieldSpec{"700", "a", "aaaa"}, fieldSpec{"700", "a", "zzzz"})
		cand := makeRecord("1", qedTitle, fieldSpec{"700", "a", "aaaa"})
		if score, _ := v.Score(orig, cand, v.Ruleset(orig)); score != 0 {
			t.Errorf("Score = %v, want 0", score)
		}
	})

	t.Run("strict order matters", func(t *testing.T) {
		v := newWithRules(t, 1, false,
			config.RuleConfig{Tags: "700__a", Threshold: 0.9, CompareMode: "strict", MatchMode: "normal", ResultMode: "normal"})
		orig := makeRecord("", fieldSpec{"700", "a", "aaaa"}, fieldSpec{"700", "a", "zzzz"})
		swapped := makeRecord("1", fieldSpec{"700", "a", "zzzz"}, fieldSpec{"700", "a", "aaaa"})
		if score, _ := v.Score(orig, swapped, v.Ruleset(orig)); score != 0 {
			t.Errorf("swapped Score = %v, want 0", score)
		}
		same := makeRecord("2", fieldSpec{"700", "a", "aaaa"}, fieldSpec{"700", "a", "zzzz"})
		if score, _ := v.Score(orig, same, v.Ruleset(orig)); score != 1 {
			t.Errorf("same order Score = %v, want 1", score)
		}
	})

	t.Run("ascii folding", func(t *testing.T) {
		rule := config.RuleConfig{Tags: "100__a", Threshold: 1, CompareMode: "lazy", MatchMode: "normal", ResultMode: "normal"}
		orig := makeRecord("", fieldSpec{"100", "a", "Höhne, Jürgen"})
		cand := makeRecord("1", fieldSpec{"100", "a", "Hohne, Jurgen"})

		plain := newWithRules(t, 1, false, rule)
		if score, _ := plain.Score(orig, cand, plain.Ruleset(orig)); score != 0 {
			t.Errorf("without ascii Score = %v, want 0", score)
		}
		folded := newWithRules(t, 1, true, rule)
		if score, _ := folded.Score(orig, cand, folded.Ruleset(orig)); score != 1 {
			t.Errorf("with ascii Score = %v, want 1", score)
		}
	})
}

func TestValidate(t *testing.T) {
	v := newDefault(t)
	orig := makeRecord("", qedTitle, feynman, physRev)
	candidates := []marc.Record{
		makeRecord("10", qedTitle, feynman, physRev),
		makeRecord("20", qedTitle, feynman, otherJrnl),
		makeRecord("30", fieldSpec{"245", "a", "Unrelated"}, fieldSpec{"100", "a", "Zwicky, Fritz"}),
	}

	exact, fuzzy, err := v.Validate(context.Background(), orig, candidates)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !reflect.DeepEqual(exact, []string{"10"}) {
		t.Errorf("exact = %v, want [10]", exact)
	}
	if !reflect.DeepEqual(fuzzy, []string{"20"}) {
		t.Errorf("fuzzy = %v, want [20]", fuzzy)
	}
}

func TestValidate_NoCandidates(t *testing.T) {
	v := newDefault(t)
	_, _, err := v.Validate(context.Background(), makeRecord("", qedTitle), nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
}

func TestValidate_CancelledContext(t *testing.T) {
	v := newDefault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := v.Validate(ctx, makeRecord("", qedTitle), []marc.Record{makeRecord("1", qedTitle)}); err == nil {
		t.Error("expected context error")
	}
}

func TestCompareHelpers(t *testing.T) {
	if got := separatedVariants("a : b : c", ":"); !reflect.DeepEqual(got, []string{"a ", " b : c", "a : b ", " c", "a : b : c"}) {
		t.Errorf("separatedVariants = %q", got)
	}
	if got := separatedVariants("plain", ":"); !reflect.DeepEqual(got, []string{"plain"}) {
		t.Errorf("separatedVariants(plain) = %q", got)
	}
	if got := reversedVariants("Doe, J", ","); got != [2]string{"Doe, J", " J,Doe"} {
		t.Errorf("reversedVariants = %q", got)
	}
	if got := compareNumbers("1999", "2001"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("compareNumbers = %v, want 0.8", got)
	}
	if ratio("", "") != 1 || ratio("abc", "abc") != 1 || ratio("abc", "xyz") != 0 {
		t.Error("unexpected ratio boundaries")
	}
}

func TestComparators(t *testing.T) {
	tests := []struct {
		name      string
		cmp       comparator
		a, b      string
		threshold float64
		want      bool
	}{
		{"identifier punctuation", compareIdentifier, "DESY-F35D-97-04", "DESYF35D974", 1, true},
		{"identifier differs", compareIdentifier, "hep-th/9901001", "hep-ph/9901001", 1, false},
		{"title with subtitle", compareTitle, "Quantum field theory", "Quantum field theory : an introduction", 1, true},
		{"title case and space", compareTitle, " QUANTUM field theory", "quantum field theory", 1, true},
		{"date within a year", compareDate, "1999-05", "c2000", 0.8, true},
		{"date too far", compareDate, "1990", "2000", 0.8, false},
		{"date without year", compareDate, "May", "2000", 0.1, false},
		{"author initials", compareAuthor, "Ellis, John R.", "Ellis, J. R.", 0.8, true},
		{"author reversed", compareAuthor, "Ellis, John", "John, Ellis", 0.8, true},
		{"author different surname", compareAuthor, "Ellis, John", "Smith, John", 0.8, false},
		{"normal exact", compareNormal, "Nucl. Phys.", " nucl. phys. ", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmp([]pair{{tt.a, tt.b}}, tt.threshold); got != tt.want {
				t.Errorf("compare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSoftCompareNames(t *testing.T) {
	if s := softCompareNames("Ellis, John R.", "Ellis, J. R."); s < 0.8 || s > 1 {
		t.Errorf("initials score = %v, want in [0.8, 1]", s)
	}
	if s := softCompareNames("Feynman, Richard", "Feynman, Richard"); math.Abs(s-1) > 1e-9 {
		t.Errorf("identical score = %v, want 1", s)
	}
	if s := softCompareNames("Ellis, John", "Smith, John"); math.Abs(s-0.4) > 1e-9 {
		t.Errorf("different surname score = %v, want 0.4", s)
	}
	if s := softCompareNames("Müller, Hans", "Muller, Hans"); math.Abs(s-1) > 1e-9 {
		t.Errorf("transliterated score = %v, want 1", s)
	}
}
