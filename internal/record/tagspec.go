package record

import (
	"fmt"
	"regexp"
	"strings"
)

var tagSpecRe = regexp.MustCompile(`^[0-9]{3}[a-zA-Z0-9_%]{0,3}$`)

// TagSpec addresses values in a record: a three digit tag, two indicators
// and a subfield code. In indicators "_" means blank and "%" matches any
// indicator. A "%" code matches every subfield.
type TagSpec struct {
	Tag  string
	Ind1 string
	Ind2 string
	Code string
}

// IsTagSpec reports whether s is a literal tag specification such as
// "245__a" or "100".
func IsTagSpec(s string) bool {
	return tagSpecRe.MatchString(s)
}

func ParseTagSpec(s string) (TagSpec, error) {
	if !IsTagSpec(s) {
		return TagSpec{}, fmt.Errorf("invalid tag specification %q", s)
	}
	spec := TagSpec{Tag: s[:3], Ind1: "_", Ind2: "_", Code: "%"}
	if len(s) > 3 {
		spec.Ind1 = s[3:4]
	}
	if len(s) > 4 {
		spec.Ind2 = s[4:5]
	}
	if len(s) > 5 {
		spec.Code = s[5:6]
	}
	return spec, nil
}

// MustParseTagSpec is ParseTagSpec for constant input.
func MustParseTagSpec(s string) TagSpec {
	spec, err := ParseTagSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

func (t TagSpec) String() string {
	return t.Tag + t.Ind1 + t.Ind2 + t.Code
}

func (t TagSpec) IsControl() bool {
	return strings.HasPrefix(t.Tag, "00")
}

// WithDefaultCode returns t with a wildcard or blank code replaced by "a".
func (t TagSpec) WithDefaultCode() TagSpec {
	if t.Code == "%" || t.Code == "_" || t.Code == "" {
		t.Code = "a"
	}
	return t
}

func indicatorMatches(want, got string) bool {
	switch want {
	case "%":
		return true
	case "_", " ", "":
		return strings.TrimSpace(got) == "" || got == "_"
	default:
		return want == got
	}
}
