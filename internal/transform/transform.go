// Package transform implements the value transforms a query template may
// request for a field reference, e.g. [245__a::WORDS(3)::DOWN].
package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Transformer applies one named transform to a value. Implementations must
// be pure.
type Transformer interface {
	Apply(value, name string, args []string) (string, error)
}

// Functions is the built-in Transformer.
type Functions struct{}

var callRe = regexp.MustCompile(`^([A-Za-z]+)(?:\((.*)\))?$`)

// Parse splits a transform call such as "WORDS(3,L)" into its name and
// arguments.
func Parse(call string) (string, []string, error) {
	m := callRe.FindStringSubmatch(strings.TrimSpace(call))
	if m == nil {
		return "", nil, fmt.Errorf("invalid transform %q", call)
	}
	var args []string
	if m[2] != "" {
		args = strings.Split(m[2], ",")
	}
	return strings.ToUpper(m[1]), args, nil
}

// Chain applies calls left to right.
func Chain(t Transformer, value string, calls []string) (string, error) {
	for _, call := range calls {
		name, args, err := Parse(call)
		if err != nil {
			return value, err
		}
		value, err = t.Apply(value, name, args)
		if err != nil {
			return value, fmt.Errorf("transform %s: %w", name, err)
		}
	}
	return value, nil
}

func (Functions) Apply(value, name string, args []string) (string, error) {
	switch strings.ToUpper(name) {
	case "ADD":
		if value == "" {
			return value, nil
		}
		return arg(args, 0, "") + value + arg(args, 1, ""), nil
	case "ABR":
		n, err := intArg(args, 0, 1)
		if err != nil {
			return value, err
		}
		r := []rune(value)
		if len(r) <= n {
			return value, nil
		}
		return string(r[:n]) + arg(args, 1, ""), nil
	case "ABRW":
		n, err := intArg(args, 0, 1)
		if err != nil {
			return value, err
		}
		words := strings.Fields(value)
		for i, w := range words {
			if r := []rune(w); len(r) > n {
				words[i] = string(r[:n]) + arg(args, 1, "")
			}
		}
		return strings.Join(words, " "), nil
	case "LIM":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return value, err
		}
		r := []rune(value)
		if len(r) <= n {
			return value, nil
		}
		if strings.EqualFold(arg(args, 1, "L"), "R") {
			return string(r[len(r)-n:]), nil
		}
		return string(r[:n]), nil
	case "LIMW":
		sep := arg(args, 0, " ")
		idx := strings.Index(value, sep)
		if idx < 0 {
			return value, nil
		}
		if strings.EqualFold(arg(args, 1, "L"), "R") {
			return value[idx+len(sep):], nil
		}
		return value[:idx], nil
	case "WORDS":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return value, err
		}
		words := strings.Fields(value)
		if len(words) <= n {
			return strings.Join(words, " "), nil
		}
		if strings.EqualFold(arg(args, 1, "L"), "R") {
			return strings.Join(words[len(words)-n:], " "), nil
		}
		return strings.Join(words[:n], " "), nil
	case "MINL":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return value, err
		}
		if len([]rune(value)) < n {
			return "", nil
		}
		return value, nil
	case "MINLW":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return value, err
		}
		var kept []string
		for _, w := range strings.Fields(value) {
			if len([]rune(w)) >= n {
				kept = append(kept, w)
			}
		}
		return strings.Join(kept, " "), nil
	case "MAXL":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return value, err
		}
		if len([]rune(value)) > n {
			return "", nil
		}
		return value, nil
	case "REP":
		from, to := arg(args, 0, ""), arg(args, 1, "")
		if from == "" {
			return value, nil
		}
		if len(from) > 1 && strings.HasPrefix(from, "/") && strings.HasSuffix(from, "/") {
			re, err := regexp.Compile(from[1 : len(from)-1])
			if err != nil {
				return value, err
			}
			return re.ReplaceAllString(value, to), nil
		}
		return strings.ReplaceAll(value, from, to), nil
	case "SUP":
		class, ok := charClasses[strings.ToUpper(arg(args, 0, ""))]
		if !ok {
			return value, fmt.Errorf("unknown character class %q", arg(args, 0, ""))
		}
		repl := arg(args, 1, "")
		var b strings.Builder
		for _, r := range value {
			if class(r) {
				b.WriteString(repl)
				continue
			}
			b.WriteRune(r)
		}
		return b.String(), nil
	case "SHAPE":
		return strings.Join(strings.Fields(value), " "), nil
	case "UP":
		return strings.ToUpper(value), nil
	case "DOWN":
		return strings.ToLower(value), nil
	case "CAP":
		words := strings.Fields(value)
		for i, w := range words {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
		return strings.Join(words, " "), nil
	case "IF":
		pick := arg(args, 2, "")
		if value == arg(args, 0, "") {
			pick = arg(args, 1, "")
		}
		if pick == "ORIG" {
			return value, nil
		}
		return pick, nil
	case "EXP":
		contains := strings.Contains(value, arg(args, 0, ""))
		if arg(args, 1, "1") == "1" {
			if contains {
				return "", nil
			}
			return value, nil
		}
		if !contains {
			return "", nil
		}
		return value, nil
	case "CUT":
		value = strings.TrimPrefix(value, arg(args, 0, ""))
		return strings.TrimSuffix(value, arg(args, 1, "")), nil
	case "NUM":
		var b strings.Builder
		for _, r := range value {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		return b.String(), nil
	case "RE":
		re, err := regexp.Compile(arg(args, 0, ""))
		if err != nil {
			return value, err
		}
		if re.MatchString(value) {
			return value, nil
		}
		return "", nil
	default:
		return value, fmt.Errorf("unknown transform %q", name)
	}
}

var charClasses = map[string]func(rune) bool{
	"NUM":    unicode.IsDigit,
	"NNUM":   func(r rune) bool { return !unicode.IsDigit(r) },
	"ALPHA":  unicode.IsLetter,
	"NALPHA": func(r rune) bool { return !unicode.IsLetter(r) },
	"ALNUM":  func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) },
	"NALNUM": func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) },
	"PUNCT":  unicode.IsPunct,
	"LOWER":  unicode.IsLower,
	"UPPER":  unicode.IsUpper,
	"SPACE":  unicode.IsSpace,
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func intArg(args []string, i, def int) (int, error) {
	s := strings.TrimSpace(arg(args, i, ""))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("argument %d: expected non-negative integer, got %q", i+1, s)
	}
	return n, nil
}
