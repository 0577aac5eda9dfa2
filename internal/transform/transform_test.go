package transform

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantArgs int
		wantErr  bool
	}{
		{"DOWN", "DOWN", 0, false},
		{"words(3,L)", "WORDS", 2, false},
		{"ADD(pre,)", "ADD", 2, false},
		{"", "", 0, true},
		{"WORDS(3", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, args, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if name != tt.wantName || len(args) != tt.wantArgs {
				t.Errorf("Parse(%q) = %q, %v", tt.in, name, args)
			}
		})
	}
}

func TestFunctions_Apply(t *testing.T) {
	var f Functions

	tests := []struct {
		name  string
		value string
		fn    string
		args  []string
		want  string
	}{
		{"add", "x", "ADD", []string{"<", ">"}, "<x>"},
		{"add empty", "", "ADD", []string{"<", ">"}, ""},
		{"abr", "Electrodynamics", "ABR", []string{"8", "."}, "Electrod."},
		{"abr short", "QED", "ABR", []string{"8", "."}, "QED"},
		{"abrw", "Physical Review Letters", "ABRW", []string{"4", "."}, "Phys. Revi. Lett."},
		{"lim left", "abcdef", "LIM", []string{"3"}, "abc"},
		{"lim right", "abcdef", "LIM", []string{"3", "R"}, "def"},
		{"limw left", "Title: Subtitle", "LIMW", []string{":"}, "Title"},
		{"limw right", "Title: Subtitle", "LIMW", []string{":", "R"}, " Subtitle"},
		{"words left", "one two three four", "WORDS", []string{"2"}, "one two"},
		{"words right", "one two three four", "WORDS", []string{"2", "R"}, "three four"},
		{"minl drops", "ab", "MINL", []string{"3"}, ""},
		{"minl keeps", "abc", "MINL", []string{"3"}, "abc"},
		{"minlw", "a theory of everything", "MINLW", []string{"3"}, "theory everything"},
		{"maxl drops", "abcd", "MAXL", []string{"3"}, ""},
		{"rep plain", "a-b-c", "REP", []string{"-", " "}, "a b c"},
		{"rep regex", "a1b22c", "REP", []string{`/\d+/`, "#"}, "a#b#c"},
		{"sup num", "hep-th/9901001", "SUP", []string{"NUM"}, "hep-th/"},
		{"sup punct repl", "a.b,c", "SUP", []string{"PUNCT", " "}, "a b c"},
		{"sup nalnum", "a-b c", "SUP", []string{"NALNUM"}, "abc"},
		{"shape", "  a   b \t c ", "SHAPE", nil, "a b c"},
		{"up", "Qed", "UP", nil, "QED"},
		{"down", "QED", "DOWN", nil, "qed"},
		{"cap", "quantum field theory", "CAP", nil, "Quantum Field Theory"},
		{"if true", "x", "IF", []string{"x", "yes", "no"}, "yes"},
		{"if false orig", "z", "IF", []string{"x", "yes", "ORIG"}, "z"},
		{"exp excludes", "preprint draft", "EXP", []string{"draft", "1"}, ""},
		{"exp requires", "preprint", "EXP", []string{"draft", "0"}, ""},
		{"cut", "[Title]", "CUT", []string{"[", "]"}, "Title"},
		{"num", "vol. 12 (3)", "NUM", nil, "123"},
		{"re match", "2001", "RE", []string{`^\d{4}$`}, "2001"},
		{"re no match", "c2001", "RE", []string{`^\d{4}$`}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Apply(tt.value, tt.fn, tt.args)
			if err != nil {
				t.Fatalf("Apply returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s(%q, %v) = %q, want %q", tt.fn, tt.value, tt.args, got, tt.want)
			}
		})
	}
}

func TestFunctions_ApplyErrors(t *testing.T) {
	var f Functions

	tests := []struct {
		fn   string
		args []string
	}{
		{"NOPE", nil},
		{"WORDS", []string{"x"}},
		{"SUP", []string{"VOWELS"}},
		{"RE", []string{"("}},
		{"REP", []string{"/(/", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			got, err := f.Apply("value", tt.fn, tt.args)
			if err == nil {
				t.Errorf("expected error for %s(%v)", tt.fn, tt.args)
			}
			if got != "value" {
				t.Errorf("expected value untouched on error, got %q", got)
			}
		})
	}
}

func TestChain(t *testing.T) {
	got, err := Chain(Functions{}, "  Quantum  Electrodynamics and Renormalization ", []string{"SHAPE", "WORDS(2)", "DOWN"})
	if err != nil {
		t.Fatalf("Chain returned error: %v", err)
	}
	if got != "quantum electrodynamics" {
		t.Errorf("Chain = %q", got)
	}

	if _, err := Chain(Functions{}, "x", []string{"DOWN", "BOGUS"}); err == nil {
		t.Error("expected error for unknown transform in chain")
	}
}
