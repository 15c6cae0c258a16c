// Package formula converts model formulas such as "y ~ a + C(b) + a:c"
// into design matrices built from the columns of a statmodel.Dataset.
//
// A formula has an optional response on the left of "~" and a sum of
// terms on the right.  A term is one or more factors joined by ":".  A
// factor is a variable name, a categorical variable C(name), or a
// transformed variable fn(name) where fn is log, exp, sqrt, abs or a
// function registered with Funcs.  "a*b" expands to "a + b + a:b".  An
// intercept is included unless the formula contains "0" or "- 1".
package formula

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ErrSyntax is returned when a formula cannot be parsed.
var ErrSyntax = errors.New("formula: syntax error")

// Factor is a single variable appearing in a term.
type Factor struct {

	// Name of the variable in the data
	Var string

	// True if the variable is treated as categorical
	Categorical bool

	// Name of a transformation applied to a numeric variable, or
	// empty for none
	Func string
}

// String returns the label of the factor as it appears in column names.
func (f Factor) String() string {
	switch {
	case f.Categorical:
		return "C(" + f.Var + ")"
	case f.Func != "":
		return f.Func + "(" + f.Var + ")"
	default:
		return f.Var
	}
}

// Term is a product of one or more factors.
type Term []Factor

// Name returns the label of the term, the factor labels joined by ":".
func (t Term) Name() string {
	s := make([]string, len(t))
	for i, f := range t {
		s[i] = f.String()
	}
	return strings.Join(s, ":")
}

// key identifies a term irrespective of factor order.
func (t Term) key() string {
	s := make([]string, len(t))
	for i, f := range t {
		s[i] = f.String()
	}
	sort.Strings(s)
	return strings.Join(s, ":")
}

// Formula is a parsed model formula.
type Formula struct {

	// The formula as provided by the caller
	Source string

	// Name of the response variable, empty if the formula is one-sided
	Response string

	// True if the design includes an intercept column
	Intercept bool

	// The terms, in order of first appearance, excluding the intercept
	Terms []Term
}

// String returns the formula as originally provided.
func (f *Formula) String() string {
	return f.Source
}

// Vars returns the names of all variables used on the right-hand side
// of the formula, in order of first appearance.
func (f *Formula) Vars() []string {
	seen := make(map[string]bool)
	var vars []string
	for _, t := range f.Terms {
		for _, fac := range t {
			if !seen[fac.Var] {
				seen[fac.Var] = true
				vars = append(vars, fac.Var)
			}
		}
	}
	return vars
}

// Parse parses a formula string.
func Parse(s string) (*Formula, error) {

	f := &Formula{
		Source:    s,
		Intercept: true,
	}

	rhs := s
	if i := strings.Index(s, "~"); i >= 0 {
		f.Response = strings.TrimSpace(s[:i])
		if !isName(f.Response) {
			return nil, fmt.Errorf("%w: invalid response '%s' in '%s'", ErrSyntax, f.Response, s)
		}
		rhs = s[i+1:]
		if strings.Contains(rhs, "~") {
			return nil, fmt.Errorf("%w: more than one '~' in '%s'", ErrSyntax, s)
		}
	}

	pieces, err := splitSigned(rhs)
	if err != nil {
		return nil, fmt.Errorf("%w in '%s'", err, s)
	}

	seen := make(map[string]int)
	for _, p := range pieces {

		switch p.text {
		case "1":
			f.Intercept = !p.neg
			continue
		case "0":
			if p.neg {
				return nil, fmt.Errorf("%w: '-0' in '%s'", ErrSyntax, s)
			}
			f.Intercept = false
			continue
		}

		terms, err := expand(p.text)
		if err != nil {
			return nil, fmt.Errorf("%w in '%s'", err, s)
		}

		for _, t := range terms {
			k := t.key()
			if p.neg {
				if j, ok := seen[k]; ok {
					f.Terms = append(f.Terms[:j], f.Terms[j+1:]...)
					delete(seen, k)
					for kk, jj := range seen {
						if jj > j {
							seen[kk] = jj - 1
						}
					}
				}
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = len(f.Terms)
			f.Terms = append(f.Terms, t)
		}
	}

	return f, nil
}

type piece struct {
	text string
	neg  bool
}

// splitSigned splits an expression into the pieces joined by "+" or
// "-" outside of parentheses.
func splitSigned(s string) ([]piece, error) {

	var pieces []piece
	var cur strings.Builder
	neg := false
	depth := 0

	flush := func() error {
		t := strings.TrimSpace(cur.String())
		cur.Reset()
		if t == "" {
			return fmt.Errorf("%w: empty term", ErrSyntax)
		}
		pieces = append(pieces, piece{text: t, neg: neg})
		return nil
	}

	for _, r := range s {
		switch {
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced parentheses", ErrSyntax)
			}
			cur.WriteRune(r)
		case (r == '+' || r == '-') && depth == 0:
			if len(pieces) == 0 && strings.TrimSpace(cur.String()) == "" && r == '-' {
				// A leading "-1"
				neg = true
				continue
			}
			if err := flush(); err != nil {
				return nil, err
			}
			neg = r == '-'
		default:
			cur.WriteRune(r)
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced parentheses", ErrSyntax)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return pieces, nil
}

// expand converts "a*b:c" into its terms.
func expand(s string) ([]Term, error) {

	ops := strings.Split(s, "*")
	res := []Term{nil}
	for _, op := range ops {
		t, err := parseTerm(op)
		if err != nil {
			return nil, err
		}
		n := len(res)
		for i := 0; i < n; i++ {
			nt := append(append(Term(nil), res[i]...), t...)
			res = append(res, nt)
		}
	}

	return res[1:], nil
}

func parseTerm(s string) (Term, error) {

	var t Term
	seen := make(map[string]bool)
	for _, fs := range strings.Split(s, ":") {
		f, err := parseFactor(strings.TrimSpace(fs))
		if err != nil {
			return nil, err
		}
		if seen[f.String()] {
			continue
		}
		seen[f.String()] = true
		t = append(t, f)
	}

	return t, nil
}

func parseFactor(s string) (Factor, error) {

	i := strings.Index(s, "(")
	if i < 0 {
		if !isName(s) {
			return Factor{}, fmt.Errorf("%w: invalid variable name '%s'", ErrSyntax, s)
		}
		return Factor{Var: s}, nil
	}

	if !strings.HasSuffix(s, ")") {
		return Factor{}, fmt.Errorf("%w: invalid factor '%s'", ErrSyntax, s)
	}

	fn := strings.TrimSpace(s[:i])
	arg := strings.TrimSpace(s[i+1 : len(s)-1])
	if !isName(fn) || !isName(arg) {
		return Factor{}, fmt.Errorf("%w: invalid factor '%s'", ErrSyntax, s)
	}

	if fn == "C" {
		return Factor{Var: arg, Categorical: true}, nil
	}

	return Factor{Var: arg, Func: fn}, nil
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' || r == '.' {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
