package formula

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/statmodel"
)

// ErrUnknownLevel is returned when a categorical variable takes a value
// that was not seen when the design was first built.
var ErrUnknownLevel = errors.New("formula: unknown level")

// ErrNameCollision is returned when two columns of a design would share
// a name, for example a data variable named like the intercept.
var ErrNameCollision = errors.New("formula: duplicate design column name")

// InterceptName is the name of the intercept column and term.
const InterceptName = "icept"

// Func transforms the values of a numeric variable.  It must return a
// slice of the same length as its argument.
type Func func([]float64) []float64

var builtinFuncs = map[string]Func{
	"log":  mapFunc(math.Log),
	"exp":  mapFunc(math.Exp),
	"sqrt": mapFunc(math.Sqrt),
	"abs":  mapFunc(math.Abs),
}

func mapFunc(f func(float64) float64) Func {
	return func(x []float64) []float64 {
		y := make([]float64, len(x))
		for i, v := range x {
			y[i] = f(v)
		}
		return y
	}
}

// TermSlice locates the columns of a term in a design matrix.  The
// columns are Start, ..., End-1.
type TermSlice struct {
	Name  string
	Start int
	End   int

	// True if the term consists of a single categorical factor
	Categorical bool

	// True if every level of a categorical term has its own column
	// (no reference level is dropped)
	FullRank bool
}

// Design is a design matrix with named columns, stored by column.
type Design struct {

	// Column names
	Names []string

	// Data[j] holds the values of column j
	Data [][]float64

	// Terms locates the columns generated by each term, in order.
	// The intercept, if present, is the first term.
	Terms []TermSlice

	// Info can be used to evaluate the same terms on other data.
	Info *DesignInfo

	nobs int
}

// DesignInfo holds what is needed to rebuild a design on new data: the
// formula, the learned categorical levels and the transformations.
type DesignInfo struct {
	formula *Formula

	// Levels of categorical variables, reference level first
	levels map[string][]float64

	funcs map[string]Func

	// Index of the term that is coded with a column for every level,
	// or -1
	fullTerm int
}

// Formula returns the parsed formula underlying the design.
func (di *DesignInfo) Formula() *Formula {
	return di.formula
}

// Levels returns the levels of a categorical variable, reference level
// first.
func (di *DesignInfo) Levels(name string) []float64 {
	return di.levels[name]
}

// Builder constructs a design matrix from a formula and a dataset.
type Builder struct {
	fml    string
	data   *statmodel.Dataset
	reflev map[string]float64
	funcs  map[string]Func
}

// New returns a Builder for the given formula and data.
func New(fml string, data *statmodel.Dataset) *Builder {
	return &Builder{
		fml:  fml,
		data: data,
	}
}

// RefLevels sets the reference levels of categorical variables.  By
// default the smallest observed value is the reference level.
func (b *Builder) RefLevels(reflev map[string]float64) *Builder {
	b.reflev = reflev
	return b
}

// Funcs registers transformations that can be used in the formula, in
// addition to log, exp, sqrt and abs.
func (b *Builder) Funcs(funcs map[string]Func) *Builder {
	b.funcs = funcs
	return b
}

// Done parses the formula, learns the categorical levels from the data
// and builds the design matrix.
func (b *Builder) Done() (*Design, error) {

	f, err := Parse(b.fml)
	if err != nil {
		return nil, err
	}

	info := &DesignInfo{
		formula:  f,
		levels:   make(map[string][]float64),
		funcs:    make(map[string]Func),
		fullTerm: -1,
	}
	for k, v := range builtinFuncs {
		info.funcs[k] = v
	}
	for k, v := range b.funcs {
		info.funcs[k] = v
	}

	for j, t := range f.Terms {
		for _, fac := range t {
			if fac.Func != "" {
				if _, ok := info.funcs[fac.Func]; !ok {
					return nil, fmt.Errorf("formula: unknown function '%s' in '%s'", fac.Func, b.fml)
				}
			}
			if !fac.Categorical {
				continue
			}
			if _, ok := info.levels[fac.Var]; ok {
				continue
			}
			x, err := b.data.Column(fac.Var)
			if err != nil {
				return nil, err
			}
			lev := uniqueLevels(x)
			if r, ok := b.reflev[fac.Var]; ok {
				lev, err = moveFirst(lev, r)
				if err != nil {
					return nil, fmt.Errorf("%w: reference level %v of '%s'", err, r, fac.Var)
				}
			}
			info.levels[fac.Var] = lev
		}

		if !f.Intercept && info.fullTerm == -1 && len(t) == 1 && t[0].Categorical {
			info.fullTerm = j
		}
	}

	return info.Evaluate(b.data)
}

func uniqueLevels(x []float64) []float64 {
	m := make(map[float64]bool)
	for _, v := range x {
		if !math.IsNaN(v) {
			m[v] = true
		}
	}
	lev := make([]float64, 0, len(m))
	for v := range m {
		lev = append(lev, v)
	}
	sort.Float64s(lev)
	return lev
}

func moveFirst(lev []float64, r float64) ([]float64, error) {
	for i, v := range lev {
		if v == r {
			out := []float64{r}
			out = append(out, lev[:i]...)
			return append(out, lev[i+1:]...), nil
		}
	}
	return nil, ErrUnknownLevel
}

func levelString(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// colset is a group of named columns.
type colset struct {
	names []string
	data  [][]float64
}

// factorCols returns the columns generated by one factor.
func (di *DesignInfo) factorCols(fac Factor, full bool, ds *statmodel.Dataset) (*colset, error) {

	x, err := ds.Column(fac.Var)
	if err != nil {
		return nil, err
	}

	if !fac.Categorical {
		if fac.Func != "" {
			x = di.funcs[fac.Func](x)
		}
		return &colset{names: []string{fac.String()}, data: [][]float64{x}}, nil
	}

	lev := di.levels[fac.Var]
	pos := make(map[float64]int, len(lev))
	for k, v := range lev {
		pos[v] = k
	}

	first := 1
	if full {
		first = 0
	}

	cs := &colset{}
	for _, v := range lev[first:] {
		if full {
			cs.names = append(cs.names, fmt.Sprintf("%s[%s]", fac, levelString(v)))
		} else {
			cs.names = append(cs.names, fmt.Sprintf("%s[T.%s]", fac, levelString(v)))
		}
		cs.data = append(cs.data, make([]float64, len(x)))
	}

	for i, v := range x {
		if math.IsNaN(v) {
			for _, z := range cs.data {
				z[i] = math.NaN()
			}
			continue
		}
		k, ok := pos[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s of '%s'", ErrUnknownLevel, levelString(v), fac.Var)
		}
		if k >= first {
			cs.data[k-first][i] = 1
		}
	}

	return cs, nil
}

// product forms all products of the columns of a and b.
func product(a, b *colset) *colset {
	r := &colset{}
	for j1, na1 := range a.names {
		for j2, na2 := range b.names {
			r.names = append(r.names, na1+":"+na2)
			z := make([]float64, len(a.data[j1]))
			for i := range z {
				z[i] = a.data[j1][i] * b.data[j2][i]
			}
			r.data = append(r.data, z)
		}
	}
	return r
}

// Evaluate builds the design matrix for new data, using the
// categorical levels learned when the design was first built.  The
// data must contain every variable on the right-hand side of the
// formula.  Missing values propagate to every column of the affected
// term.
func (di *DesignInfo) Evaluate(ds *statmodel.Dataset) (*Design, error) {

	d := &Design{
		Info: di,
		nobs: ds.NumObs(),
	}

	if di.formula.Intercept {
		one := make([]float64, ds.NumObs())
		for i := range one {
			one[i] = 1
		}
		d.Names = append(d.Names, InterceptName)
		d.Data = append(d.Data, one)
		d.Terms = append(d.Terms, TermSlice{Name: InterceptName, Start: 0, End: 1})
	}

	for j, t := range di.formula.Terms {
		full := j == di.fullTerm

		var cs *colset
		for _, fac := range t {
			fc, err := di.factorCols(fac, full, ds)
			if err != nil {
				return nil, err
			}
			if cs == nil {
				cs = fc
			} else {
				cs = product(cs, fc)
			}
		}

		if di.formula.Intercept {
			for _, na := range cs.names {
				if na == InterceptName {
					return nil, fmt.Errorf("%w: variable '%s' is named like the intercept; rename it or drop the intercept", ErrNameCollision, na)
				}
			}
		}

		start := len(d.Names)
		d.Names = append(d.Names, cs.names...)
		d.Data = append(d.Data, cs.data...)
		d.Terms = append(d.Terms, TermSlice{
			Name:        t.Name(),
			Start:       start,
			End:         len(d.Names),
			Categorical: len(t) == 1 && t[0].Categorical,
			FullRank:    full,
		})
	}

	return d, nil
}

// NumObs returns the number of rows of the design matrix.
func (d *Design) NumObs() int {
	return d.nobs
}

// Term returns the location of the named term.
func (d *Design) Term(name string) (TermSlice, bool) {
	for _, ts := range d.Terms {
		if ts.Name == name {
			return ts, true
		}
	}
	return TermSlice{}, false
}

// Columns returns the columns of the given term.
func (d *Design) Columns(ts TermSlice) [][]float64 {
	return d.Data[ts.Start:ts.End]
}

// Dense returns the design matrix as a row-major gonum matrix with one
// row per observation.
func (d *Design) Dense() *mat.Dense {
	p := len(d.Data)
	if p == 0 || d.nobs == 0 {
		return &mat.Dense{}
	}
	m := mat.NewDense(d.nobs, p, nil)
	for j, x := range d.Data {
		m.SetCol(j, x)
	}
	return m
}

// CompleteRows returns the indices of the rows with no missing values.
func (d *Design) CompleteRows() []int {
	var rows []int
	for i := 0; i < d.nobs; i++ {
		ok := true
		for _, x := range d.Data {
			if math.IsNaN(x[i]) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, i)
		}
	}
	return rows
}

// Dataset returns the design columns as a dataset, with the given
// extra columns appended.
func (d *Design) Dataset(extra map[string][]float64) (*statmodel.Dataset, error) {

	names := append([]string(nil), d.Names...)
	data := append([][]float64(nil), d.Data...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if slices.Contains(d.Names, k) {
			return nil, fmt.Errorf("%w: '%s'", ErrNameCollision, k)
		}
		names = append(names, k)
		data = append(data, extra[k])
	}

	return statmodel.NewDataset(data, names)
}
