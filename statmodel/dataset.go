package statmodel

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownVariable is returned when a named variable is not present in a Dataset.
var ErrUnknownVariable = errors.New("statmodel: unknown variable")

// ErrLengthMismatch is returned when columns of a Dataset do not have a common length.
var ErrLengthMismatch = errors.New("statmodel: column length mismatch")

// Dataset is a column-major table of float64 values.  Missing values
// are represented as NaN.  The columns are not copied on construction,
// so a Dataset should be treated as read-only once created; use With
// to obtain a modified version.
type Dataset struct {
	names []string
	data  [][]Dtype
	pos   map[string]int
}

// NewDataset creates a Dataset from the given columns.  All columns
// must have the same length and the names must be distinct.
func NewDataset(data [][]Dtype, names []string) (*Dataset, error) {

	if len(data) != len(names) {
		return nil, fmt.Errorf("%w: %d columns but %d names", ErrLengthMismatch, len(data), len(names))
	}

	pos := make(map[string]int, len(names))
	for j, na := range names {
		if _, ok := pos[na]; ok {
			return nil, fmt.Errorf("statmodel: duplicate variable name '%s'", na)
		}
		pos[na] = j
		if len(data[j]) != len(data[0]) {
			return nil, fmt.Errorf("%w: '%s' has length %d, expected %d",
				ErrLengthMismatch, na, len(data[j]), len(data[0]))
		}
	}

	return &Dataset{
		names: names,
		data:  data,
		pos:   pos,
	}, nil
}

// Names returns the variable names in column order.
func (ds *Dataset) Names() []string {
	return ds.names
}

// NumVar returns the number of variables.
func (ds *Dataset) NumVar() int {
	return len(ds.names)
}

// NumObs returns the number of observations (rows).
func (ds *Dataset) NumObs() int {
	if len(ds.data) == 0 {
		return 0
	}
	return len(ds.data[0])
}

// Has returns true if the dataset contains a variable with the given name.
func (ds *Dataset) Has(name string) bool {
	_, ok := ds.pos[name]
	return ok
}

// Column returns the values of the named variable.  The returned slice
// is shared with the dataset.
func (ds *Dataset) Column(name string) ([]Dtype, error) {
	j, ok := ds.pos[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownVariable, name)
	}
	return ds.data[j], nil
}

// Data returns all columns of the dataset.
func (ds *Dataset) Data() [][]Dtype {
	return ds.data
}

// Copy returns a deep copy of the dataset.
func (ds *Dataset) Copy() *Dataset {

	data := make([][]Dtype, len(ds.data))
	for j, x := range ds.data {
		data[j] = make([]Dtype, len(x))
		copy(data[j], x)
	}

	names := make([]string, len(ds.names))
	copy(names, ds.names)

	pos := make(map[string]int, len(names))
	for j, na := range names {
		pos[na] = j
	}

	return &Dataset{names: names, data: data, pos: pos}
}

// With returns a dataset in which the named variable holds the given
// values.  If the variable is not present it is appended.  The
// receiver is not modified; unchanged columns are shared.
func (ds *Dataset) With(name string, x []Dtype) (*Dataset, error) {

	if len(x) != ds.NumObs() && ds.NumVar() > 0 {
		return nil, fmt.Errorf("%w: '%s' has length %d, expected %d",
			ErrLengthMismatch, name, len(x), ds.NumObs())
	}

	names := append([]string(nil), ds.names...)
	data := append([][]Dtype(nil), ds.data...)

	if j, ok := ds.pos[name]; ok {
		data[j] = x
	} else {
		names = append(names, name)
		data = append(data, x)
	}

	return NewDataset(data, names)
}

// Subset returns a new dataset containing the given rows, in the given order.
func (ds *Dataset) Subset(rows []int) *Dataset {

	data := make([][]Dtype, len(ds.data))
	for j, x := range ds.data {
		z := make([]Dtype, len(rows))
		for i, r := range rows {
			z[i] = x[r]
		}
		data[j] = z
	}

	names := make([]string, len(ds.names))
	copy(names, ds.names)
	pos := make(map[string]int, len(names))
	for j, na := range names {
		pos[na] = j
	}

	return &Dataset{names: names, data: data, pos: pos}
}

// CompleteRows returns the indices of the rows with no missing values
// in the named variables, or in all variables if no names are given.
func (ds *Dataset) CompleteRows(names ...string) ([]int, error) {

	cols := ds.data
	if len(names) > 0 {
		cols = make([][]Dtype, len(names))
		for k, na := range names {
			x, err := ds.Column(na)
			if err != nil {
				return nil, err
			}
			cols[k] = x
		}
	}

	var rows []int
	for i := 0; i < ds.NumObs(); i++ {
		ok := true
		for _, x := range cols {
			if math.IsNaN(x[i]) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, i)
		}
	}

	return rows, nil
}

// DropNA returns a copy of the dataset containing only the rows with no
// missing values in the named variables (all variables if no names are
// given), together with the number of rows that were dropped.  Applying
// DropNA to its own result drops nothing.
func (ds *Dataset) DropNA(names ...string) (*Dataset, int, error) {

	rows, err := ds.CompleteRows(names...)
	if err != nil {
		return nil, 0, err
	}

	return ds.Subset(rows), ds.NumObs() - len(rows), nil
}
