package statmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func missingData(t *testing.T) *Dataset {
	nan := math.NaN()
	ds, err := NewDataset([][]Dtype{
		{1, 0, 1, nan, 0},
		{3, nan, 2, 1, 5},
		{0, 1, 1, 0, 1},
	}, []string{"a", "b", "c"})
	require.NoError(t, err)
	return ds
}

func TestNewDatasetErrors(t *testing.T) {

	_, err := NewDataset([][]Dtype{{1, 2}, {1}}, []string{"a", "b"})
	require.ErrorIs(t, err, ErrLengthMismatch)

	_, err = NewDataset([][]Dtype{{1, 2}}, []string{"a", "b"})
	require.ErrorIs(t, err, ErrLengthMismatch)

	_, err = NewDataset([][]Dtype{{1, 2}, {3, 4}}, []string{"a", "a"})
	require.Error(t, err)
}

func TestDropNA(t *testing.T) {

	ds := missingData(t)
	require.Equal(t, 5, ds.NumObs())
	require.Equal(t, 3, ds.NumVar())

	cc, n, err := ds.DropNA()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 3, cc.NumObs())

	a, err := cc.Column("a")
	require.NoError(t, err)
	require.Equal(t, []Dtype{1, 1, 0}, a)

	// Idempotent
	cc2, n, err := cc.DropNA()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, cc.Data(), cc2.Data())

	// Restricted to named variables
	cc3, n, err := ds.DropNA("b", "c")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 4, cc3.NumObs())

	_, _, err = ds.DropNA("z")
	require.ErrorIs(t, err, ErrUnknownVariable)
}

func TestWithDoesNotModify(t *testing.T) {

	ds := missingData(t)
	ones := []Dtype{1, 1, 1, 1, 1}

	ds1, err := ds.With("a", ones)
	require.NoError(t, err)

	a, _ := ds.Column("a")
	require.True(t, math.IsNaN(a[3]))
	a1, _ := ds1.Column("a")
	require.Equal(t, ones, a1)
	require.Equal(t, ds.Names(), ds1.Names())

	ds2, err := ds.With("d", ones)
	require.NoError(t, err)
	require.True(t, ds2.Has("d"))
	require.False(t, ds.Has("d"))

	_, err = ds.With("d", []Dtype{1})
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestCopyIsDeep(t *testing.T) {

	ds := missingData(t)
	cp := ds.Copy()
	c, _ := cp.Column("c")
	c[0] = 99

	orig, _ := ds.Column("c")
	require.Equal(t, Dtype(0), orig[0])
}

func TestSubset(t *testing.T) {

	ds := missingData(t)
	sub := ds.Subset([]int{4, 0})
	b, err := sub.Column("b")
	require.NoError(t, err)
	require.Equal(t, []Dtype{5, 3}, b)
}
