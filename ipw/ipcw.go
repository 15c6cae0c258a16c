package ipw

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/gitter-badger/zEpid/nuisance"
	"github.com/gitter-badger/zEpid/statmodel"
)

var (
	// ErrMissingTime is returned when the follow-up time is missing for
	// some row.
	ErrMissingTime = errors.New("ipw: time is missing for at least one row; such rows must be removed before fitting IPCW")

	// ErrShortFollowup is returned when the maximum follow-up time is 1,
	// which leaves too few intervals to model censoring.
	ErrShortFollowup = errors.New("ipw: the maximum observation time is 1; IPCW requires more than one interval")

	// ErrDuplicateID is returned when data declared to have one row per
	// person repeat an id.
	ErrDuplicateID = errors.New("ipw: flat data must have exactly one row per id")
)

// UncensoredName is the name of the column, added to the IPCW data,
// that is 0 in the last interval of a person who was censored and 1
// otherwise.
const UncensoredName = "__uncensored__"

// TEnterName and TOutName are the columns added by LongFormat that hold
// the start and end of each follow-up interval.
const (
	TEnterName = "t_enter"
	TOutName   = "t_out"
)

// IPCW computes inverse probability of censoring weights from data in
// long format, with one row per person and follow-up interval.  The
// weight in an interval is the cumulative product, over the person's
// intervals to date, of the numerator model's probability of remaining
// uncensored divided by the denominator model's.
type IPCW struct {
	data  *statmodel.Dataset
	id    string
	time  string
	event string
	log   *slog.Logger

	cnumer []float64
	cdenom []float64
}

// NewIPCW creates an IPCW for the given id, interval end time and event
// columns.  The rows are sorted by id and then time, and the weights
// returned by Fit follow this order; see Data.  With the FlatData
// option the data have one row per person and are first expanded by
// LongFormat, after which the interval end time is TOutName.
func NewIPCW(ds *statmodel.Dataset, id, time, event string, opts ...Option) (*IPCW, error) {

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	for _, na := range []string{id, time, event} {
		if !ds.Has(na) {
			return nil, fmt.Errorf("%w: '%s'", statmodel.ErrUnknownVariable, na)
		}
	}

	tm, _ := ds.Column(time)
	for _, v := range tm {
		if math.IsNaN(v) {
			return nil, ErrMissingTime
		}
	}

	if cfg.flat {
		long, err := LongFormat(ds, id, time, event, cfg.enter)
		if err != nil {
			return nil, err
		}
		cfg.logger.Debug("expanded flat data", "persons", ds.NumObs(), "intervals", long.NumObs())
		ds, time = long, TOutName
		tm, _ = ds.Column(time)
	}

	ids, _ := ds.Column(id)
	ord := make([]int, ds.NumObs())
	for i := range ord {
		ord[i] = i
	}
	sort.SliceStable(ord, func(i, j int) bool {
		a, b := ord[i], ord[j]
		if ids[a] != ids[b] {
			return ids[a] < ids[b]
		}
		return tm[a] < tm[b]
	})
	data := ds.Subset(ord)

	ids, _ = data.Column(id)
	tm, _ = data.Column(time)
	ev, _ := data.Column(event)

	maxTime := math.Inf(-1)
	for _, v := range tm {
		maxTime = math.Max(maxTime, v)
	}
	if maxTime == 1 {
		return nil, ErrShortFollowup
	}

	n := data.NumObs()
	unc := make([]float64, n)
	ncens := 0
	for i := 0; i < n; i++ {
		last := i == n-1 || ids[i+1] != ids[i]
		switch {
		case tm[i] == maxTime:
			unc[i] = 1
		case last && ev[i] == 0:
			ncens++
		default:
			unc[i] = 1
		}
	}

	data, err = data.With(UncensoredName, unc)
	if err != nil {
		return nil, err
	}
	cfg.logger.Debug("prepared IPCW data", "rows", n, "censored", ncens)

	return &IPCW{
		data:  data,
		id:    id,
		time:  time,
		event: event,
		log:   cfg.logger,
	}, nil
}

// LongFormat expands data with one row per person into one row per
// person and unit interval of follow-up.  A person followed to time T
// contributes the intervals (k, min(k+1, T)] for k = 0, 1, ... while
// k < T, and only the last interval carries the event indicator.  If
// enter is not empty it names the entry times, and intervals starting
// before entry are dropped.  The time and enter columns are replaced by
// TEnterName and TOutName, and every other column is copied to each
// interval.  The rows are ordered by id.
func LongFormat(ds *statmodel.Dataset, id, time, event, enter string) (*statmodel.Dataset, error) {

	need := []string{id, time, event}
	if enter != "" {
		need = append(need, enter)
	}
	for _, na := range need {
		if !ds.Has(na) {
			return nil, fmt.Errorf("%w: '%s'", statmodel.ErrUnknownVariable, na)
		}
	}

	ids, _ := ds.Column(id)
	tm, _ := ds.Column(time)
	var ent []float64
	if enter != "" {
		ent, _ = ds.Column(enter)
	}

	ord := make([]int, ds.NumObs())
	for i := range ord {
		ord[i] = i
	}
	sort.SliceStable(ord, func(i, j int) bool {
		return ids[ord[i]] < ids[ord[j]]
	})
	for k := 1; k < len(ord); k++ {
		if ids[ord[k]] == ids[ord[k-1]] {
			return nil, fmt.Errorf("%w: id %v", ErrDuplicateID, ids[ord[k]])
		}
	}

	var names []string
	var src [][]float64
	for _, na := range ds.Names() {
		if na == time || na == enter {
			continue
		}
		x, _ := ds.Column(na)
		names = append(names, na)
		src = append(src, x)
	}
	p := len(names)
	out := make([][]float64, p+2)

	for _, i := range ord {
		t := tm[i]
		switch {
		case math.IsNaN(t):
			return nil, ErrMissingTime
		case t < 0:
			return nil, fmt.Errorf("ipw: negative time %v for id %v", t, ids[i])
		}

		var start float64
		if ent != nil {
			if math.IsNaN(ent[i]) {
				return nil, fmt.Errorf("ipw: entry time is missing for id %v", ids[i])
			}
			start = ent[i]
		}

		for k := 0.0; k < t; k++ {
			if k < start {
				continue
			}
			last := k+1 >= t
			for j, na := range names {
				v := src[j][i]
				if na == event && !last {
					v = 0
				}
				out[j] = append(out[j], v)
			}
			out[p] = append(out[p], k)
			out[p+1] = append(out[p+1], math.Min(k+1, t))
		}
	}

	if len(out[p]) == 0 {
		return nil, errors.New("ipw: no follow-up intervals after expanding the flat data")
	}

	return statmodel.NewDataset(out, append(names, TEnterName, TOutName))
}

// RegressionModels fits the models for remaining uncensored given the
// covariates in denominator and in numerator.  The numerator usually
// contains only functions of time.  The options are applied to both
// models.
func (ipc *IPCW) RegressionModels(denominator, numerator string, opts ...nuisance.Option) error {

	nm, err := nuisance.Fit(ipc.data, UncensoredName, numerator, opts...)
	if err != nil {
		return err
	}
	numer, err := nm.Predict(ipc.data)
	if err != nil {
		return err
	}

	dm, err := nuisance.Fit(ipc.data, UncensoredName, denominator, opts...)
	if err != nil {
		return err
	}
	denom, err := dm.Predict(ipc.data)
	if err != nil {
		return err
	}

	ids, _ := ipc.data.Column(ipc.id)
	ipc.cnumer = cumprod(numer, ids)
	ipc.cdenom = cumprod(denom, ids)

	return nil
}

// cumprod returns the running product of x within each run of equal
// ids.  A missing value makes the remainder of its run missing.
func cumprod(x, ids []float64) []float64 {
	c := make([]float64, len(x))
	for i, v := range x {
		if i > 0 && ids[i] == ids[i-1] {
			c[i] = c[i-1] * v
		} else {
			c[i] = v
		}
	}
	return c
}

// Fit returns the weights, in the row order of Data.
func (ipc *IPCW) Fit() ([]float64, error) {

	if ipc.cdenom == nil {
		return nil, ErrNotFit
	}

	w := make([]float64, len(ipc.cdenom))
	for i := range w {
		w[i] = ipc.cnumer[i] / ipc.cdenom[i]
	}

	return w, nil
}

// Data returns the sorted data, including the uncensored indicator.  It
// must not be modified.
func (ipc *IPCW) Data() *statmodel.Dataset {
	return ipc.data
}
