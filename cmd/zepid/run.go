package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gitter-badger/zEpid/doublyrobust"
	"github.com/gitter-badger/zEpid/ipw"
	"github.com/gitter-badger/zEpid/nuisance"
	"github.com/gitter-badger/zEpid/statmodel"
)

// drEstimator is implemented by doublyrobust.TMLE and doublyrobust.AIPTW.
type drEstimator interface {
	ExposureModel(spec string, opts ...doublyrobust.ModelOption) error
	OutcomeModel(spec string, opts ...doublyrobust.ModelOption) error
	Fit() error
	Summary() (string, error)
	Results() *doublyrobust.Results
}

// result is the output of one estimator.
type result struct {
	Estimator string
	Summary   string

	// Set by the doubly robust estimators
	Results *doublyrobust.Results

	// Set by IPTW
	Positivity *ipw.Positivity
	Balance    []ipw.SMD
}

// runAll runs every configured estimator on its own copy of the data,
// concurrently.  The results are in the order of cfg.Model.Estimators.
func runAll(ctx context.Context, cfg *Config, ds *statmodel.Dataset, logger *slog.Logger) ([]result, error) {

	mc := cfg.Model
	measure, err := doublyrobust.ParseMeasure(mc.Measure)
	if err != nil {
		return nil, err
	}
	bound, err := nuisance.ParseBound(mc.Bound)
	if err != nil {
		return nil, err
	}
	std, err := ipw.ParseStandardize(cfg.IPTW.Standardize)
	if err != nil {
		return nil, err
	}

	results := make([]result, len(mc.Estimators))
	g, ctx := errgroup.WithContext(ctx)

	for i, name := range mc.Estimators {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			log := logger.With("estimator", name)
			log.Info("starting")

			var r result
			var err error
			switch strings.ToLower(name) {
			case "tmle":
				var est *doublyrobust.TMLE
				est, err = doublyrobust.NewTMLE(ds, mc.Exposure, mc.Outcome,
					doublyrobust.WithMeasure(measure), doublyrobust.WithAlpha(mc.Alpha), doublyrobust.WithLogger(log))
				if err == nil {
					r, err = runDR(est, mc.ExposureModel, mc.OutcomeModel, bound)
				}
			case "aiptw":
				var est *doublyrobust.AIPTW
				est, err = doublyrobust.NewAIPTW(ds, mc.Exposure, mc.Outcome,
					doublyrobust.WithMeasure(measure), doublyrobust.WithAlpha(mc.Alpha), doublyrobust.WithLogger(log))
				if err == nil {
					r, err = runDR(est, mc.ExposureModel, mc.OutcomeModel, bound)
				}
			case "iptw":
				r, err = runIPTW(ds, mc.Exposure, mc.ExposureModel, bound, cfg.IPTW.Stabilized, std, log)
			default:
				err = fmt.Errorf("unknown estimator '%s'", name)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

			r.Estimator = name
			results[i] = r
			log.Info("finished")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func runDR(est drEstimator, expSpec, outSpec string, bound nuisance.Bound) (result, error) {

	if err := est.ExposureModel(expSpec, doublyrobust.Bounded(bound)); err != nil {
		return result{}, err
	}
	if err := est.OutcomeModel(outSpec); err != nil {
		return result{}, err
	}
	if err := est.Fit(); err != nil {
		return result{}, err
	}

	s, err := est.Summary()
	if err != nil {
		return result{}, err
	}

	return result{Summary: s, Results: est.Results()}, nil
}

func runIPTW(ds *statmodel.Dataset, exposure, spec string, bound nuisance.Bound, stabilized bool,
	std ipw.Standardize, log *slog.Logger) (result, error) {

	ip, err := ipw.NewIPTW(ds, exposure, ipw.Stabilized(stabilized), ipw.StandardizeTo(std), ipw.WithLogger(log))
	if err != nil {
		return result{}, err
	}
	if err := ip.RegressionModels(spec, ipw.BoundDenominator(bound)); err != nil {
		return result{}, err
	}
	if _, err := ip.Fit(); err != nil {
		return result{}, err
	}

	pos, err := ip.Positivity()
	if err != nil {
		return result{}, err
	}
	smd, err := ip.StandardizedMeanDifferences()
	if err != nil {
		return result{}, err
	}

	return result{
		Summary:    pos.String() + "\n" + ipw.SMDTable(smd),
		Positivity: pos,
		Balance:    smd,
	}, nil
}
