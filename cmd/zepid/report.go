package main

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// printSummaries writes the text summary of every result to w.
func printSummaries(w io.Writer, results []result) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%s\n\n", r.Summary); err != nil {
			return err
		}
	}
	return nil
}

// setRow writes vals to the given sheet row, starting in column A.
func setRow(f *excelize.File, sheet string, row int, vals ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &vals)
}

// writeReport saves the estimates, and for IPTW the weight diagnostics,
// to an XLSX workbook.
func writeReport(path string, results []result) error {

	f := excelize.NewFile()
	defer f.Close()

	const est = "Estimates"
	if err := f.SetSheetName("Sheet1", est); err != nil {
		return err
	}
	err := setRow(f, est, 1, "Estimator", "Measure", "Risk(A=1)", "Risk(A=0)", "Estimate",
		"Std. err.", "Lower", "Upper", "Alpha", "N")
	if err != nil {
		return err
	}

	row := 2
	var balance []result
	for _, r := range results {
		if r.Results == nil {
			balance = append(balance, r)
			continue
		}
		e := r.Results.Estimate
		err := setRow(f, est, row, r.Estimator, e.Measure.String(), r.Results.Risk1, r.Results.Risk0,
			e.Point, e.StdErr, e.Lower, e.Upper, e.Alpha, r.Results.NumObs)
		if err != nil {
			return err
		}
		row++
	}

	for _, r := range balance {
		sheet := "Weights"
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		p := r.Positivity
		rows := [][]any{
			{"Mean weight", p.Mean},
			{"Standard deviation", p.SD},
			{"Minimum weight", p.Min},
			{"Maximum weight", p.Max},
			{"Stabilized", p.Stabilized},
			{},
			{"Term", "Type", "Weighted SMD", "Unweighted SMD"},
		}
		for _, s := range r.Balance {
			rows = append(rows, []any{s.Label, s.Type.String(), s.Weighted, s.Unweighted})
		}
		for i, vals := range rows {
			if err := setRow(f, sheet, i+1, vals...); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}
