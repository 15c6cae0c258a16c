package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/gitter-badger/zEpid/statmodel"
)

// loadData reads a CSV or XLSX file with a header row into a dataset.
func loadData(path, sheet string) (*statmodel.Dataset, error) {

	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path, sheet)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	return parseRows(rows)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

func readXLSX(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	return rows, nil
}

// missing reports whether a cell denotes a missing value.
func missing(s string) bool {
	switch s {
	case "", "NA", "NaN", "nan", ".":
		return true
	}
	return false
}

// parseRows converts string rows, the first holding the variable names,
// into numeric columns.  Short rows are padded with missing values.
func parseRows(rows [][]string) (*statmodel.Dataset, error) {

	if len(rows) < 2 {
		return nil, fmt.Errorf("data must have a header row and at least one data row")
	}

	names := make([]string, len(rows[0]))
	for j, h := range rows[0] {
		names[j] = strings.TrimSpace(h)
	}

	data := make([][]float64, len(names))
	for j := range data {
		data[j] = make([]float64, len(rows)-1)
	}

	for i, row := range rows[1:] {
		if len(row) > len(names) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", i+2, len(row), len(names))
		}
		for j := range names {
			if j >= len(row) || missing(strings.TrimSpace(row[j])) {
				data[j][i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d, column '%s': %w", i+2, names[j], err)
			}
			data[j][i] = v
		}
	}

	return statmodel.NewDataset(data, names)
}
