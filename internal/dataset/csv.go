// Package dataset decodes uploaded CSV files into training examples and name
// pairs, and encodes prediction downloads.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kalambet/materiality/internal/domain"
)

// Training file columns. source3 is optional.
const (
	colSource1    = "source1"
	colSource2    = "source2"
	colSource3    = "source3"
	colIsMaterial = "is_material"
	colName1      = "name1"
	colName2      = "name2"
)

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr
}

// readHeader returns column positions keyed by lowercased name.
func readHeader(cr *csv.Reader) (map[string]int, error) {
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Invalid("file", "is empty")
	}
	if err != nil {
		return nil, domain.Invalid("file", "is not valid CSV: %v", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "﻿")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	return cols, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ReadTrainingCSV decodes a labeled upload. Every pair of non-blank sources
// in a row becomes one example carrying the row's is_material label.
func ReadTrainingCSV(r io.Reader) ([]domain.TrainingExample, error) {
	cr := newReader(r)
	cols, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, c := range []string{colSource1, colSource2, colIsMaterial} {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, domain.Invalid("file", "missing required columns: %s", strings.Join(missing, ", "))
	}
	sourceCols := []int{cols[colSource1], cols[colSource2]}
	if i, ok := cols[colSource3]; ok {
		sourceCols = append(sourceCols, i)
	}

	var examples []domain.TrainingExample
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Invalid("file", "is not valid CSV: %v", err)
		}

		rawLabel := field(rec, cols[colIsMaterial])
		if rawLabel == "" {
			continue
		}
		label, err := domain.ParseBool(rawLabel)
		if err != nil {
			return nil, domain.Invalid(colIsMaterial, "on row %d: %q is not a boolean", row, rawLabel)
		}

		var names []string
		for _, i := range sourceCols {
			if v := field(rec, i); v != "" {
				names = append(names, v)
			}
		}
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				ex, err := domain.NewTrainingExample(names[i], names[j], label)
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", row, err)
				}
				examples = append(examples, ex)
			}
		}
	}
	if len(examples) == 0 {
		return nil, domain.Invalid("file", "no valid data pairs found")
	}
	return examples, nil
}

// ReadPairsCSV decodes a prediction upload. It reads the name1 and name2
// columns, or the first two columns when those headers are absent. Rows
// with a blank name are skipped.
func ReadPairsCSV(r io.Reader) ([]domain.Pair, error) {
	cr := newReader(r)
	cols, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	a, okA := cols[colName1]
	b, okB := cols[colName2]
	if !okA || !okB {
		if len(cols) < 2 {
			return nil, domain.Invalid("file", "needs name1 and name2 columns")
		}
		a, b = 0, 1
	}

	var pairs []domain.Pair
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Invalid("file", "is not valid CSV: %v", err)
		}
		nameA, nameB := field(rec, a), field(rec, b)
		if nameA == "" || nameB == "" {
			continue
		}
		p, err := domain.NewPair(nameA, nameB)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return nil, domain.Invalid("file", "no valid name pairs found")
	}
	return pairs, nil
}

// PredictionLabel is the display label of a prediction.
func PredictionLabel(material bool) string {
	if material {
		return "Material"
	}
	return "Immaterial"
}

// WritePredictionsCSV encodes records with a header row.
func WritePredictionsCSV(w io.Writer, records []domain.PredictionRecord) error {
	cw := csv.NewWriter(w)
	header := []string{
		"name1", "name2", "prediction", "is_material",
		"materiality_probability", "immateriality_probability",
		"prediction_id", "model_version",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write([]string{
			r.NameA,
			r.NameB,
			PredictionLabel(r.PredictedLabel),
			strconv.FormatBool(r.PredictedLabel),
			strconv.FormatFloat(r.MaterialityProbability, 'f', 4, 64),
			strconv.FormatFloat(r.ImmaterialityProbability, 'f', 4, 64),
			r.ID,
			strconv.FormatInt(r.ModelVersion, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
