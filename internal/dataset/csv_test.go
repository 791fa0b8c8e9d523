package dataset

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/materiality/internal/domain"
)

func TestReadTrainingCSV(t *testing.T) {
	in := "Source1,Source2,Source3,is_material\n" +
		"ABC LTD,ABC Limited,,false\n" +
		"XYZ Corp,Acme Inc,Acme Incorporated,1\n" +
		"Lonely,,,true\n" +
		"Skipped,Row,,\n"

	got, err := ReadTrainingCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadTrainingCSV: %v", err)
	}
	// 1 pair from row 2, 3 pairs from row 3, none from the rest.
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(got), got)
	}
	if got[0].NameA != "ABC LTD" || got[0].NameB != "ABC Limited" || got[0].Label {
		t.Errorf("got[0] = %+v", got[0])
	}
	for _, ex := range got[1:] {
		if !ex.Label || ex.Source != domain.SourceUpload {
			t.Errorf("example = %+v, want material upload", ex)
		}
	}
	if got[3].NameA != "Acme Inc" || got[3].NameB != "Acme Incorporated" {
		t.Errorf("got[3] = %+v", got[3])
	}
}

func TestReadTrainingCSVWithoutSource3(t *testing.T) {
	in := "﻿source1,source2,is_material\nA,B,yes\n"
	got, err := ReadTrainingCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadTrainingCSV: %v", err)
	}
	if len(got) != 1 || !got[0].Label {
		t.Errorf("got = %+v", got)
	}
}

func TestReadTrainingCSVErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"missing column": "source1,is_material\nA,true\n",
		"bad label":      "source1,source2,is_material\nA,B,maybe\n",
		"no pairs":       "source1,source2,is_material\nA,,true\n",
	}
	for name, in := range cases {
		_, err := ReadTrainingCSV(strings.NewReader(in))
		if !domain.IsValidation(err) {
			t.Errorf("%s: err = %v, want ValidationError", name, err)
		}
	}

	_, err := ReadTrainingCSV(strings.NewReader("source1,is_material\nA,true\n"))
	if err == nil || !strings.Contains(err.Error(), "source2") {
		t.Errorf("missing column error = %v, want it to name source2", err)
	}
}

func TestReadPairsCSV(t *testing.T) {
	got, err := ReadPairsCSV(strings.NewReader("id,name1,name2\n1,ABC LTD,ABC Ltd\n2,,Blank\n3,Foo,Bar\n"))
	if err != nil {
		t.Fatalf("ReadPairsCSV: %v", err)
	}
	if len(got) != 2 || got[0].NameB != "ABC Ltd" || got[1].NameA != "Foo" {
		t.Errorf("pairs = %+v", got)
	}
}

func TestReadPairsCSVFallsBackToFirstColumns(t *testing.T) {
	got, err := ReadPairsCSV(strings.NewReader("old,new\nABC LTD,ABC Ltd\n"))
	if err != nil {
		t.Fatalf("ReadPairsCSV: %v", err)
	}
	if len(got) != 1 || got[0].NameA != "ABC LTD" {
		t.Errorf("pairs = %+v", got)
	}
	if _, err := ReadPairsCSV(strings.NewReader("only\nx\n")); !domain.IsValidation(err) {
		t.Errorf("single column err = %v, want ValidationError", err)
	}
}

func TestWritePredictionsCSV(t *testing.T) {
	rec := domain.NewPredictionRecord("p1", domain.Pair{NameA: "A, Inc", NameB: "B"}, 0.75, 3, "b1", time.Now())
	var buf bytes.Buffer
	if err := WritePredictionsCSV(&buf, []domain.PredictionRecord{rec}); err != nil {
		t.Fatalf("WritePredictionsCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	want := `"A, Inc",B,Material,true,0.7500,0.2500,p1,3`
	if lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
}
