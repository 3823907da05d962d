package models

import (
	"errors"
	"testing"
	"time"
)

func TestComputeFingerprintNeverEmpty(t *testing.T) {
	cases := []struct {
		title, company string
		loc            Location
	}{
		{"Software Engineer", "Acme", Location{City: "Berlin", Country: "DE"}},
		{"", "", Location{}},
		{"  Spaced   Title ", "ACME", Location{Unparsed: "somewhere"}},
	}
	for _, c := range cases {
		fp := ComputeFingerprint(c.title, c.company, c.loc)
		if fp == "" {
			t.Errorf("empty fingerprint for %q/%q", c.title, c.company)
		}
	}
}

func TestComputeFingerprintNormalizes(t *testing.T) {
	loc := Location{City: "Berlin"}
	a := ComputeFingerprint("Software  Engineer", "ACME Corp", loc)
	b := ComputeFingerprint("software engineer", "acme   corp", loc)
	if a != b {
		t.Errorf("fingerprint should collapse case and whitespace: %s != %s", a, b)
	}
}

func TestSourceErrorKinds(t *testing.T) {
	err := Transient("adzuna", errors.New("timeout"))
	if !IsKind(err, ErrKindTransient) {
		t.Error("expected transient kind")
	}
	if IsKind(err, ErrKindBlocked) {
		t.Error("unexpected blocked kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should have no kind")
	}
	var se *SourceError
	if !errors.As(err, &se) || se.Source != "adzuna" {
		t.Error("errors.As should expose the source")
	}
}

func TestNonEmptyFields(t *testing.T) {
	min := 50000
	p := Posting{
		Title:    "Engineer",
		Company:  "Acme",
		Location: Location{City: "Berlin"},
		Salary:   Salary{Min: &min, Currency: "EUR"},
		PostedAt: time.Now(),
	}
	if got := p.NonEmptyFields(); got != 5 {
		t.Errorf("NonEmptyFields = %d, want 5", got)
	}
	empty := Posting{}
	if got := empty.NonEmptyFields(); got != 0 {
		t.Errorf("NonEmptyFields on zero posting = %d, want 0", got)
	}
}

func TestBatchRunCounters(t *testing.T) {
	run := NewBatchRun("run-1", 3)
	run.AddCollected(10)
	run.AddDuplicates(2)
	run.AddImported(8)
	run.RecordError(ErrKindTransient)
	run.RecordError(ErrKindTransient)
	run.RecordError(ErrKindParseFailure)

	collected, dupes, imported, errs := run.Snapshot()
	if collected != 10 || dupes != 2 || imported != 8 {
		t.Errorf("unexpected counters: %d/%d/%d", collected, dupes, imported)
	}
	if errs[ErrKindTransient] != 2 || errs[ErrKindParseFailure] != 1 {
		t.Errorf("unexpected error counters: %v", errs)
	}

	run.Finalize()
	if run.EndedAt.IsZero() {
		t.Error("Finalize should stamp EndedAt")
	}
}
