package writer

import (
	"strings"
	"testing"
)

// The upsert semantics live in the statement itself, so the guarantees
// are pinned here at the SQL level; exercising them against a live
// database needs a postgres instance and is out of unit-test scope.
func TestUpsertStatementGuardsAndMerges(t *testing.T) {
	checks := []struct {
		fragment string
		reason   string
	}{
		{"ON CONFLICT (posting_url) DO UPDATE", "re-collected postings must update in place, never duplicate"},
		{"WHERE EXCLUDED.collected_at >= postings.collected_at", "a stale row must never overwrite a newer one"},
		{"description = EXCLUDED.description", "the newer description wins on re-collection"},
		{"collected_at = EXCLUDED.collected_at", "collected_at advances with the accepted row"},
		{"salary_min = COALESCE(EXCLUDED.salary_min, postings.salary_min)", "missing salary must not erase a known one"},
		{"posted_at = LEAST(postings.posted_at, EXCLUDED.posted_at)", "the earliest posting date survives re-imports"},
		{"ARRAY(SELECT DISTINCT unnest(postings.source_ids || EXCLUDED.source_ids))", "source attribution is unioned, not replaced"},
	}
	for _, c := range checks {
		if !strings.Contains(upsertPosting, c.fragment) {
			t.Errorf("upsert statement missing %q: %s", c.fragment, c.reason)
		}
	}
}

func TestRunStatementUpdatesCountersOnConflict(t *testing.T) {
	if !strings.Contains(insertRun, "ON CONFLICT (run_id) DO UPDATE") {
		t.Error("saving a run twice must update the audit row, not fail")
	}
	for _, col := range []string{"ended_at", "imported", "duplicates_removed", "degraded"} {
		if !strings.Contains(insertRun, col+" = EXCLUDED."+col) {
			t.Errorf("run upsert does not refresh %s", col)
		}
	}
}
