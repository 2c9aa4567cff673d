package observability

import (
	"testing"
	"time"
)

func TestQueryStats_RecordAndTop(t *testing.T) {
	qs := NewQueryStats(time.Hour)

	fast := Fingerprint("select 1")
	slow := Fingerprint("select 2")
	qs.RecordQuery(fast, 2*time.Millisecond, 10)
	qs.RecordQuery(fast, 4*time.Millisecond, 20)
	qs.RecordQuery(slow, 100*time.Millisecond, 1)

	if qs.Len() != 2 {
		t.Errorf("Len = %d, want 2", qs.Len())
	}

	top := qs.TopByTotal(1)
	if len(top) != 1 || top[0].Fingerprint != slow {
		t.Fatalf("TopByTotal(1) = %+v, want the slow statement", top)
	}

	all := qs.TopByTotal(10)
	if len(all) != 2 {
		t.Fatalf("TopByTotal(10) returned %d entries", len(all))
	}
	var fastStats StatementStats
	for _, s := range all {
		if s.Fingerprint == fast {
			fastStats = s
		}
	}
	if fastStats.Count != 2 || fastStats.Total != 6*time.Millisecond {
		t.Errorf("fast stats = %+v", fastStats)
	}
	if fastStats.Max != 4*time.Millisecond {
		t.Errorf("Max = %s, want 4ms", fastStats.Max)
	}
	if fastStats.Entities != 30 {
		t.Errorf("Entities = %d, want 30", fastStats.Entities)
	}
	if fastStats.Mean() != 3*time.Millisecond {
		t.Errorf("Mean = %s, want 3ms", fastStats.Mean())
	}
}

func TestQueryStats_PruneIdle(t *testing.T) {
	qs := NewQueryStats(time.Millisecond)
	qs.RecordQuery(Fingerprint("select 1"), time.Millisecond, 0)
	time.Sleep(5 * time.Millisecond)

	if top := qs.TopByTotal(10); len(top) != 0 {
		t.Errorf("idle entries not pruned: %+v", top)
	}
	if qs.Len() != 0 {
		t.Errorf("Len after prune = %d", qs.Len())
	}
}

func TestQueryStats_NilReceiver(t *testing.T) {
	var qs *QueryStats
	qs.RecordQuery(1, time.Second, 1)
	if qs.Len() != 0 {
		t.Error("nil Len should be 0")
	}
	if qs.TopByTotal(5) != nil {
		t.Error("nil TopByTotal should be nil")
	}
}

func TestStatementStats_MeanEmpty(t *testing.T) {
	var s StatementStats
	if s.Mean() != 0 {
		t.Error("Mean of zero executions should be 0")
	}
}
