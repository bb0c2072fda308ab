package rcu

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xiaonanln/rcuvar/util/metrics"
)

func TestNamedVariable_Metrics(t *testing.T) {
	const name = "metrics_test"
	v := New(pair{1, 2}, WithName(name))

	if got := testutil.ToFloat64(metrics.PublishedVersion.WithLabelValues(name)); got != 1 {
		t.Fatalf("published version = %f, want 1", got)
	}

	held := v.Read()

	w := StartWrite(v)
	if got := testutil.ToFloat64(metrics.LiveVersions.WithLabelValues(name)); got != 2 {
		t.Fatalf("live versions during write = %f, want 2", got)
	}
	w.Value().first = 3
	w.Commit()

	if got := testutil.ToFloat64(metrics.CommitsTotal.WithLabelValues(name)); got != 1 {
		t.Fatalf("commits = %f, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.RetiredVersions.WithLabelValues(name)); got != 1 {
		t.Fatalf("retired versions = %f, want 1", got)
	}

	w = StartWrite(v)
	w.Discard()
	if got := testutil.ToFloat64(metrics.DiscardsTotal.WithLabelValues(name)); got != 1 {
		t.Fatalf("discards = %f, want 1", got)
	}

	v.Assign(pair{5, 6})
	if got := testutil.ToFloat64(metrics.AssignsTotal.WithLabelValues(name)); got != 2 {
		// New counts as the first assignment
		t.Fatalf("assigns = %f, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PublishedVersion.WithLabelValues(name)); got != 3 {
		t.Fatalf("published version = %f, want 3", got)
	}

	held.Release()
	if got := testutil.ToFloat64(metrics.RetiredVersions.WithLabelValues(name)); got != 0 {
		t.Fatalf("retired versions after release = %f, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.LiveVersions.WithLabelValues(name)); got != 1 {
		t.Fatalf("live versions after release = %f, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.WriteWaitDuration, "rcu_write_wait_seconds"); got == 0 {
		t.Fatalf("no write wait observations recorded")
	}

	v.Close()
}

func TestUnnamedVariable_NoMetrics(t *testing.T) {
	before := testutil.CollectAndCount(metrics.CommitsTotal)

	v := New(pair{1, 2})
	w := StartWrite(v)
	w.Commit()

	if after := testutil.CollectAndCount(metrics.CommitsTotal); after != before {
		t.Fatalf("unnamed variable created commit series: %d -> %d", before, after)
	}
}

func TestSameNamedVariables_FirstOwnsMetrics(t *testing.T) {
	const name = "shared_name_test"
	first := New(pair{1, 2}, WithName(name))
	second := New(pair{3, 4}, WithName(name))

	StartWrite(first).Commit()
	second.Assign(pair{5, 6})
	second.Assign(pair{7, 8})
	if got := testutil.ToFloat64(metrics.PublishedVersion.WithLabelValues(name)); got != 2 {
		t.Fatalf("published version = %f, want 2 from the first variable", got)
	}

	// Closing the duplicate must not drop the owner's series
	second.Close()
	if got := testutil.ToFloat64(metrics.PublishedVersion.WithLabelValues(name)); got != 2 {
		t.Fatalf("published version after closing the duplicate = %f, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.CommitsTotal.WithLabelValues(name)); got != 1 {
		t.Fatalf("commits = %f, want 1", got)
	}

	// Once the owner closes, the name is free again
	first.Close()
	third := New(pair{9, 9}, WithName(name))
	defer third.Close()
	if got := testutil.ToFloat64(metrics.PublishedVersion.WithLabelValues(name)); got != 1 {
		t.Fatalf("published version after reopen = %f, want 1", got)
	}
}
