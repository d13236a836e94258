package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Registration is process-global, so all tests share one registry.
var testReg = prometheus.NewRegistry()

func init() {
	if err := Register(testReg); err != nil {
		panic(err)
	}
}

func TestRegisterTwiceIsNoop(t *testing.T) {
	if err := Register(testReg); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register on another registry: %v", err)
	}
}

func TestHelpersRecordAfterRegister(t *testing.T) {
	IncStart("web")
	IncStop("web")
	IncCrash("web")
	IncRestart("web")
	RecordStateTransition("web", "running", "crashed")
	IncTerminationIncomplete("web")
	IncCommandApplied("start")
	IncCommandMalformed()
	SetSnapshotGeneration(7)
	IncSnapshotFailure()

	mfs, err := testReg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, want := range []string{
		"combiner_entry_starts_total",
		"combiner_entry_crashes_total",
		"combiner_command_applied_total",
		"combiner_state_snapshot_generation",
	} {
		if !found[want] {
			t.Fatalf("metric %s not gathered; got %v", want, found)
		}
	}
}
