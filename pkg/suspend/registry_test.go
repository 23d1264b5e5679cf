package suspend

import (
	"testing"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

func TestBeginResumeDeliversResolution(t *testing.T) {
	r := NewRegistry()
	id, wait := r.Begin()

	resultCh := make(chan Outcome, 1)
	go func() { resultCh <- wait() }()

	if outcome := r.Resume(id, value.Resolution{OK: true, Value: value.Int(9)}); outcome != ResumeOK {
		t.Fatalf("expected ResumeOK, got %v", outcome)
	}
	got := <-resultCh
	if got.Cancelled || !got.Resolution.OK || !got.Resolution.Value.Equal(value.Int(9)) {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestCancelDeliversUncatchableOutcome(t *testing.T) {
	r := NewRegistry()
	id, wait := r.Begin()

	resultCh := make(chan Outcome, 1)
	go func() { resultCh <- wait() }()

	if outcome := r.Cancel(id, "shutting down"); outcome != ResumeOK {
		t.Fatalf("expected ResumeOK, got %v", outcome)
	}
	got := <-resultCh
	if !got.Cancelled || got.Reason != "shutting down" {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestCancelAfterResumeReportsAlreadyResumed(t *testing.T) {
	r := NewRegistry()
	id, wait := r.Begin()
	go wait()

	if outcome := r.Resume(id, value.Resolution{OK: true}); outcome != ResumeOK {
		t.Fatalf("resume should succeed, got %v", outcome)
	}
	if outcome := r.Cancel(id, "too late"); outcome != ResumeAlreadyResumed {
		t.Fatalf("expected ResumeAlreadyResumed, got %v", outcome)
	}
}

func TestDuplicateResumeReportsAlreadyResumed(t *testing.T) {
	r := NewRegistry()
	id, wait := r.Begin()
	go wait()

	if outcome := r.Resume(id, value.Resolution{OK: true}); outcome != ResumeOK {
		t.Fatalf("first resume should succeed, got %v", outcome)
	}
	if outcome := r.Resume(id, value.Resolution{OK: true}); outcome != ResumeAlreadyResumed {
		t.Fatalf("second resume should be already-resumed, got %v", outcome)
	}
}

func TestUnknownSuspensionID(t *testing.T) {
	r := NewRegistry()
	if outcome := r.Resume(999, value.Resolution{}); outcome != ResumeUnknown {
		t.Fatalf("expected ResumeUnknown, got %v", outcome)
	}
}

func TestIDsAreUniqueAndIncreasing(t *testing.T) {
	r := NewRegistry()
	id1, _ := r.Begin()
	id2, _ := r.Begin()
	if id1 == id2 || id2 <= id1 {
		t.Fatalf("expected strictly increasing IDs, got %d then %d", id1, id2)
	}
}

func TestForgetMakesLaterResumeUnknown(t *testing.T) {
	r := NewRegistry()
	id, wait := r.Begin()
	go wait()
	r.Resume(id, value.Resolution{OK: true})
	r.Forget(id)
	if outcome := r.Resume(id, value.Resolution{OK: true}); outcome != ResumeUnknown {
		t.Fatalf("expected ResumeUnknown after forget, got %v", outcome)
	}
}
