package fleet

import (
	"testing"
	"time"
)

func testHealPolicy() AutoHealPolicy {
	return AutoHealPolicy{
		Port:               22,
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		InitialDelay:       5 * time.Minute,
	}
}

func TestUnhealthyRequiresConsecutiveFailures(t *testing.T) {
	tr := NewHealthTracker(testHealPolicy())
	tr.Reset("web-001", time.Now())

	tr.Observe("web-001", false)
	tr.Observe("web-001", false)
	if tr.Unhealthy("web-001") {
		t.Fatalf("unhealthy after 2 failures, threshold is 3")
	}

	// A success in between resets the streak.
	tr.Observe("web-001", true)
	tr.Observe("web-001", false)
	tr.Observe("web-001", false)
	if tr.Unhealthy("web-001") {
		t.Fatalf("unhealthy after non-consecutive failures")
	}

	tr.Observe("web-001", false)
	if !tr.Unhealthy("web-001") {
		t.Fatalf("not unhealthy after 3 consecutive failures")
	}
}

func TestHealthyThresholdClearsUnhealthy(t *testing.T) {
	tr := NewHealthTracker(testHealPolicy())
	tr.Reset("web-001", time.Now())
	for i := 0; i < 3; i++ {
		tr.Observe("web-001", false)
	}
	if !tr.Unhealthy("web-001") {
		t.Fatalf("setup: instance should be unhealthy")
	}

	tr.Observe("web-001", true)
	if !tr.Unhealthy("web-001") {
		t.Fatalf("cleared after 1 success, threshold is 2")
	}
	tr.Observe("web-001", true)
	if tr.Unhealthy("web-001") {
		t.Fatalf("still unhealthy after 2 consecutive successes")
	}
	if !tr.Confirmed("web-001") {
		t.Fatalf("instance not confirmed after reaching healthy threshold")
	}
}

func TestNeedsHealRespectsGracePeriod(t *testing.T) {
	policy := testHealPolicy()
	tr := NewHealthTracker(policy)

	created := time.Now()
	tr.Reset("web-001", created)
	for i := 0; i < 3; i++ {
		tr.Observe("web-001", false)
	}

	if tr.NeedsHeal("web-001", created.Add(policy.InitialDelay/2)) {
		t.Fatalf("heal requested inside the grace period")
	}
	if !tr.NeedsHeal("web-001", created.Add(policy.InitialDelay)) {
		t.Fatalf("heal not requested after the grace period")
	}
}

func TestResetClearsConfirmationAndRestartsGrace(t *testing.T) {
	policy := testHealPolicy()
	tr := NewHealthTracker(policy)

	tr.Reset("web-001", time.Now().Add(-time.Hour))
	tr.Observe("web-001", true)
	tr.Observe("web-001", true)
	if !tr.Confirmed("web-001") {
		t.Fatalf("setup: instance should be confirmed")
	}

	// Recreation starts over: no confirmation, fresh grace period.
	now := time.Now()
	tr.Reset("web-001", now)
	if tr.Confirmed("web-001") {
		t.Fatalf("confirmation survived a reset")
	}
	for i := 0; i < 3; i++ {
		tr.Observe("web-001", false)
	}
	if tr.NeedsHeal("web-001", now.Add(time.Second)) {
		t.Fatalf("heal requested inside the restarted grace period")
	}
}

func TestForgetDropsInstanceState(t *testing.T) {
	tr := NewHealthTracker(testHealPolicy())
	tr.Reset("web-002", time.Now().Add(-time.Hour))
	for i := 0; i < 3; i++ {
		tr.Observe("web-002", false)
	}
	if !tr.Unhealthy("web-002") {
		t.Fatalf("setup: instance should be unhealthy")
	}

	tr.Forget("web-002")
	if tr.Unhealthy("web-002") || tr.NeedsHeal("web-002", time.Now()) {
		t.Fatalf("instance state survived Forget")
	}
}

func TestGenerationsTrackSeparately(t *testing.T) {
	tr := NewHealthTracker(testHealPolicy())

	// The outgoing instance in a slot is confirmed; its replacement is not.
	tr.Reset("web-001", time.Now().Add(-time.Hour))
	tr.Observe("web-001", true)
	tr.Observe("web-001", true)
	tr.Reset("web-001-g1", time.Now())
	if !tr.Confirmed("web-001") {
		t.Fatalf("outgoing instance lost confirmation")
	}
	if tr.Confirmed("web-001-g1") {
		t.Fatalf("replacement confirmed by the outgoing instance's probes")
	}

	// More probes on the old instance must not confirm the new one.
	tr.Observe("web-001", true)
	tr.Observe("web-001", true)
	if tr.Confirmed("web-001-g1") {
		t.Fatalf("replacement confirmed without its own probe successes")
	}

	tr.Observe("web-001-g1", true)
	tr.Observe("web-001-g1", true)
	if !tr.Confirmed("web-001-g1") {
		t.Fatalf("replacement not confirmed by its own probes")
	}
}
