package fleet

import (
	"context"
	"testing"
	"time"
)

func testSpec(size int) *Spec {
	s := &Spec{
		Name:    "web",
		Project: "test-project",
		Size:    size,
		Template: TemplateSpec{
			MachineType: "e2-medium",
			Image:       "projects/debian-cloud/global/images/family/debian-12",
		},
		Update: UpdatePolicy{
			Type:              UpdateOpportunistic,
			MinimalAction:     MinimalReplace,
			MaxSurge:          3,
			MaxUnavailable:    0,
			ReplacementMethod: ReplaceSubstitute,
		},
		AutoHeal: AutoHealPolicy{
			Port:               22,
			Interval:           5 * time.Millisecond,
			Timeout:            5 * time.Millisecond,
			UnhealthyThreshold: 3,
			HealthyThreshold:   2,
			InitialDelay:       30 * time.Millisecond,
		},
	}
	s.ApplyDefaults()
	s.Size = size
	return s
}

// startReconciler runs r.Run in the background and returns a stop func.
func startReconciler(t *testing.T, r *Reconciler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("reconciler did not stop")
		}
	})
	return cancel
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConvergeToDeclaredSize(t *testing.T) {
	spec := testSpec(3)
	cloud := newFakeCloud(3)
	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	waitFor(t, "3 instances", func() bool {
		return len(cloud.snapshotNames()) == 3
	})

	want := []string{"web-001", "web-002", "web-003"}
	got := cloud.snapshotNames()
	for i, name := range want {
		if got[i] != name {
			t.Errorf("instance[%d] = %s, want %s", i, got[i], name)
		}
	}

	// Each slot got its durable disk, attached to its instance.
	for i := 1; i <= 3; i++ {
		holder, ok := cloud.diskHolder(DiskName("web", i))
		if !ok {
			t.Errorf("durable disk for slot %d was not created", i)
		}
		if holder != SlotName("web", i) {
			t.Errorf("disk for slot %d attached to %q, want %q", i, holder, SlotName("web", i))
		}
	}

	waitFor(t, "convergence", func() bool { return r.Snapshot().Converged })
}

func TestScaleDownDeletesHighestSlotsAndKeepsDisks(t *testing.T) {
	spec := testSpec(3)
	version := spec.Version()
	cloud := newFakeCloud(3)
	for i := 1; i <= 5; i++ {
		cloud.addExisting(SlotName("web", i), version, DiskName("web", i))
	}

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	waitFor(t, "scale-down to 3", func() bool {
		return len(cloud.snapshotNames()) == 3
	})

	got := cloud.snapshotNames()
	want := []string{"web-001", "web-002", "web-003"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("remaining instances = %v, want %v", got, want)
		}
	}

	// The two highest slots' durable disks stay allocated, detached.
	for _, slot := range []int{4, 5} {
		holder, ok := cloud.diskHolder(DiskName("web", slot))
		if !ok {
			t.Errorf("slot %d durable disk was deleted on scale-down", slot)
		}
		if holder != "" {
			t.Errorf("slot %d durable disk still attached to %q", slot, holder)
		}
	}
}

func TestOpportunisticDefersUntilTrigger(t *testing.T) {
	spec := testSpec(3)
	cloud := newFakeCloud(3)
	for i := 1; i <= 3; i++ {
		cloud.addExisting(SlotName("web", i), "web-tmpl-old", DiskName("web", i))
	}

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	// Give the loop several passes; nothing may be replaced.
	time.Sleep(100 * time.Millisecond)
	if creates, deletes := cloud.counts(); creates != 0 || deletes != 0 {
		t.Fatalf("opportunistic policy acted without trigger: %d creates, %d deletes",
			creates, deletes)
	}

	cloud.resetExtremes()
	r.TriggerRollingUpdate()

	version := spec.Version()
	waitFor(t, "rollout to new template", func() bool {
		names := cloud.snapshotNames()
		if len(names) != 3 {
			return false
		}
		for _, n := range names {
			if cloud.instanceTemplate(n) != version {
				return false
			}
		}
		return true
	})

	// surge=3, unavailable=0: never above N+3, never below N.
	over, under := cloud.extremes()
	if over > 3 {
		t.Errorf("surge budget violated: %d instances over target", over)
	}
	if under > 0 {
		t.Errorf("unavailable budget violated: dropped %d below target", under)
	}
	if cloud.doubleAttach {
		t.Errorf("a durable disk was attached to two instances")
	}
}

func TestSubstitutePreservesDiskIdentity(t *testing.T) {
	spec := testSpec(1)
	spec.Update.Type = UpdateProactive
	spec.Update.MaxSurge = 1
	cloud := newFakeCloud(1)
	cloud.addExisting("web-001", "web-tmpl-old", DiskName("web", 1))

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	version := spec.Version()
	waitFor(t, "substitute replacement", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 1 && cloud.instanceTemplate(names[0]) == version
	})

	// Same disk object across the replacement, now attached to the new
	// generation, and never attached to two instances at once.
	holder, ok := cloud.diskHolder(DiskName("web", 1))
	if !ok {
		t.Fatalf("durable disk disappeared during replacement")
	}
	if holder != GenName("web", 1, 1) {
		t.Errorf("disk attached to %q, want %q", holder, GenName("web", 1, 1))
	}
	if cloud.doubleAttach {
		t.Errorf("durable disk was double-attached during substitution")
	}

	cloud.mu.Lock()
	history := append([]string(nil), cloud.diskHistory[DiskName("web", 1)]...)
	cloud.mu.Unlock()
	want := []string{"web-001", "web-001-g1"}
	if len(history) != len(want) {
		t.Fatalf("disk attachment history = %v, want %v", history, want)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("disk attachment history = %v, want %v", history, want)
		}
	}
}

func TestSubstituteWaitsForReplacementHealth(t *testing.T) {
	spec := testSpec(1)
	spec.Update.Type = UpdateProactive
	spec.Update.MaxSurge = 1
	spec.AutoHeal.InitialDelay = 300 * time.Millisecond
	cloud := newFakeCloud(1)
	cloud.addExisting("web-001", "web-tmpl-old", DiskName("web", 1))

	// The old instance answers probes; the replacement never does. The gate
	// must hold the old instance until the initial delay runs out.
	prober := newScriptedProber()
	prober.setFailing("10.0.0.100", true) // first created instance's IP

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(prober),
	)
	start := time.Now()
	startReconciler(t, r)

	waitFor(t, "substitute to finish", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 1 && names[0] == "web-001-g1"
	})

	if elapsed := time.Since(start); elapsed < spec.AutoHeal.InitialDelay {
		t.Errorf("old instance deleted after %v, before the replacement could pass "+
			"health checks or the %v initial delay", elapsed, spec.AutoHeal.InitialDelay)
	}
}

func TestSubstituteCompletesOnReplacementConfirmation(t *testing.T) {
	spec := testSpec(1)
	spec.Update.Type = UpdateProactive
	spec.Update.MaxSurge = 1
	spec.AutoHeal.InitialDelay = time.Hour
	cloud := newFakeCloud(1)
	cloud.addExisting("web-001", "web-tmpl-old", DiskName("web", 1))

	// All probes succeed: the replacement's own confirmation must open the
	// gate long before the hour-long initial delay.
	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	waitFor(t, "substitute to finish on confirmation", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 1 && names[0] == "web-001-g1"
	})
}

func TestInterruptedSubstituteLeftoverIsRemoved(t *testing.T) {
	spec := testSpec(1)
	version := spec.Version()
	cloud := newFakeCloud(1)

	// A crash mid-substitution left both generations of slot 1 behind, the
	// disk attached to the newer one.
	cloud.addExisting("web-001", "web-tmpl-old", DiskName("web", 1))
	cloud.addExisting("web-001-g1", version, DiskName("web", 1))

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	waitFor(t, "superseded generation removed", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 1 && names[0] == "web-001-g1"
	})
	waitFor(t, "convergence at declared size", func() bool {
		return r.Snapshot().Converged
	})

	if holder, _ := cloud.diskHolder(DiskName("web", 1)); holder != "web-001-g1" {
		t.Errorf("durable disk attached to %q, want web-001-g1", holder)
	}
}

func TestAutoHealRecreatesInSlot(t *testing.T) {
	spec := testSpec(2)
	cloud := newFakeCloud(2)
	prober := newScriptedProber()
	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(prober),
	)
	startReconciler(t, r)

	waitFor(t, "initial convergence", func() bool {
		return len(cloud.snapshotNames()) == 2
	})

	var ip string
	waitFor(t, "slot 1 IP", func() bool {
		cloud.mu.Lock()
		inst, ok := cloud.instances["web-001"]
		cloud.mu.Unlock()
		if ok {
			ip = inst.IP
		}
		return ok && ip != ""
	})

	createsBefore, _ := cloud.counts()
	prober.setFailing(ip, true)

	waitFor(t, "heal of slot 1", func() bool {
		creates, _ := cloud.counts()
		return creates > createsBefore
	})

	// Recreated in place: same name, same durable disk, sibling untouched.
	waitFor(t, "slot 1 back", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 2 && names[0] == "web-001"
	})
	holder, _ := cloud.diskHolder(DiskName("web", 1))
	if holder != "web-001" {
		t.Errorf("healed slot 1 disk attached to %q, want web-001", holder)
	}
	if h2, _ := cloud.diskHolder(DiskName("web", 2)); h2 != "web-002" {
		t.Errorf("slot 2 disk attached to %q, want web-002", h2)
	}
}

func TestHealSuppressedDuringGracePeriod(t *testing.T) {
	spec := testSpec(1)
	spec.AutoHeal.InitialDelay = time.Hour
	cloud := newFakeCloud(1)
	prober := newScriptedProber()
	prober.setFailing("10.0.0.100", true) // first created instance's IP

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(prober),
	)
	startReconciler(t, r)

	waitFor(t, "instance created", func() bool {
		return len(cloud.snapshotNames()) == 1
	})

	// Probes fail continuously, but the grace period has not expired:
	// the instance must not be recreated.
	time.Sleep(150 * time.Millisecond)
	creates, deletes := cloud.counts()
	if creates != 1 || deletes != 0 {
		t.Errorf("heal fired inside grace period: %d creates, %d deletes", creates, deletes)
	}
}

func TestQuotaFailureRetriesWithoutBlockingSiblings(t *testing.T) {
	spec := testSpec(2)
	cloud := newFakeCloud(2)
	cloud.failCreates = 2 // the first two create attempts hit quota

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	// Both slots eventually fill despite the quota failures.
	waitFor(t, "both slots filled after quota retries", func() bool {
		return len(cloud.snapshotNames()) == 2
	})
}

func TestScaleDownRetryDoesNotSignalDegradedCapacity(t *testing.T) {
	spec := testSpec(1)
	version := spec.Version()
	cloud := newFakeCloud(1)
	cloud.addExisting(SlotName("web", 1), version, DiskName("web", 1))
	cloud.addExisting(SlotName("web", 2), version, DiskName("web", 2))
	cloud.failDeletes = 2 // the excess slot's delete hits quota twice

	// Capacity is intact the whole time: slot 1 keeps serving while the
	// excess slot's delete retries. No degraded event may fire.
	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
		WithDegradedAfter(20*time.Millisecond),
	)
	startReconciler(t, r)

	waitFor(t, "scale-down after delete retries", func() bool {
		names := cloud.snapshotNames()
		return len(names) == 1 && names[0] == "web-001"
	})

	for {
		select {
		case e := <-r.Events():
			if e.Kind == EventDegraded {
				t.Fatalf("degraded event for slot %d during a retried delete", e.Slot)
			}
		default:
			return
		}
	}
}

func TestRecreateRolloutHonorsUnavailableBudget(t *testing.T) {
	spec := testSpec(3)
	spec.Update.Type = UpdateProactive
	spec.Update.ReplacementMethod = ReplaceRecreate
	spec.Update.MaxSurge = 0
	spec.Update.MaxUnavailable = 1
	cloud := newFakeCloud(3)
	for i := 1; i <= 3; i++ {
		cloud.addExisting(SlotName("web", i), "web-tmpl-old", DiskName("web", i))
	}
	cloud.resetExtremes()

	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	version := spec.Version()
	waitFor(t, "recreate rollout", func() bool {
		names := cloud.snapshotNames()
		if len(names) != 3 {
			return false
		}
		for _, n := range names {
			if cloud.instanceTemplate(n) != version {
				return false
			}
		}
		return true
	})

	// Recreate replaces in place: same names, no generation suffixes.
	want := []string{"web-001", "web-002", "web-003"}
	got := cloud.snapshotNames()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("instances after rollout = %v, want %v", got, want)
		}
	}

	// surge=0, unavailable=1: never above N, at most one below.
	over, under := cloud.extremes()
	if over > 0 {
		t.Errorf("recreate rollout surged %d above target", over)
	}
	if under > 1 {
		t.Errorf("unavailable budget violated: dropped %d below target", under)
	}
	if under == 0 {
		t.Errorf("recreate rollout never dipped below target; replacements did not happen in place")
	}
}

func TestSpecChangeSupersedesTarget(t *testing.T) {
	spec := testSpec(2)
	cloud := newFakeCloud(2)
	r := New(cloud, spec,
		WithInterval(10*time.Millisecond),
		WithProber(newScriptedProber()),
	)
	startReconciler(t, r)

	waitFor(t, "initial 2 instances", func() bool {
		return len(cloud.snapshotNames()) == 2
	})

	grown := testSpec(4)
	r.SetSpec(grown)
	waitFor(t, "grow to 4", func() bool {
		return len(cloud.snapshotNames()) == 4
	})

	if got := r.Spec().Size; got != 4 {
		t.Errorf("Spec().Size = %d, want 4", got)
	}
}
