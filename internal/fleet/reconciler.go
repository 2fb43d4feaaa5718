package fleet

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// EventKind classifies reconciler events surfaced to the dashboard and the
// status reporter.
type EventKind int

const (
	EventConverged EventKind = iota
	EventDegraded
	EventSlotChanged
)

// Event is a reconciler notification. Events are advisory; dropping them
// never affects convergence.
type Event struct {
	Kind EventKind
	Slot int
	Msg  string
	Time time.Time
}

// SlotStatus is one slot's entry in a Snapshot.
type SlotStatus struct {
	Slot     int
	Instance string
	Status   string
	IP       string
	UpToDate bool
	Healthy  bool
	InFlight bool
	Disk     string
}

// Snapshot is a point-in-time view of the fleet for display and reporting.
type Snapshot struct {
	Fleet         string
	Size          int
	Version       string
	Slots         []SlotStatus
	SurgeUsed     int
	UnavailUsed   int
	RollingUpdate bool
	Converged     bool
	LastConverged time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithProber replaces the default TCP prober.
func WithProber(p Prober) Option { return func(r *Reconciler) { r.prober = p } }

// WithInterval sets the level-trigger pass interval.
func WithInterval(d time.Duration) Option { return func(r *Reconciler) { r.interval = d } }

// WithDegradedAfter sets how long a slot may stay unfilled before a
// degraded-capacity event fires.
func WithDegradedAfter(d time.Duration) Option { return func(r *Reconciler) { r.degradedAfter = d } }

// Reconciler converges a fleet toward its declared spec. One goroutine runs
// the level-triggered pass loop; per-slot operations run concurrently up to
// the surge/unavailable budget, with actions on the same slot strictly
// sequential.
type Reconciler struct {
	api    CloudAPI
	prober Prober

	mu            sync.Mutex
	spec          *Spec
	version       string                  // ensured template version for spec
	versions      map[string]TemplateSpec // version name -> content seen this process
	health        *HealthTracker
	inFlight      map[int]bool
	manual        map[int]bool // slots queued for manual recreate
	surgeUsed     int
	unavailUsed   int
	rolling       bool
	unfilledSince map[int]time.Time
	degradedSent  map[int]bool
	observed      []Instance
	converged     bool
	lastConverged time.Time

	interval      time.Duration
	degradedAfter time.Duration
	kick          chan struct{}
	events        chan Event
	wg            sync.WaitGroup
}

// New creates a reconciler for the given spec. Run must be called to start
// converging.
func New(api CloudAPI, spec *Spec, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:           api,
		spec:          spec,
		versions:      make(map[string]TemplateSpec),
		health:        NewHealthTracker(spec.AutoHeal),
		inFlight:      make(map[int]bool),
		manual:        make(map[int]bool),
		unfilledSince: make(map[int]time.Time),
		degradedSent:  make(map[int]bool),
		interval:      15 * time.Second,
		degradedAfter: 10 * time.Minute,
		kick:          make(chan struct{}, 1),
		events:        make(chan Event, 64),
	}
	r.prober = &TCPProber{Timeout: spec.AutoHeal.Timeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events returns the advisory event stream. The channel is buffered and
// events are dropped when nobody drains it.
func (r *Reconciler) Events() <-chan Event { return r.events }

// SetSpec supersedes the declared state. In-flight per-slot operations run
// to completion against the spec they started with; not-yet-started work
// re-plans against the new spec on the next pass.
func (r *Reconciler) SetSpec(spec *Spec) {
	r.mu.Lock()
	r.spec = spec
	r.version = ""
	r.mu.Unlock()
	r.Kick()
}

// Spec returns the current declared spec.
func (r *Reconciler) Spec() *Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// TriggerRollingUpdate is the explicit trigger that lets an OPPORTUNISTIC
// policy roll out a pending template change. Cleared once every slot is up
// to date.
func (r *Reconciler) TriggerRollingUpdate() {
	r.mu.Lock()
	r.rolling = true
	r.mu.Unlock()
	log.Printf("[fleet] rolling update triggered")
	r.Kick()
}

// RecreateSlot queues a manual delete-and-recreate of one slot. The slot's
// durable disk is preserved, and the recreated instance uses the current
// template (which is how opportunistic updates land).
func (r *Reconciler) RecreateSlot(slot int) {
	r.mu.Lock()
	r.manual[slot] = true
	r.mu.Unlock()
	log.Printf("[fleet] slot %d queued for manual recreate", slot)
	r.Kick()
}

// Kick schedules an immediate reconcile pass. Deduplicated; safe from any
// goroutine.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run is the level-triggered control loop. It blocks until ctx is done,
// then waits for in-flight per-slot operations to finish.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Printf("[fleet] reconciler starting (fleet=%s size=%d)", r.Spec().Name, r.Spec().Size)

	probeCtx, probeCancel := context.WithCancel(ctx)
	defer probeCancel()
	go r.probeLoop(probeCtx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			log.Printf("[fleet] reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.reconcile(ctx)
		case <-r.kick:
			r.reconcile(ctx)
		}
	}
}

// reconcile runs one observe-plan-act pass. Failures here are logged and
// retried on the next pass; per-slot failures never block sibling slots.
func (r *Reconciler) reconcile(ctx context.Context) {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	version, err := r.ensureTemplate(ctx, spec)
	if err != nil {
		log.Printf("[fleet] template not available: %v", err)
		return
	}

	instances, err := r.api.ListInstances(ctx, spec.Name+"-")
	if err != nil {
		log.Printf("[fleet] list instances: %v", err)
		return
	}

	r.mu.Lock()
	r.observed = instances

	// Inject manual recreates ahead of planning.
	var actions []Action
	for slot := range r.manual {
		if r.inFlight[slot] || slot > spec.Size {
			continue
		}
		for _, inst := range instances {
			if s, gen, ok := ParseInstanceName(spec.Name, inst.Name); ok && s == slot {
				actions = append(actions, Action{Kind: ActionHeal, Slot: slot,
					Instance: inst.Name, Gen: gen, Reason: "manual recreate"})
				break
			}
		}
		delete(r.manual, slot)
	}

	rolling := r.rolling
	inFlight := make(map[int]bool, len(r.inFlight))
	for s := range r.inFlight {
		inFlight[s] = true
	}
	diffFor := func(version string) DiffKind {
		ts, ok := r.versions[version]
		if !ok {
			return DiffReplace
		}
		return Diff(&ts, &spec.Template)
	}
	r.mu.Unlock()

	planned := Plan(PlanInput{
		Spec:          spec,
		TargetVersion: version,
		Instances:     instances,
		InFlight:      inFlight,
		NeedsHeal:     func(name string) bool { return r.health.NeedsHeal(name, time.Now()) },
		RollingUpdate: rolling,
		DiffFor:       diffFor,
	})
	actions = append(actions, planned...)

	started := 0
	for _, a := range actions {
		if r.admit(spec, a) {
			r.startAction(ctx, spec, version, a)
			started++
		} else {
			log.Printf("[fleet] slot %d: %s deferred (budget exhausted)", a.Slot, a.Kind)
		}
	}

	r.mu.Lock()
	busy := len(r.inFlight) > 0
	if rolling && !busy && !hasUpdateWork(planned) {
		r.rolling = false
		log.Printf("[fleet] rolling update complete")
	}
	quiesced := len(actions) == 0 && !busy
	if quiesced && !r.converged {
		r.converged = true
		r.lastConverged = time.Now()
		r.emitLocked(Event{Kind: EventConverged, Msg: "fleet converged", Time: r.lastConverged})
		log.Printf("[fleet] converged: %d/%d slots settled", spec.Size, spec.Size)
	} else if !quiesced {
		r.converged = false
	}
	r.mu.Unlock()

	if quiesced {
		r.gcTemplates(ctx, spec, version, instances)
	}
}

func hasUpdateWork(actions []Action) bool {
	for _, a := range actions {
		if a.Kind == ActionReplace || a.Kind == ActionRefreshMeta {
			return true
		}
	}
	return false
}

// ensureTemplate materializes the immutable template version for the
// current spec, memoizing the version name until the spec changes.
func (r *Reconciler) ensureTemplate(ctx context.Context, spec *Spec) (string, error) {
	r.mu.Lock()
	if r.version != "" && r.spec == spec {
		v := r.version
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err := r.api.EnsureTemplate(ctx, spec)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.versions[v] = spec.Template
	if r.spec == spec {
		r.version = v
	}
	r.mu.Unlock()
	return v, nil
}

// admit reserves budget for an action. Creates, deletes, heals and
// refreshes are not budgeted: creates and deletes only move the fleet
// toward N, heals act on instances that are already not serving, and
// refreshes are non-disruptive. Replacements hold surge (substitute) or
// unavailable (recreate) credit until they finish.
func (r *Reconciler) admit(spec *Spec, a Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight[a.Slot] {
		return false
	}
	if a.Kind == ActionReplace {
		switch spec.Update.ReplacementMethod {
		case ReplaceSubstitute:
			if r.surgeUsed >= spec.Update.MaxSurge {
				return false
			}
			r.surgeUsed++
		case ReplaceRecreate:
			if r.unavailUsed >= spec.Update.MaxUnavailable {
				return false
			}
			r.unavailUsed++
		}
	}
	r.inFlight[a.Slot] = true
	return true
}

// startAction launches the per-slot worker. The worker owns the slot until
// it returns; release happens exactly once regardless of outcome.
func (r *Reconciler) startAction(ctx context.Context, spec *Spec, version string, a Action) {
	log.Printf("[fleet] slot %d: %s (%s)", a.Slot, a.Kind, a.Reason)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, a.Slot)
			if a.Kind == ActionReplace {
				switch spec.Update.ReplacementMethod {
				case ReplaceSubstitute:
					r.surgeUsed--
				case ReplaceRecreate:
					r.unavailUsed--
				}
			}
			r.mu.Unlock()
			r.Kick()
		}()

		var err error
		switch a.Kind {
		case ActionCreate:
			err = r.doCreate(ctx, spec, version, a.Slot)
		case ActionDelete:
			err = r.doDelete(ctx, spec, a)
		case ActionHeal:
			err = r.doHeal(ctx, spec, version, a)
		case ActionReplace:
			err = r.doReplace(ctx, spec, version, a)
		case ActionRefreshMeta:
			err = r.doRefresh(ctx, spec, version, a)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[fleet] slot %d: %s failed: %v", a.Slot, a.Kind, err)
		}
	}()
}

// retry runs op with indefinite exponential backoff until it succeeds or
// ctx is done. Quota and disk-conflict errors are expected here; they are
// per-slot conditions and must not surface as terminal failures. fills is
// true for ops that put an instance into the slot; only those count toward
// degraded-capacity tracking, since a stuck delete or detach on an occupied
// slot does not reduce capacity.
func (r *Reconciler) retry(ctx context.Context, slot int, what string, fills bool, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, ErrQuota):
			log.Printf("[fleet] slot %d: %s blocked on quota/permissions, retrying: %v", slot, what, err)
		case errors.Is(err, ErrDiskConflict):
			log.Printf("[fleet] slot %d: %s blocked, durable disk attached elsewhere, retrying", slot, what)
		default:
			log.Printf("[fleet] slot %d: %s failed, retrying: %v", slot, what, err)
		}
		if fills {
			r.markUnfilled(slot)
		}
		if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
			return err
		}
	}
}

func (r *Reconciler) doCreate(ctx context.Context, spec *Spec, version string, slot int) error {
	disk := DiskName(spec.Name, slot)
	name := SlotName(spec.Name, slot)

	err := r.retry(ctx, slot, "create", true, func() error {
		// The durable disk survives prior occupants; only allocate a
		// fresh one if the slot never had one.
		if err := r.api.EnsureDisk(ctx, spec, disk); err != nil {
			return err
		}
		return r.api.CreateInstance(ctx, name, version, disk)
	})
	if err != nil {
		return err
	}

	r.clearUnfilled(slot)
	r.health.Reset(name, time.Now())
	r.emit(Event{Kind: EventSlotChanged, Slot: slot, Msg: "created " + name, Time: time.Now()})
	log.Printf("[fleet] slot %d: created %s (disk %s)", slot, name, disk)
	return nil
}

func (r *Reconciler) doDelete(ctx context.Context, spec *Spec, a Action) error {
	// delete_rule=never: the durable disk stays allocated, detached. Disk
	// leakage on scale-down is deliberate; the disks command lists them.
	err := r.retry(ctx, a.Slot, "delete", false, func() error {
		return r.api.DeleteInstance(ctx, a.Instance)
	})
	if err != nil {
		return err
	}

	r.health.Forget(a.Instance)
	r.emit(Event{Kind: EventSlotChanged, Slot: a.Slot, Msg: "deleted " + a.Instance + " (disk retained)", Time: time.Now()})
	log.Printf("[fleet] slot %d: deleted %s, durable disk %s left detached", a.Slot, a.Instance, DiskName(spec.Name, a.Slot))
	return nil
}

// doHeal deletes and recreates an instance in its slot, preserving the
// durable disk binding. Also serves manual recreates; either way the
// replacement is built from the current template.
func (r *Reconciler) doHeal(ctx context.Context, spec *Spec, version string, a Action) error {
	disk := DiskName(spec.Name, a.Slot)

	if err := r.retry(ctx, a.Slot, "heal delete", false, func() error {
		return r.api.DeleteInstance(ctx, a.Instance)
	}); err != nil {
		return err
	}
	if err := r.retry(ctx, a.Slot, "heal create", true, func() error {
		return r.api.CreateInstance(ctx, a.Instance, version, disk)
	}); err != nil {
		return err
	}

	r.health.Reset(a.Instance, time.Now())
	r.emit(Event{Kind: EventSlotChanged, Slot: a.Slot, Msg: "recreated " + a.Instance, Time: time.Now()})
	log.Printf("[fleet] slot %d: recreated %s with disk %s", a.Slot, a.Instance, disk)
	return nil
}

func (r *Reconciler) doReplace(ctx context.Context, spec *Spec, version string, a Action) error {
	if spec.Update.ReplacementMethod == ReplaceRecreate {
		return r.doHeal(ctx, spec, version, a)
	}
	return r.doSubstitute(ctx, spec, version, a)
}

// doSubstitute creates the replacement first, moving the durable disk over
// by detach then attach, gates on confirmed health or the initial delay,
// and only then deletes the old instance. The disk is attached to at most
// one instance at any instant, with a brief window attached to neither.
func (r *Reconciler) doSubstitute(ctx context.Context, spec *Spec, version string, a Action) error {
	disk := DiskName(spec.Name, a.Slot)
	newName := GenName(spec.Name, a.Slot, a.Gen+1)

	if err := r.retry(ctx, a.Slot, "detach disk", false, func() error {
		return r.api.DetachDisk(ctx, a.Instance, disk)
	}); err != nil {
		return err
	}
	if err := r.retry(ctx, a.Slot, "substitute create", true, func() error {
		return r.api.CreateInstance(ctx, newName, version, disk)
	}); err != nil {
		return err
	}
	created := time.Now()
	r.health.Reset(newName, created)
	log.Printf("[fleet] slot %d: substitute %s created, waiting for health gate", a.Slot, newName)

	// Gate on whichever comes first: the replacement's confirmed health or
	// the initial delay. The old instance keeps serving through the wait,
	// and its own probe results never open the gate.
	gatePoll := spec.AutoHeal.Interval / 4
	if gatePoll < 10*time.Millisecond {
		gatePoll = 10 * time.Millisecond
	}
	if gatePoll > time.Second {
		gatePoll = time.Second
	}
	deadline := created.Add(spec.AutoHeal.InitialDelay)
	for !r.health.Confirmed(newName) && time.Now().Before(deadline) {
		if err := sleepCtx(ctx, gatePoll); err != nil {
			return err
		}
	}

	if err := r.retry(ctx, a.Slot, "substitute delete old", false, func() error {
		return r.api.DeleteInstance(ctx, a.Instance)
	}); err != nil {
		return err
	}

	r.health.Forget(a.Instance)
	r.emit(Event{Kind: EventSlotChanged, Slot: a.Slot, Msg: "replaced " + a.Instance + " with " + newName, Time: time.Now()})
	log.Printf("[fleet] slot %d: replaced %s with %s", a.Slot, a.Instance, newName)
	return nil
}

func (r *Reconciler) doRefresh(ctx context.Context, spec *Spec, version string, a Action) error {
	err := r.retry(ctx, a.Slot, "refresh metadata", false, func() error {
		return r.api.RefreshInstance(ctx, a.Instance, version, spec)
	})
	if err != nil {
		return err
	}
	log.Printf("[fleet] slot %d: refreshed metadata on %s", a.Slot, a.Instance)
	return nil
}

// markUnfilled notes that a slot is stuck and emits a degraded-capacity
// event once it stays stuck past the threshold.
func (r *Reconciler) markUnfilled(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.unfilledSince[slot]
	if !ok {
		r.unfilledSince[slot] = time.Now()
		return
	}
	if time.Since(since) >= r.degradedAfter && !r.degradedSent[slot] {
		r.degradedSent[slot] = true
		r.emitLocked(Event{Kind: EventDegraded, Slot: slot,
			Msg: "slot unfilled past threshold, capacity degraded", Time: time.Now()})
		log.Printf("[fleet] slot %d: unfilled since %s, capacity degraded", slot, since.Format(time.RFC3339))
	}
}

func (r *Reconciler) clearUnfilled(slot int) {
	r.mu.Lock()
	delete(r.unfilledSince, slot)
	delete(r.degradedSent, slot)
	r.mu.Unlock()
}

func (r *Reconciler) emit(e Event) {
	r.mu.Lock()
	r.emitLocked(e)
	r.mu.Unlock()
}

func (r *Reconciler) emitLocked(e Event) {
	select {
	case r.events <- e:
	default:
	}
}

// probeLoop drives TCP probes against every observed instance at the
// configured interval, feeding the health tracker.
func (r *Reconciler) probeLoop(ctx context.Context) {
	for {
		r.mu.Lock()
		spec := r.spec
		instances := r.observed
		r.mu.Unlock()

		for _, inst := range instances {
			_, _, ok := ParseInstanceName(spec.Name, inst.Name)
			if !ok || inst.Status != "RUNNING" || inst.IP == "" {
				continue
			}
			addr := net.JoinHostPort(inst.IP, strconv.Itoa(spec.AutoHeal.Port))
			err := r.prober.Probe(ctx, addr)
			if ctx.Err() != nil {
				return
			}
			r.health.Observe(inst.Name, err == nil)
			if err == nil {
				continue
			}
			if r.health.NeedsHeal(inst.Name, time.Now()) {
				r.Kick()
			}
		}

		if err := sleepCtx(ctx, spec.AutoHeal.Interval); err != nil {
			return
		}
	}
}

// Snapshot returns the current fleet view for the dashboard and reporter.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec := r.spec
	snap := Snapshot{
		Fleet:         spec.Name,
		Size:          spec.Size,
		Version:       r.version,
		SurgeUsed:     r.surgeUsed,
		UnavailUsed:   r.unavailUsed,
		RollingUpdate: r.rolling,
		Converged:     r.converged,
		LastConverged: r.lastConverged,
	}

	bySlot := make(map[int]Instance)
	maxSlot := spec.Size
	for _, inst := range r.observed {
		slot, gen, ok := ParseInstanceName(spec.Name, inst.Name)
		if !ok {
			continue
		}
		if cur, dup := bySlot[slot]; dup {
			if _, curGen, _ := ParseInstanceName(spec.Name, cur.Name); gen < curGen {
				continue
			}
		}
		bySlot[slot] = inst
		if slot > maxSlot {
			maxSlot = slot
		}
	}

	for slot := 1; slot <= maxSlot; slot++ {
		st := SlotStatus{
			Slot:     slot,
			Disk:     DiskName(spec.Name, slot),
			InFlight: r.inFlight[slot],
		}
		if inst, ok := bySlot[slot]; ok {
			st.Instance = inst.Name
			st.Status = inst.Status
			st.IP = inst.IP
			st.UpToDate = inst.Template == r.version
			st.Healthy = !r.health.Unhealthy(inst.Name)
		}
		snap.Slots = append(snap.Slots, st)
	}
	return snap
}
