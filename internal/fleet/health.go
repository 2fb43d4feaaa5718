package fleet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Prober checks whether an instance answers on its probe address.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// TCPProber is the default prober: a plain TCP dial, mirroring the
// provider-side TCP health check.
type TCPProber struct {
	Timeout time.Duration
}

func (p *TCPProber) Probe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	_ = conn.Close()
	return nil
}

// instanceHealth is the per-instance probe state machine.
type instanceHealth struct {
	createdAt time.Time
	fails     int
	successes int
	unhealthy bool
	// confirmed is set once the instance has reached the healthy
	// threshold at least once since creation. Used to gate SUBSTITUTE
	// replacements.
	confirmed bool
}

// HealthTracker accumulates probe results per instance and applies the
// unhealthy/healthy thresholds and the initial-delay grace period. State is
// keyed by instance name, not slot: during a SUBSTITUTE two instances occupy
// one slot, and only the replacement's own probes may confirm it.
type HealthTracker struct {
	mu        sync.Mutex
	policy    AutoHealPolicy
	instances map[string]*instanceHealth
}

func NewHealthTracker(policy AutoHealPolicy) *HealthTracker {
	return &HealthTracker{
		policy:    policy,
		instances: make(map[string]*instanceHealth),
	}
}

// Reset starts a fresh grace period for a (re)created instance.
func (t *HealthTracker) Reset(name string, createdAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[name] = &instanceHealth{createdAt: createdAt}
}

// Forget drops state for an instance that no longer exists.
func (t *HealthTracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, name)
}

// Observe records one probe result. Failures below the unhealthy threshold
// do not flip state; reaching the healthy threshold clears unhealthy.
func (t *HealthTracker) Observe(name string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.instances[name]
	if h == nil {
		h = &instanceHealth{createdAt: time.Now()}
		t.instances[name] = h
	}

	if ok {
		h.successes++
		h.fails = 0
		if h.successes >= t.policy.HealthyThreshold {
			h.unhealthy = false
			h.confirmed = true
		}
		return
	}

	h.fails++
	h.successes = 0
	if h.fails >= t.policy.UnhealthyThreshold {
		h.unhealthy = true
	}
}

// Unhealthy reports whether the instance has crossed the unhealthy threshold.
func (t *HealthTracker) Unhealthy(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.instances[name]
	return h != nil && h.unhealthy
}

// Confirmed reports whether the instance has passed the healthy threshold
// since its creation.
func (t *HealthTracker) Confirmed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.instances[name]
	return h != nil && h.confirmed
}

// NeedsHeal reports whether the instance should be deleted and recreated: it
// is unhealthy and its grace period has expired.
func (t *HealthTracker) NeedsHeal(name string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.instances[name]
	if h == nil || !h.unhealthy {
		return false
	}
	return now.Sub(h.createdAt) >= t.policy.InitialDelay
}
