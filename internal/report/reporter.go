// Package report publishes fleet state to Firestore so dashboards and
// on-call tooling can watch convergence without talking to the reconciler
// directly.
package report

import (
	"context"
	"log"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/statefleet/statefleet/internal/fleet"
)

const firestoreDatabase = "statefleet"

// Reporter writes fleet snapshots to Firestore, coalescing rapid updates
// into at most one write per interval. Losing a write never matters: the
// next snapshot carries the full state.
type Reporter struct {
	project  string
	fleet    string
	interval time.Duration
	updates  chan fleet.Snapshot
}

func New(project, fleetName string) *Reporter {
	return &Reporter{
		project:  project,
		fleet:    fleetName,
		interval: time.Minute,
		updates:  make(chan fleet.Snapshot, 1),
	}
}

// Publish hands the reporter a snapshot. Non-blocking: if a snapshot is
// already pending, the newer one replaces it.
func (r *Reporter) Publish(snap fleet.Snapshot) {
	for {
		select {
		case r.updates <- snap:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

// Run consumes published snapshots until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	client, err := firestore.NewClientWithDatabase(ctx, r.project, firestoreDatabase)
	if err != nil {
		log.Printf("[report] failed to create Firestore client: %v", err)
		return
	}
	defer client.Close()

	docRef := client.Collection("fleet_state").Doc(r.fleet)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-r.updates:
			if err := r.write(ctx, docRef, snap); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[report] failed to update Firestore: %v", err)
			}

			// Coalesce: ignore further snapshots for one interval.
			timer := time.NewTimer(r.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (r *Reporter) write(ctx context.Context, docRef *firestore.DocumentRef, snap fleet.Snapshot) error {
	slots := make([]map[string]interface{}, 0, len(snap.Slots))
	healthy := 0
	for _, s := range snap.Slots {
		if s.Healthy {
			healthy++
		}
		slots = append(slots, map[string]interface{}{
			"slot":       s.Slot,
			"instance":   s.Instance,
			"status":     s.Status,
			"up_to_date": s.UpToDate,
			"healthy":    s.Healthy,
			"in_flight":  s.InFlight,
		})
	}

	_, err := docRef.Set(ctx, map[string]interface{}{
		"size":                snap.Size,
		"template_version":    snap.Version,
		"converged":           snap.Converged,
		"rolling_update":      snap.RollingUpdate,
		"healthy_slots":       healthy,
		"slots":               slots,
		"last_converged_unix": snap.LastConverged.Unix(),
		"updated_unix":        time.Now().Unix(),
	}, firestore.MergeAll)
	if err == nil {
		log.Printf("[report] published snapshot (converged=%v, healthy=%d/%d)",
			snap.Converged, healthy, snap.Size)
	}
	return err
}
