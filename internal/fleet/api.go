package fleet

import (
	"context"
	"errors"
	"time"
)

// Instance is the reconciler's view of one running (or starting) VM.
type Instance struct {
	Name     string
	Template string // template version name the instance was created from
	Status   string // RUNNING, PROVISIONING, STAGING, STOPPING, TERMINATED
	IP       string // primary internal IP, empty until assigned
	Created  time.Time
}

// Disk is the reconciler's view of one durable data disk.
type Disk struct {
	Name       string
	AttachedTo string // instance name, empty when detached
}

// Sentinel errors the adapter maps cloud failures onto. The reconciler
// keys its retry and isolation behavior off these, not off provider codes.
var (
	// ErrQuota covers quota and permission failures on create. Retried
	// with backoff indefinitely.
	ErrQuota = errors.New("quota or permission denied")
	// ErrDiskConflict means the durable disk is attached to another
	// instance. Blocks only the affected slot.
	ErrDiskConflict = errors.New("durable disk attached elsewhere")
	// ErrNotFound maps provider 404s.
	ErrNotFound = errors.New("not found")
)

// CloudAPI is the compute-management surface the reconciler drives. All
// calls block until the underlying long-running operation settles, so a
// returned nil means the provider acknowledged the final state.
type CloudAPI interface {
	// EnsureTemplate materializes the immutable template version for the
	// spec, creating it if absent, and returns its name. Existing versions
	// are never mutated.
	EnsureTemplate(ctx context.Context, spec *Spec) (string, error)
	// ListTemplates returns template version names with the given prefix.
	ListTemplates(ctx context.Context, prefix string) ([]string, error)
	// DeleteTemplate removes a superseded template version.
	DeleteTemplate(ctx context.Context, name string) error

	// ListInstances returns all fleet instances (any lifecycle state).
	ListInstances(ctx context.Context, prefix string) ([]Instance, error)
	// CreateInstance creates an instance from a template version with the
	// named durable disk attached. Fails with ErrDiskConflict if the disk
	// is attached to another instance.
	CreateInstance(ctx context.Context, name, templateVersion, diskName string) error
	// DeleteInstance deletes an instance and its boot disk. The durable
	// disk is left behind, detached.
	DeleteInstance(ctx context.Context, name string) error
	// RefreshInstance applies the spec's current metadata in place and
	// records the instance as converged to templateVersion. Used for
	// metadata-only template changes under minimal_action=refresh.
	RefreshInstance(ctx context.Context, name, templateVersion string, spec *Spec) error

	// EnsureDisk creates the durable disk if it does not exist.
	EnsureDisk(ctx context.Context, spec *Spec, name string) error
	// DetachDisk detaches the named disk from an instance. Idempotent.
	DetachDisk(ctx context.Context, instance, diskName string) error
	// ListDisks returns durable disks with the given prefix and their
	// current attachment.
	ListDisks(ctx context.Context, prefix string) ([]Disk, error)
}
