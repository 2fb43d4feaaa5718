// Package fleet implements the stateful group reconciler: it converges a
// slot-indexed set of VM instances toward a declared size and template,
// preserving one durable data disk per slot across instance replacement.
package fleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UpdateType controls when out-of-date instances are replaced.
type UpdateType string

const (
	// UpdateProactive replaces out-of-date instances as soon as the
	// surge/unavailable budget allows.
	UpdateProactive UpdateType = "proactive"
	// UpdateOpportunistic defers replacement until the instance is being
	// recreated for another reason, or an explicit rolling update fires.
	UpdateOpportunistic UpdateType = "opportunistic"
)

// MinimalAction bounds the least disruptive action applied for an update.
type MinimalAction string

const (
	MinimalNone    MinimalAction = "none"
	MinimalRefresh MinimalAction = "refresh"
	MinimalReplace MinimalAction = "replace"
)

// ReplacementMethod selects how an instance is swapped for a new one.
type ReplacementMethod string

const (
	// ReplaceRecreate deletes the old instance, then creates the new one
	// under the same name. Consumes unavailable budget.
	ReplaceRecreate ReplacementMethod = "recreate"
	// ReplaceSubstitute creates the new instance first (moving the durable
	// disk over), waits for it to gate healthy, then deletes the old one.
	// Consumes surge budget.
	ReplaceSubstitute ReplacementMethod = "substitute"
)

// DeleteRule says what happens to a slot's durable disk when its instance
// goes away. Only "never" is supported: the reconciler detaches but never
// deletes durable disks.
type DeleteRule string

const DeleteNever DeleteRule = "never"

// UpdatePolicy is the declared rollout policy for template changes.
type UpdatePolicy struct {
	Type              UpdateType        `yaml:"type"`
	MinimalAction     MinimalAction     `yaml:"minimal_action"`
	MaxSurge          int               `yaml:"max_surge"`
	MaxUnavailable    int               `yaml:"max_unavailable"`
	ReplacementMethod ReplacementMethod `yaml:"replacement_method"`
}

// AutoHealPolicy configures TCP probing and health-driven recreation.
type AutoHealPolicy struct {
	Port               int           `yaml:"port"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	// InitialDelay suppresses health-driven churn right after an instance
	// is (re)created, and gates SUBSTITUTE replacements that never confirm
	// healthy.
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// UnmarshalYAML accepts durations as strings ("10s", "5m").
func (p *AutoHealPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Port               int    `yaml:"port"`
		Interval           string `yaml:"interval"`
		Timeout            string `yaml:"timeout"`
		UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
		HealthyThreshold   int    `yaml:"healthy_threshold"`
		InitialDelay       string `yaml:"initial_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.Port = raw.Port
	p.UnhealthyThreshold = raw.UnhealthyThreshold
	p.HealthyThreshold = raw.HealthyThreshold

	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"auto_heal.interval", raw.Interval, &p.Interval},
		{"auto_heal.timeout", raw.Timeout, &p.Timeout},
		{"auto_heal.initial_delay", raw.InitialDelay, &p.InitialDelay},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.in, err)
		}
		*f.out = d
	}
	return nil
}

// DataDiskSpec declares the per-slot durable disk.
type DataDiskSpec struct {
	DeviceName string     `yaml:"device_name"`
	SizeGB     int        `yaml:"size_gb"`
	Type       string     `yaml:"type"`
	DeleteRule DeleteRule `yaml:"delete_rule"`
	// KMSKey is an optional CMEK resource name applied to new durable disks.
	KMSKey string `yaml:"kms_key,omitempty"`
}

// TemplateSpec is the instance template content. Changing any field yields a
// new immutable template version (see Version).
type TemplateSpec struct {
	MachineType    string            `yaml:"machine_type"`
	Image          string            `yaml:"image"`
	BootDiskGB     int               `yaml:"boot_disk_gb"`
	BootDiskType   string            `yaml:"boot_disk_type"`
	Network        string            `yaml:"network"`
	Subnet         string            `yaml:"subnet"`
	Tags           []string          `yaml:"tags"`
	ServiceAccount string            `yaml:"service_account"`
	StartupScript  string            `yaml:"startup_script"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
	// SecretMetadata maps metadata keys to Secret Manager version resource
	// names, resolved when the template is materialized. The version name
	// (not the secret payload) is part of the template hash.
	SecretMetadata map[string]string `yaml:"secret_metadata,omitempty"`
}

// Spec is the full declared state of one fleet.
type Spec struct {
	Name     string         `yaml:"name"`
	Project  string         `yaml:"project"`
	Region   string         `yaml:"region"`
	Zone     string         `yaml:"zone"`
	Size     int            `yaml:"size"`
	// ServicePort is the TCP port the internal load balancer forwards to the
	// fleet. The health probe port lives under auto_heal.
	ServicePort int `yaml:"service_port"`
	Template TemplateSpec   `yaml:"template"`
	Update   UpdatePolicy   `yaml:"update"`
	AutoHeal AutoHealPolicy `yaml:"auto_heal"`
	DataDisk DataDiskSpec   `yaml:"data_disk"`
}

// LoadSpec reads and validates a fleet spec from a YAML file.
func LoadSpec(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet spec %q: %w", path, err)
	}

	var s Spec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse fleet spec %q: %w", path, err)
	}

	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyDefaults fills in default values for empty spec fields.
func (s *Spec) ApplyDefaults() {
	if s.Region == "" {
		s.Region = "europe-west1"
	}
	if s.Zone == "" {
		s.Zone = s.Region + "-b"
	}
	if s.Template.BootDiskGB == 0 {
		s.Template.BootDiskGB = 20
	}
	if s.Template.BootDiskType == "" {
		s.Template.BootDiskType = "pd-balanced"
	}
	if s.ServicePort == 0 {
		s.ServicePort = 80
	}
	if s.Update.Type == "" {
		s.Update.Type = UpdateOpportunistic
	}
	if s.Update.MinimalAction == "" {
		s.Update.MinimalAction = MinimalReplace
	}
	if s.Update.ReplacementMethod == "" {
		s.Update.ReplacementMethod = ReplaceSubstitute
	}
	if s.AutoHeal.Port == 0 {
		s.AutoHeal.Port = 22
	}
	if s.AutoHeal.Interval == 0 {
		s.AutoHeal.Interval = 10 * time.Second
	}
	if s.AutoHeal.Timeout == 0 {
		s.AutoHeal.Timeout = 5 * time.Second
	}
	if s.AutoHeal.UnhealthyThreshold == 0 {
		s.AutoHeal.UnhealthyThreshold = 3
	}
	if s.AutoHeal.HealthyThreshold == 0 {
		s.AutoHeal.HealthyThreshold = 2
	}
	if s.AutoHeal.InitialDelay == 0 {
		s.AutoHeal.InitialDelay = 5 * time.Minute
	}
	if s.DataDisk.DeviceName == "" {
		s.DataDisk.DeviceName = "data-disk"
	}
	if s.DataDisk.SizeGB == 0 {
		s.DataDisk.SizeGB = 100
	}
	if s.DataDisk.Type == "" {
		s.DataDisk.Type = "pd-ssd"
	}
	if s.DataDisk.DeleteRule == "" {
		s.DataDisk.DeleteRule = DeleteNever
	}
}

// Validate rejects specs the reconciler cannot act on.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("fleet spec: name is required")
	}
	if s.Project == "" {
		return fmt.Errorf("fleet spec: project is required")
	}
	if s.Size < 0 {
		return fmt.Errorf("fleet spec: size must be >= 0, got %d", s.Size)
	}
	if s.Template.MachineType == "" {
		return fmt.Errorf("fleet spec: template.machine_type is required")
	}
	if s.Template.Image == "" {
		return fmt.Errorf("fleet spec: template.image is required")
	}
	switch s.Update.Type {
	case UpdateProactive, UpdateOpportunistic:
	default:
		return fmt.Errorf("fleet spec: invalid update.type %q (expected proactive|opportunistic)", s.Update.Type)
	}
	switch s.Update.MinimalAction {
	case MinimalNone, MinimalRefresh, MinimalReplace:
	default:
		return fmt.Errorf("fleet spec: invalid update.minimal_action %q (expected none|refresh|replace)", s.Update.MinimalAction)
	}
	switch s.Update.ReplacementMethod {
	case ReplaceRecreate, ReplaceSubstitute:
	default:
		return fmt.Errorf("fleet spec: invalid update.replacement_method %q (expected recreate|substitute)", s.Update.ReplacementMethod)
	}
	if s.Update.MaxSurge < 0 || s.Update.MaxUnavailable < 0 {
		return fmt.Errorf("fleet spec: max_surge and max_unavailable must be >= 0")
	}
	if s.Update.ReplacementMethod == ReplaceSubstitute && s.Update.MaxSurge == 0 {
		return fmt.Errorf("fleet spec: substitute replacement requires max_surge >= 1")
	}
	if s.Update.ReplacementMethod == ReplaceRecreate && s.Update.MaxUnavailable == 0 {
		return fmt.Errorf("fleet spec: recreate replacement requires max_unavailable >= 1")
	}
	if s.DataDisk.DeleteRule != DeleteNever {
		return fmt.Errorf("fleet spec: data_disk.delete_rule %q not supported (only \"never\")", s.DataDisk.DeleteRule)
	}
	return nil
}
