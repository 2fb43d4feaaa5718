package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeCloud is an in-memory CloudAPI that enforces the invariants the real
// provider enforces (disk single-attachment, name uniqueness) and records
// the extremes the tests assert on (instances above/below target).
type fakeCloud struct {
	mu        sync.Mutex
	target    int // declared N, for budget extreme tracking
	instances map[string]Instance
	disks     map[string]string // disk name -> attached instance ("" = detached)
	templates map[string]bool

	failCreates  int // next N creates fail with ErrQuota
	failDeletes  int // next N deletes fail with ErrQuota
	createCount  int
	deleteCount  int
	maxOver      int // max(instances - target) ever observed
	maxUnder     int // max(target - instances) ever observed
	diskHistory  map[string][]string // disk -> sequence of instances it was attached to
	doubleAttach bool                // set if a disk was ever attached while attached
}

func newFakeCloud(target int) *fakeCloud {
	return &fakeCloud{
		target:      target,
		instances:   make(map[string]Instance),
		disks:       make(map[string]string),
		templates:   make(map[string]bool),
		diskHistory: make(map[string][]string),
	}
}

// addExisting seeds a pre-existing instance with its durable disk attached.
func (f *fakeCloud) addExisting(name, template, disk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = Instance{
		Name:     name,
		Template: template,
		Status:   "RUNNING",
		IP:       fmt.Sprintf("10.0.0.%d", len(f.instances)+1),
		Created:  time.Now(),
	}
	f.disks[disk] = name
	f.diskHistory[disk] = append(f.diskHistory[disk], name)
	f.templates[template] = true
}

func (f *fakeCloud) recordExtremes() {
	n := len(f.instances)
	if over := n - f.target; over > f.maxOver {
		f.maxOver = over
	}
	if under := f.target - n; under > f.maxUnder {
		f.maxUnder = under
	}
}

func (f *fakeCloud) EnsureTemplate(_ context.Context, spec *Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := spec.Version()
	f.templates[v] = true
	return v, nil
}

func (f *fakeCloud) ListTemplates(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for t := range f.templates {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeCloud) DeleteTemplate(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.templates, name)
	return nil
}

func (f *fakeCloud) ListInstances(_ context.Context, prefix string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		if strings.HasPrefix(inst.Name, prefix) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeCloud) CreateInstance(_ context.Context, name, templateVersion, diskName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreates > 0 {
		f.failCreates--
		return fmt.Errorf("insert %s: %w", name, ErrQuota)
	}
	if _, exists := f.instances[name]; exists {
		return fmt.Errorf("instance %s already exists", name)
	}
	holder, ok := f.disks[diskName]
	if !ok {
		return fmt.Errorf("disk %s: %w", diskName, ErrNotFound)
	}
	if holder != "" {
		f.doubleAttach = true
		return fmt.Errorf("disk %s attached to %s: %w", diskName, holder, ErrDiskConflict)
	}

	f.instances[name] = Instance{
		Name:     name,
		Template: templateVersion,
		Status:   "RUNNING",
		IP:       fmt.Sprintf("10.0.0.%d", 100+f.createCount),
		Created:  time.Now(),
	}
	f.disks[diskName] = name
	f.diskHistory[diskName] = append(f.diskHistory[diskName], name)
	f.createCount++
	f.recordExtremes()
	return nil
}

func (f *fakeCloud) DeleteInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeletes > 0 {
		f.failDeletes--
		return fmt.Errorf("delete %s: %w", name, ErrQuota)
	}
	if _, ok := f.instances[name]; !ok {
		return fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}
	delete(f.instances, name)
	// Boot disk dies with the instance; the durable disk is detached.
	for disk, holder := range f.disks {
		if holder == name {
			f.disks[disk] = ""
		}
	}
	f.deleteCount++
	f.recordExtremes()
	return nil
}

func (f *fakeCloud) RefreshInstance(_ context.Context, name, templateVersion string, _ *Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}
	inst.Template = templateVersion
	f.instances[name] = inst
	return nil
}

func (f *fakeCloud) EnsureDisk(_ context.Context, _ *Spec, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.disks[name]; !ok {
		f.disks[name] = ""
	}
	return nil
}

func (f *fakeCloud) DetachDisk(_ context.Context, instance, diskName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disks[diskName] == instance {
		f.disks[diskName] = ""
	}
	return nil
}

func (f *fakeCloud) ListDisks(_ context.Context, prefix string) ([]Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Disk
	for name, holder := range f.disks {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Disk{Name: name, AttachedTo: holder})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// resetExtremes clears the over/under records, typically after seeding or
// initial convergence so assertions cover only the phase under test.
func (f *fakeCloud) resetExtremes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxOver, f.maxUnder = 0, 0
}

func (f *fakeCloud) extremes() (over, under int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOver, f.maxUnder
}

// snapshotNames returns sorted current instance names.
func (f *fakeCloud) snapshotNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.instances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *fakeCloud) instanceTemplate(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[name].Template
}

func (f *fakeCloud) counts() (creates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCount, f.deleteCount
}

func (f *fakeCloud) diskHolder(disk string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.disks[disk]
	return holder, ok
}

// scriptedProber returns per-instance probe results keyed by IP.
type scriptedProber struct {
	mu sync.Mutex
	// fail maps instance IPs to probe failure. Unlisted IPs succeed.
	fail map[string]bool
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{fail: make(map[string]bool)}
}

func (p *scriptedProber) setFailing(ip string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[ip] = failing
}

func (p *scriptedProber) Probe(_ context.Context, addr string) error {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[host] {
		return fmt.Errorf("probe %s: connection refused", addr)
	}
	return nil
}
