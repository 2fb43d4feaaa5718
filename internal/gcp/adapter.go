package gcp

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/statefleet/statefleet/internal/fleet"
)

// Label keys stamped on every fleet instance. template-version is how the
// reconciler reads back which template an instance was created from.
const (
	labelFleet    = "fleet"
	labelTemplate = "template-version"
)

// Adapter implements fleet.CloudAPI against Compute Engine. Mutations block
// on the zonal/global operation, so a nil return means the provider reached
// the final state.
type Adapter struct {
	project string
	region  string
	zone    string
	// group is the unmanaged instance group new instances join, so the
	// internal load balancer picks them up. Deleted instances drop out of
	// the group on their own.
	group string
	// device is the device name durable disks attach under, fixed so
	// startup scripts can mount /dev/disk/by-id/google-<device> without
	// caring about the slot.
	device string

	pool clientPool
}

func NewAdapter(project, region, zone, group, device string) *Adapter {
	if device == "" {
		device = "data-disk"
	}
	return &Adapter{project: project, region: region, zone: zone, group: group, device: device}
}

// Close releases all cached API clients.
func (a *Adapter) Close() {
	a.pool.Close()
}

// EnsureTemplate creates the immutable template version for the spec if it
// does not exist yet. Existing versions are never touched: the name embeds a
// content hash, so a name collision means identical content.
func (a *Adapter) EnsureTemplate(ctx context.Context, spec *fleet.Spec) (string, error) {
	name := spec.Version()
	client, err := a.pool.Templates(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create templates client: %w", err)
	}

	_, err = client.Get(ctx, &computepb.GetInstanceTemplateRequest{
		Project:          a.project,
		InstanceTemplate: name,
	})
	if err == nil {
		return name, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to get template %s: %w", name, classify(err))
	}

	metadata, err := a.resolveMetadata(ctx, spec)
	if err != nil {
		return "", err
	}

	log.Printf("[gcp] creating instance template %s", name)
	op, err := client.Insert(ctx, &computepb.InsertInstanceTemplateRequest{
		Project: a.project,
		InstanceTemplateResource: &computepb.InstanceTemplate{
			Name:       proto.String(name),
			Properties: a.templateProperties(spec, metadata),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert template %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to insert template %s: %w", name, classify(err))
	}
	return name, nil
}

func (a *Adapter) ListTemplates(ctx context.Context, prefix string) ([]string, error) {
	client, err := a.pool.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create templates client: %w", err)
	}

	it := client.List(ctx, &computepb.ListInstanceTemplatesRequest{
		Project: a.project,
		Filter:  proto.String(fmt.Sprintf(`name eq "%s.*"`, prefix)),
	})
	var names []string
	for {
		tmpl, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list templates: %w", classify(err))
		}
		if strings.HasPrefix(tmpl.GetName(), prefix) {
			names = append(names, tmpl.GetName())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *Adapter) DeleteTemplate(ctx context.Context, name string) error {
	client, err := a.pool.Templates(ctx)
	if err != nil {
		return fmt.Errorf("failed to create templates client: %w", err)
	}

	op, err := client.Delete(ctx, &computepb.DeleteInstanceTemplateRequest{
		Project:          a.project,
		InstanceTemplate: name,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete template %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to delete template %s: %w", name, classify(err))
	}
	return nil
}

func (a *Adapter) ListInstances(ctx context.Context, prefix string) ([]fleet.Instance, error) {
	client, err := a.pool.Instances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}

	it := client.List(ctx, &computepb.ListInstancesRequest{
		Project: a.project,
		Zone:    a.zone,
		Filter:  proto.String(fmt.Sprintf(`name eq "%s.*"`, prefix)),
	})
	var out []fleet.Instance
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", classify(err))
		}
		if !strings.HasPrefix(inst.GetName(), prefix) {
			continue
		}
		out = append(out, fleet.Instance{
			Name:     inst.GetName(),
			Template: inst.GetLabels()[labelTemplate],
			Status:   inst.GetStatus(),
			IP:       internalIP(inst),
			Created:  parseTimestamp(inst.GetCreationTimestamp()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateInstance builds the instance from its template version's properties
// plus the slot's durable data disk. The durable disk never auto-deletes.
func (a *Adapter) CreateInstance(ctx context.Context, name, templateVersion, diskName string) error {
	templates, err := a.pool.Templates(ctx)
	if err != nil {
		return fmt.Errorf("failed to create templates client: %w", err)
	}
	tmpl, err := templates.Get(ctx, &computepb.GetInstanceTemplateRequest{
		Project:          a.project,
		InstanceTemplate: templateVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to get template %s: %w", templateVersion, classify(err))
	}
	props := tmpl.GetProperties()

	// Template properties carry bare machine/disk type names; the instance
	// resource needs zonal paths.
	disks := make([]*computepb.AttachedDisk, 0, len(props.GetDisks())+1)
	for _, d := range props.GetDisks() {
		d = proto.Clone(d).(*computepb.AttachedDisk)
		if ip := d.GetInitializeParams(); ip != nil && ip.GetDiskType() != "" && !strings.Contains(ip.GetDiskType(), "/") {
			ip.DiskType = proto.String(fmt.Sprintf("zones/%s/diskTypes/%s", a.zone, ip.GetDiskType()))
		}
		disks = append(disks, d)
	}
	disks = append(disks, &computepb.AttachedDisk{
		Source:     proto.String(fmt.Sprintf("projects/%s/zones/%s/disks/%s", a.project, a.zone, diskName)),
		DeviceName: proto.String(a.device),
		AutoDelete: proto.Bool(false),
		Boot:       proto.Bool(false),
	})

	labels := map[string]string{labelTemplate: templateVersion}
	for k, v := range props.GetLabels() {
		labels[k] = v
	}

	machineType := props.GetMachineType()
	if !strings.Contains(machineType, "/") {
		machineType = fmt.Sprintf("zones/%s/machineTypes/%s", a.zone, machineType)
	}

	instances, err := a.pool.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}

	log.Printf("[gcp] creating instance %s (template=%s, disk=%s)", name, templateVersion, diskName)
	op, err := instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project: a.project,
		Zone:    a.zone,
		InstanceResource: &computepb.Instance{
			Name:              proto.String(name),
			MachineType:       proto.String(machineType),
			Disks:             disks,
			NetworkInterfaces: props.GetNetworkInterfaces(),
			Metadata:          props.GetMetadata(),
			Tags:              props.GetTags(),
			ServiceAccounts:   props.GetServiceAccounts(),
			Labels:            labels,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", name, classify(err))
	}

	a.joinGroup(ctx, name)
	return nil
}

// joinGroup adds the instance to the unmanaged instance group behind the
// internal load balancer. Best effort: a missed join is corrected by rerunning
// the same create path, and duplicate membership is not an error.
func (a *Adapter) joinGroup(ctx context.Context, name string) {
	if a.group == "" {
		return
	}
	groups, err := a.pool.Groups(ctx)
	if err != nil {
		log.Printf("[gcp] failed to create instance groups client: %v", err)
		return
	}

	self := fmt.Sprintf("projects/%s/zones/%s/instances/%s", a.project, a.zone, name)
	op, err := groups.AddInstances(ctx, &computepb.AddInstancesInstanceGroupRequest{
		Project:       a.project,
		Zone:          a.zone,
		InstanceGroup: a.group,
		InstanceGroupsAddInstancesRequestResource: &computepb.InstanceGroupsAddInstancesRequest{
			Instances: []*computepb.InstanceReference{{Instance: proto.String(self)}},
		},
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil && !strings.Contains(err.Error(), "memberAlreadyExists") {
		log.Printf("[gcp] failed to add %s to instance group %s: %v", name, a.group, err)
		return
	}
	log.Printf("[gcp] instance %s joined group %s", name, a.group)
}

// DeleteInstance deletes the instance; the boot disk auto-deletes with it and
// the durable data disk is left behind, detached. Group membership drops on
// its own when the instance goes away.
func (a *Adapter) DeleteInstance(ctx context.Context, name string) error {
	client, err := a.pool.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}

	log.Printf("[gcp] deleting instance %s", name)
	op, err := client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  a.project,
		Zone:     a.zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete instance %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", name, classify(err))
	}
	return nil
}

// RefreshInstance applies the spec's current metadata in place and restamps
// the template-version label so the instance reads as converged.
func (a *Adapter) RefreshInstance(ctx context.Context, name, templateVersion string, spec *fleet.Spec) error {
	client, err := a.pool.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}

	inst, err := client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  a.project,
		Zone:     a.zone,
		Instance: name,
	})
	if err != nil {
		return fmt.Errorf("failed to get instance %s: %w", name, classify(err))
	}

	metadata, err := a.resolveMetadata(ctx, spec)
	if err != nil {
		return err
	}

	log.Printf("[gcp] refreshing metadata on %s (template=%s)", name, templateVersion)
	op, err := client.SetMetadata(ctx, &computepb.SetMetadataInstanceRequest{
		Project:          a.project,
		Zone:             a.zone,
		Instance:         name,
		MetadataResource: metadataItems(metadata, inst.GetMetadata().GetFingerprint()),
	})
	if err != nil {
		return fmt.Errorf("failed to set metadata on %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to set metadata on %s: %w", name, classify(err))
	}

	labels := map[string]string{}
	for k, v := range inst.GetLabels() {
		labels[k] = v
	}
	labels[labelTemplate] = templateVersion
	op, err = client.SetLabels(ctx, &computepb.SetLabelsInstanceRequest{
		Project:  a.project,
		Zone:     a.zone,
		Instance: name,
		InstancesSetLabelsRequestResource: &computepb.InstancesSetLabelsRequest{
			Labels:           labels,
			LabelFingerprint: proto.String(inst.GetLabelFingerprint()),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set labels on %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to set labels on %s: %w", name, classify(err))
	}
	return nil
}

// EnsureDisk creates the slot's durable data disk if it does not exist.
// Durable disks are never deleted here, whatever the fleet does.
func (a *Adapter) EnsureDisk(ctx context.Context, spec *fleet.Spec, name string) error {
	client, err := a.pool.Disks(ctx)
	if err != nil {
		return fmt.Errorf("failed to create disks client: %w", err)
	}

	_, err = client.Get(ctx, &computepb.GetDiskRequest{
		Project: a.project,
		Zone:    a.zone,
		Disk:    name,
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to get disk %s: %w", name, classify(err))
	}

	disk := &computepb.Disk{
		Name:   proto.String(name),
		SizeGb: proto.Int64(int64(spec.DataDisk.SizeGB)),
		Type:   proto.String(fmt.Sprintf("zones/%s/diskTypes/%s", a.zone, spec.DataDisk.Type)),
		Labels: map[string]string{labelFleet: spec.Name},
	}
	if spec.DataDisk.KMSKey != "" {
		disk.DiskEncryptionKey = &computepb.CustomerEncryptionKey{
			KmsKeyName: proto.String(spec.DataDisk.KMSKey),
		}
	}

	log.Printf("[gcp] creating durable disk %s (%dGB %s)", name, spec.DataDisk.SizeGB, spec.DataDisk.Type)
	op, err := client.Insert(ctx, &computepb.InsertDiskRequest{
		Project:      a.project,
		Zone:         a.zone,
		DiskResource: disk,
	})
	if err != nil {
		return fmt.Errorf("failed to insert disk %s: %w", name, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to insert disk %s: %w", name, classify(err))
	}
	return nil
}

// DetachDisk detaches the named durable disk from an instance. Idempotent:
// a missing instance or an already-detached disk is success.
func (a *Adapter) DetachDisk(ctx context.Context, instance, diskName string) error {
	client, err := a.pool.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}

	inst, err := client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  a.project,
		Zone:     a.zone,
		Instance: instance,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get instance %s: %w", instance, classify(err))
	}

	var deviceName string
	for _, d := range inst.GetDisks() {
		if strings.HasSuffix(d.GetSource(), "/"+diskName) {
			deviceName = d.GetDeviceName()
			break
		}
	}
	if deviceName == "" {
		return nil
	}

	log.Printf("[gcp] detaching disk %s from %s", diskName, instance)
	op, err := client.DetachDisk(ctx, &computepb.DetachDiskInstanceRequest{
		Project:    a.project,
		Zone:       a.zone,
		Instance:   instance,
		DeviceName: deviceName,
	})
	if err != nil {
		return fmt.Errorf("failed to detach disk %s from %s: %w", diskName, instance, classify(err))
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to detach disk %s from %s: %w", diskName, instance, classify(err))
	}
	return nil
}

func (a *Adapter) ListDisks(ctx context.Context, prefix string) ([]fleet.Disk, error) {
	client, err := a.pool.Disks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create disks client: %w", err)
	}

	it := client.List(ctx, &computepb.ListDisksRequest{
		Project: a.project,
		Zone:    a.zone,
		Filter:  proto.String(fmt.Sprintf(`name eq "%s.*"`, prefix)),
	})
	var out []fleet.Disk
	for {
		disk, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list disks: %w", classify(err))
		}
		if !strings.HasPrefix(disk.GetName(), prefix) {
			continue
		}
		attached := ""
		if users := disk.GetUsers(); len(users) > 0 {
			attached = lastSegment(users[0])
		}
		out = append(out, fleet.Disk{Name: disk.GetName(), AttachedTo: attached})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// templateProperties translates the declared template into instance template
// properties. Machine and disk types stay bare names here; they are zonalized
// at instance insert time.
func (a *Adapter) templateProperties(spec *fleet.Spec, metadata map[string]string) *computepb.InstanceProperties {
	props := &computepb.InstanceProperties{
		MachineType: proto.String(spec.Template.MachineType),
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(spec.Template.Image),
				DiskSizeGb:  proto.Int64(int64(spec.Template.BootDiskGB)),
				DiskType:    proto.String(spec.Template.BootDiskType),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{a.networkInterface(spec)},
		Metadata:          metadataItems(metadata, ""),
		Labels:            map[string]string{labelFleet: spec.Name},
	}
	if len(spec.Template.Tags) > 0 {
		props.Tags = &computepb.Tags{Items: spec.Template.Tags}
	}
	if spec.Template.ServiceAccount != "" {
		props.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(spec.Template.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}
	return props
}

func (a *Adapter) networkInterface(spec *fleet.Spec) *computepb.NetworkInterface {
	ni := &computepb.NetworkInterface{}
	if n := spec.Template.Network; n != "" {
		if !strings.Contains(n, "/") {
			n = "global/networks/" + n
		}
		ni.Network = proto.String(n)
	}
	if s := spec.Template.Subnet; s != "" {
		if !strings.Contains(s, "/") {
			s = fmt.Sprintf("regions/%s/subnetworks/%s", a.region, s)
		}
		ni.Subnetwork = proto.String(s)
	}
	return ni
}

func metadataItems(kv map[string]string, fingerprint string) *computepb.Metadata {
	md := &computepb.Metadata{}
	if fingerprint != "" {
		md.Fingerprint = proto.String(fingerprint)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		md.Items = append(md.Items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(kv[k]),
		})
	}
	return md
}

func internalIP(inst *computepb.Instance) string {
	ifaces := inst.GetNetworkInterfaces()
	if len(ifaces) == 0 {
		return ""
	}
	return ifaces[0].GetNetworkIP()
}

func parseTimestamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func lastSegment(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}
