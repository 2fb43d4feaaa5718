// Package gcp adapts the Compute Engine API to the reconciler's CloudAPI:
// instance templates, per-slot instances with durable data disks, and the
// unmanaged instance group that fronts them behind the internal load
// balancer.
package gcp

import (
	"context"
	"log"
	"sync"

	compute "cloud.google.com/go/compute/apiv1"
)

// clientPool lazily creates and caches compute clients so a reconcile loop
// ticking every few seconds does not hit OAuth2 token endpoints on every
// pass.
type clientPool struct {
	mu        sync.Mutex
	instances *compute.InstancesClient
	disks     *compute.DisksClient
	templates *compute.InstanceTemplatesClient
	groups    *compute.InstanceGroupsClient
}

// Instances returns a cached InstancesClient, creating it on first call.
func (p *clientPool) Instances(ctx context.Context) (*compute.InstancesClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instances != nil {
		return p.instances, nil
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[gcp] created instances client")
	p.instances = client
	return client, nil
}

// Disks returns a cached DisksClient, creating it on first call.
func (p *clientPool) Disks(ctx context.Context) (*compute.DisksClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disks != nil {
		return p.disks, nil
	}

	client, err := compute.NewDisksRESTClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[gcp] created disks client")
	p.disks = client
	return client, nil
}

// Templates returns a cached InstanceTemplatesClient, creating it on first call.
func (p *clientPool) Templates(ctx context.Context) (*compute.InstanceTemplatesClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.templates != nil {
		return p.templates, nil
	}

	client, err := compute.NewInstanceTemplatesRESTClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[gcp] created instance templates client")
	p.templates = client
	return client, nil
}

// Groups returns a cached InstanceGroupsClient, creating it on first call.
func (p *clientPool) Groups(ctx context.Context) (*compute.InstanceGroupsClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.groups != nil {
		return p.groups, nil
	}

	client, err := compute.NewInstanceGroupsRESTClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[gcp] created instance groups client")
	p.groups = client
	return client, nil
}

// Close closes all cached clients. Safe to call multiple times.
func (p *clientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instances != nil {
		_ = p.instances.Close()
		p.instances = nil
	}
	if p.disks != nil {
		_ = p.disks.Close()
		p.disks = nil
	}
	if p.templates != nil {
		_ = p.templates.Close()
		p.templates = nil
	}
	if p.groups != nil {
		_ = p.groups.Close()
		p.groups = nil
	}
}
