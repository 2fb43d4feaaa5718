package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// provisionLB builds the internal TCP load balancer chain: a zonal unmanaged
// instance group the reconciler fills, a regional TCP health check, a
// backend service balancing on connections, and a forwarding rule on a
// reserved internal address.
func provisionLB(ctx *pulumi.Context, cfg *InfraConfig, net *NetworkResult, opts ...pulumi.ResourceOption) (*LBResult, error) {
	group, err := compute.NewInstanceGroup(ctx, "group", &compute.InstanceGroupArgs{
		Name:    pulumi.String(cfg.GroupName()),
		Project: pulumi.String(cfg.ProjectID),
		Zone:    pulumi.String(cfg.Zone),
		Network: net.VPC.ID(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	address, err := compute.NewAddress(ctx, "lb-address", &compute.AddressArgs{
		Name:        pulumi.String(cfg.Fleet + "-lb"),
		Project:     pulumi.String(cfg.ProjectID),
		Region:      pulumi.String(cfg.Region),
		Subnetwork:  net.Subnet.ID(),
		AddressType: pulumi.String("INTERNAL"),
		Purpose:     pulumi.String("GCE_ENDPOINT"),
	}, opts...)
	if err != nil {
		return nil, err
	}

	// The provider-side check mirrors the reconciler's auto-heal policy, so
	// an instance the balancer stops routing to is the same instance the
	// reconciler will recreate.
	hc, err := compute.NewRegionHealthCheck(ctx, "health-check", &compute.RegionHealthCheckArgs{
		Name:               pulumi.String(cfg.Fleet + "-tcp-health"),
		Project:            pulumi.String(cfg.ProjectID),
		Region:             pulumi.String(cfg.Region),
		CheckIntervalSec:   pulumi.Int(cfg.CheckIntervalSec),
		TimeoutSec:         pulumi.Int(cfg.CheckTimeoutSec),
		UnhealthyThreshold: pulumi.Int(cfg.UnhealthyThreshold),
		HealthyThreshold:   pulumi.Int(cfg.HealthyThreshold),
		TcpHealthCheck: &compute.RegionHealthCheckTcpHealthCheckArgs{
			Port: pulumi.Int(cfg.Port),
		},
	}, opts...)
	if err != nil {
		return nil, err
	}

	backend, err := compute.NewRegionBackendService(ctx, "backend", &compute.RegionBackendServiceArgs{
		Name:                pulumi.String(cfg.Fleet + "-backend"),
		Project:             pulumi.String(cfg.ProjectID),
		Region:              pulumi.String(cfg.Region),
		Protocol:            pulumi.String("TCP"),
		LoadBalancingScheme: pulumi.String("INTERNAL"),
		HealthChecks:        hc.ID(),
		Backends: compute.RegionBackendServiceBackendArray{
			&compute.RegionBackendServiceBackendArgs{
				Group:         group.SelfLink,
				BalancingMode: pulumi.String("CONNECTION"),
			},
		},
	}, opts...)
	if err != nil {
		return nil, err
	}

	rule, err := compute.NewForwardingRule(ctx, "forwarding-rule", &compute.ForwardingRuleArgs{
		Name:                pulumi.String(cfg.Fleet + "-fr"),
		Project:             pulumi.String(cfg.ProjectID),
		Region:              pulumi.String(cfg.Region),
		LoadBalancingScheme: pulumi.String("INTERNAL"),
		BackendService:      backend.ID(),
		IpAddress:           address.Address,
		Ports:               pulumi.StringArray{pulumi.Sprintf("%d", cfg.ServicePort)},
		Network:             net.VPC.ID(),
		Subnetwork:          net.Subnet.ID(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &LBResult{Group: group, Address: address, HealthCheck: hc, Backend: backend, Rule: rule}, nil
}
