package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// provisionFirewall opens the two paths the fleet needs: provider health
// check probes from Google's fixed ranges, and client traffic from inside
// the subnet through the internal load balancer. Instances are targeted by
// the fleet tag, nothing else on the network is opened.
func provisionFirewall(ctx *pulumi.Context, cfg *InfraConfig, net *NetworkResult, opts ...pulumi.ResourceOption) error {
	port := fmt.Sprintf("%d", cfg.Port)

	// Google health check probe ranges, fixed across all regions.
	_, err := compute.NewFirewall(ctx, "allow-health-check", &compute.FirewallArgs{
		Name:    pulumi.String(cfg.Fleet + "-allow-health-check"),
		Project: pulumi.String(cfg.ProjectID),
		Network: net.VPC.Name,
		Allows: compute.FirewallAllowArray{
			&compute.FirewallAllowArgs{
				Protocol: pulumi.String("tcp"),
				Ports:    pulumi.StringArray{pulumi.String(port)},
			},
		},
		SourceRanges: pulumi.StringArray{
			pulumi.String("130.211.0.0/22"),
			pulumi.String("35.191.0.0/16"),
		},
		TargetTags: pulumi.StringArray{pulumi.String(cfg.Fleet)},
	}, opts...)
	if err != nil {
		return err
	}

	// Clients reach the service port through the balancer; the probe port is
	// kept open inside the subnet too so operators can check by hand.
	_, err = compute.NewFirewall(ctx, "allow-internal", &compute.FirewallArgs{
		Name:    pulumi.String(cfg.Fleet + "-allow-internal"),
		Project: pulumi.String(cfg.ProjectID),
		Network: net.VPC.Name,
		Allows: compute.FirewallAllowArray{
			&compute.FirewallAllowArgs{
				Protocol: pulumi.String("tcp"),
				Ports:    pulumi.StringArray{pulumi.Sprintf("%d", cfg.ServicePort), pulumi.String(port)},
			},
		},
		SourceRanges: pulumi.StringArray{pulumi.String(cfg.SubnetCIDR)},
		TargetTags:   pulumi.StringArray{pulumi.String(cfg.Fleet)},
	}, opts...)
	return err
}
