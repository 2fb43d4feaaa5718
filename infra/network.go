package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/servicenetworking"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

func provisionNetwork(ctx *pulumi.Context, cfg *InfraConfig, opts ...pulumi.ResourceOption) (*NetworkResult, error) {
	vpc, err := compute.NewNetwork(ctx, "vpc", &compute.NetworkArgs{
		Name:                  pulumi.String(cfg.Network),
		Project:               pulumi.String(cfg.ProjectID),
		AutoCreateSubnetworks: pulumi.Bool(false),
	}, opts...)
	if err != nil {
		return nil, err
	}

	subnet, err := compute.NewSubnetwork(ctx, "subnet", &compute.SubnetworkArgs{
		Name:                  pulumi.String(cfg.Subnet),
		IpCidrRange:           pulumi.String(cfg.SubnetCIDR),
		Region:                pulumi.String(cfg.Region),
		Network:               vpc.ID(),
		Project:               pulumi.String(cfg.ProjectID),
		PrivateIpGoogleAccess: pulumi.Bool(true),
	}, opts...)
	if err != nil {
		return nil, err
	}

	// Private service access: reserve a range and peer the VPC with
	// Google-managed service producers so instances reach managed services
	// without public IPs.
	psaRange, err := compute.NewGlobalAddress(ctx, "psa-range", &compute.GlobalAddressArgs{
		Name:         pulumi.String(cfg.Network + "-psa"),
		Project:      pulumi.String(cfg.ProjectID),
		Purpose:      pulumi.String("VPC_PEERING"),
		AddressType:  pulumi.String("INTERNAL"),
		PrefixLength: pulumi.Int(16),
		Network:      vpc.ID(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	psaConn, err := servicenetworking.NewConnection(ctx, "psa-connection", &servicenetworking.ConnectionArgs{
		Network:               vpc.ID(),
		Service:               pulumi.String("servicenetworking.googleapis.com"),
		ReservedPeeringRanges: pulumi.StringArray{psaRange.Name},
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &NetworkResult{VPC: vpc, Subnet: subnet, PSARange: psaRange, PSAConn: psaConn}, nil
}
