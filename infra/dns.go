package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/dns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// provisionDNS creates a private zone visible only inside the VPC and points
// the fleet hostname at the internal load balancer address. Clients resolve
// one stable name regardless of which slots are currently serving.
func provisionDNS(ctx *pulumi.Context, cfg *InfraConfig, net *NetworkResult, lb *LBResult, opts ...pulumi.ResourceOption) (*DNSResult, error) {
	zone, err := dns.NewManagedZone(ctx, "private-zone", &dns.ManagedZoneArgs{
		Name:       pulumi.String(cfg.Fleet + "-private"),
		Project:    pulumi.String(cfg.ProjectID),
		DnsName:    pulumi.String(cfg.Domain),
		Visibility: pulumi.String("private"),
		PrivateVisibilityConfig: &dns.ManagedZonePrivateVisibilityConfigArgs{
			Networks: dns.ManagedZonePrivateVisibilityConfigNetworkArray{
				&dns.ManagedZonePrivateVisibilityConfigNetworkArgs{
					NetworkUrl: net.VPC.ID(),
				},
			},
		},
	}, opts...)
	if err != nil {
		return nil, err
	}

	record, err := dns.NewRecordSet(ctx, "fleet-record", &dns.RecordSetArgs{
		Name:        pulumi.String(cfg.Hostname),
		Project:     pulumi.String(cfg.ProjectID),
		ManagedZone: zone.Name,
		Type:        pulumi.String("A"),
		Ttl:         pulumi.Int(300),
		Rrdatas:     pulumi.StringArray{lb.Address.Address},
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &DNSResult{Zone: zone, Record: record}, nil
}
