// Package infra provisions the single-region footprint around a fleet: VPC
// and subnet, private service access peering, internal TCP load balancer over
// an unmanaged instance group, provider-side health check, firewall rules,
// private DNS, the fleet service account, and an optional CMEK key for
// durable disks. The per-slot instances themselves are owned by the
// reconciler, not by this program.
package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/dns"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/kms"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/serviceaccount"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/servicenetworking"
)

// InfraConfig holds all parameters needed to provision infrastructure.
type InfraConfig struct {
	ProjectID  string
	Region     string
	Zone       string
	Fleet      string // fleet name, prefixes every resource
	Network    string
	Subnet     string
	SubnetCIDR string
	// ServicePort is the TCP port the forwarding rule exposes to clients.
	ServicePort int
	// Port is the TCP port the health check probes.
	Port int
	// HealthCheck timing, mirrored from the fleet's auto-heal policy so the
	// provider and the reconciler agree on what unhealthy means.
	CheckIntervalSec   int
	CheckTimeoutSec    int
	UnhealthyThreshold int
	HealthyThreshold   int
	// Domain is the private DNS domain, e.g. "db.internal." (trailing dot).
	// Empty disables DNS.
	Domain string
	// Hostname is the record name inside Domain, e.g. "fleet.db.internal.".
	Hostname string
	// DisableKMS skips the CMEK keyring; durable disks use Google-managed
	// encryption.
	DisableKMS bool
}

// GroupName is the unmanaged instance group created for the fleet. The
// reconciler adds instances to it as it creates them.
func (c *InfraConfig) GroupName() string {
	return c.Fleet + "-group"
}

// NetworkResult holds provisioned network resources.
type NetworkResult struct {
	VPC      *compute.Network
	Subnet   *compute.Subnetwork
	PSARange *compute.GlobalAddress
	PSAConn  *servicenetworking.Connection
}

// LBResult holds the internal load balancer chain.
type LBResult struct {
	Group       *compute.InstanceGroup
	Address     *compute.Address
	HealthCheck *compute.RegionHealthCheck
	Backend     *compute.RegionBackendService
	Rule        *compute.ForwardingRule
}

// DNSResult holds the private zone and the fleet record.
type DNSResult struct {
	Zone   *dns.ManagedZone
	Record *dns.RecordSet
}

// KMSResult holds provisioned KMS resources.
type KMSResult struct {
	KeyRing   *kms.KeyRing
	CryptoKey *kms.CryptoKey
}

// IAMResult holds provisioned IAM resources.
type IAMResult struct {
	FleetSA *serviceaccount.Account
}
