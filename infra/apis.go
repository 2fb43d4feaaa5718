package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/projects"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// APIsResult holds API enablement resources for dependency wiring.
type APIsResult struct {
	Compute           *projects.Service
	DNS               *projects.Service
	SecretManager     *projects.Service
	ServiceNetworking *projects.Service
	CloudKMS          *projects.Service // nil when DisableKMS
}

func provisionAPIs(ctx *pulumi.Context, cfg *InfraConfig) (*APIsResult, error) {
	result := &APIsResult{}

	computeAPI, err := projects.NewService(ctx, "api-compute", &projects.ServiceArgs{
		Project:          pulumi.String(cfg.ProjectID),
		Service:          pulumi.String("compute.googleapis.com"),
		DisableOnDestroy: pulumi.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	result.Compute = computeAPI

	dnsAPI, err := projects.NewService(ctx, "api-dns", &projects.ServiceArgs{
		Project:          pulumi.String(cfg.ProjectID),
		Service:          pulumi.String("dns.googleapis.com"),
		DisableOnDestroy: pulumi.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	result.DNS = dnsAPI

	smAPI, err := projects.NewService(ctx, "api-secretmanager", &projects.ServiceArgs{
		Project:          pulumi.String(cfg.ProjectID),
		Service:          pulumi.String("secretmanager.googleapis.com"),
		DisableOnDestroy: pulumi.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	result.SecretManager = smAPI

	snAPI, err := projects.NewService(ctx, "api-servicenetworking", &projects.ServiceArgs{
		Project:          pulumi.String(cfg.ProjectID),
		Service:          pulumi.String("servicenetworking.googleapis.com"),
		DisableOnDestroy: pulumi.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	result.ServiceNetworking = snAPI

	if !cfg.DisableKMS {
		kmsAPI, err := projects.NewService(ctx, "api-cloudkms", &projects.ServiceArgs{
			Project:          pulumi.String(cfg.ProjectID),
			Service:          pulumi.String("cloudkms.googleapis.com"),
			DisableOnDestroy: pulumi.Bool(false),
		})
		if err != nil {
			return nil, err
		}
		result.CloudKMS = kmsAPI
	}

	return result, nil
}
