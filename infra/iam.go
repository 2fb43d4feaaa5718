package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/projects"
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/serviceaccount"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

func provisionIAM(ctx *pulumi.Context, cfg *InfraConfig) (*IAMResult, error) {
	fleetSA, err := serviceaccount.NewAccount(ctx, "fleet-sa", &serviceaccount.AccountArgs{
		AccountId:   pulumi.String(cfg.Fleet + "-vm"),
		DisplayName: pulumi.String("Fleet VM " + cfg.Fleet),
		Project:     pulumi.String(cfg.ProjectID),
	})
	if err != nil {
		return nil, err
	}

	// VM logging
	_, err = projects.NewIAMMember(ctx, "fleet-logging", &projects.IAMMemberArgs{
		Project: pulumi.String(cfg.ProjectID),
		Role:    pulumi.String("roles/logging.logWriter"),
		Member:  pulumi.Sprintf("serviceAccount:%s", fleetSA.Email),
	})
	if err != nil {
		return nil, err
	}

	// VM monitoring
	_, err = projects.NewIAMMember(ctx, "fleet-monitoring", &projects.IAMMemberArgs{
		Project: pulumi.String(cfg.ProjectID),
		Role:    pulumi.String("roles/monitoring.metricWriter"),
		Member:  pulumi.Sprintf("serviceAccount:%s", fleetSA.Email),
	})
	if err != nil {
		return nil, err
	}

	return &IAMResult{FleetSA: fleetSA}, nil
}
