package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/organizations"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// DefineInfrastructure is the Pulumi program that provisions all resources.
func DefineInfrastructure(cfg *InfraConfig) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		// 1. Enable required APIs
		apis, err := provisionAPIs(ctx, cfg)
		if err != nil {
			return err
		}

		// Get project number for IAM member formatting
		project, err := organizations.LookupProject(ctx, &organizations.LookupProjectArgs{
			ProjectId: &cfg.ProjectID,
		})
		if err != nil {
			return err
		}
		projectNumber := pulumi.String(project.Number).ToStringOutput()

		// 2. Network (VPC, subnet, private service access peering)
		net, err := provisionNetwork(ctx, cfg,
			pulumi.DependsOn([]pulumi.Resource{apis.Compute, apis.ServiceNetworking}))
		if err != nil {
			return err
		}

		// 3. Firewall (health check probes + internal clients)
		if err := provisionFirewall(ctx, cfg, net); err != nil {
			return err
		}

		// 4. Load balancer chain (group, address, health check, backend, rule)
		lb, err := provisionLB(ctx, cfg, net)
		if err != nil {
			return err
		}

		// 5. Private DNS (optional)
		if cfg.Domain != "" {
			if _, err := provisionDNS(ctx, cfg, net, lb,
				pulumi.DependsOn([]pulumi.Resource{apis.DNS})); err != nil {
				return err
			}
		}

		// 6. KMS for durable disk CMEK (optional)
		if !cfg.DisableKMS {
			kmsResult, err := provisionKMS(ctx, cfg, projectNumber,
				pulumi.DependsOn([]pulumi.Resource{apis.CloudKMS}))
			if err != nil {
				return err
			}
			ctx.Export("diskKmsKey", kmsResult.CryptoKey.ID())
		}

		// 7. IAM (fleet VM SA + project-level roles)
		iamResult, err := provisionIAM(ctx, cfg)
		if err != nil {
			return err
		}

		ctx.Export("lbAddress", lb.Address.Address)
		ctx.Export("instanceGroup", lb.Group.Name)
		ctx.Export("fleetServiceAccount", iamResult.FleetSA.Email)
		return nil
	}
}
