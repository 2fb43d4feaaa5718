package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/kms"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// provisionKMS creates the CMEK key durable disks are encrypted with. The
// compute service agent needs encrypt/decrypt on the key or disk creation
// fails at insert time.
func provisionKMS(ctx *pulumi.Context, cfg *InfraConfig, projectNumber pulumi.StringOutput, opts ...pulumi.ResourceOption) (*KMSResult, error) {
	keyRing, err := kms.NewKeyRing(ctx, "keyring", &kms.KeyRingArgs{
		Name:     pulumi.String(cfg.Fleet + "-keyring"),
		Location: pulumi.String(cfg.Region),
		Project:  pulumi.String(cfg.ProjectID),
	}, opts...)
	if err != nil {
		return nil, err
	}

	cryptoKey, err := kms.NewCryptoKey(ctx, "disk-key", &kms.CryptoKeyArgs{
		Name:           pulumi.String(cfg.Fleet + "-disk-key"),
		KeyRing:        keyRing.ID(),
		RotationPeriod: pulumi.String("7776000s"), // 90 days
		Purpose:        pulumi.String("ENCRYPT_DECRYPT"),
		VersionTemplate: &kms.CryptoKeyVersionTemplateArgs{
			Algorithm: pulumi.String("GOOGLE_SYMMETRIC_ENCRYPTION"),
		},
	}, opts...)
	if err != nil {
		return nil, err
	}

	_, err = kms.NewCryptoKeyIAMMember(ctx, "kms-compute-iam", &kms.CryptoKeyIAMMemberArgs{
		CryptoKeyId: cryptoKey.ID(),
		Role:        pulumi.String("roles/cloudkms.cryptoKeyEncrypterDecrypter"),
		Member: projectNumber.ApplyT(func(num string) string {
			return fmt.Sprintf("serviceAccount:service-%s@compute-system.iam.gserviceaccount.com", num)
		}).(pulumi.StringOutput),
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &KMSResult{KeyRing: keyRing, CryptoKey: cryptoKey}, nil
}
