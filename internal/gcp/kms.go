package gcp

import (
	"context"
	"fmt"
	"log"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// CheckCMEK verifies the customer-managed encryption key referenced by the
// fleet's durable disks before any disk is created with it. A disabled or
// wrong-purpose key would otherwise only surface mid-rollout, as per-slot
// insert failures.
func CheckCMEK(ctx context.Context, keyName string) error {
	if keyName == "" {
		return nil
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create kms client: %w", err)
	}
	defer client.Close()

	key, err := client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: keyName})
	if err != nil {
		return fmt.Errorf("failed to get kms key %s: %w", keyName, err)
	}

	if key.GetPurpose() != kmspb.CryptoKey_ENCRYPT_DECRYPT {
		return fmt.Errorf("kms key %s has purpose %s, need ENCRYPT_DECRYPT", keyName, key.GetPurpose())
	}
	primary := key.GetPrimary()
	if primary == nil || primary.GetState() != kmspb.CryptoKeyVersion_ENABLED {
		return fmt.Errorf("kms key %s has no enabled primary version", keyName)
	}

	log.Printf("[gcp] kms key %s verified (primary=%s)", keyName, primary.GetName())
	return nil
}
