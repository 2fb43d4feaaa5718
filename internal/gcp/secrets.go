package gcp

import (
	"context"
	"fmt"
	"log"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/statefleet/statefleet/internal/fleet"
)

// resolveMetadata materializes the declared metadata: plain entries merged
// with Secret Manager payloads, plus the startup script. Secret values go
// into the instance metadata, never into the template name, which hashes
// only the version references.
func (a *Adapter) resolveMetadata(ctx context.Context, spec *fleet.Spec) (map[string]string, error) {
	out := make(map[string]string, len(spec.Template.Metadata)+len(spec.Template.SecretMetadata)+1)
	for k, v := range spec.Template.Metadata {
		out[k] = v
	}
	if spec.Template.StartupScript != "" {
		out["startup-script"] = spec.Template.StartupScript
	}

	if len(spec.Template.SecretMetadata) == 0 {
		return out, nil
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	defer client.Close()

	for key, ref := range spec.Template.SecretMetadata {
		name := ref
		// Bare secret IDs resolve to the latest version in the project.
		if !strings.Contains(name, "/") {
			name = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", a.project, name)
		}
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access secret %s for metadata key %s: %w", name, key, err)
		}
		out[key] = string(result.Payload.Data)
	}
	log.Printf("[gcp] resolved %d secret metadata entries", len(spec.Template.SecretMetadata))
	return out, nil
}
