package infra

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optrefresh"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"
)

const projectName = "statefleet"

// Outputs are the stack outputs the serve loop needs at runtime.
type Outputs struct {
	LBAddress     string
	InstanceGroup string
	DiskKMSKey    string
}

func getOrCreateStack(ctx context.Context, cfg *InfraConfig, stateDir string) (auto.Stack, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create state dir: %w", err)
	}

	backendURL := "file://" + stateDir

	project := workspace.Project{
		Name:    tokens.PackageName(projectName),
		Runtime: workspace.NewProjectRuntimeInfo("go", nil),
		Backend: &workspace.ProjectBackend{URL: backendURL},
	}

	envVars := map[string]string{
		"PULUMI_CONFIG_PASSPHRASE": "", // no encryption for local state
	}

	// One stack per fleet so two fleets in the same project never fight
	// over state.
	s, err := auto.UpsertStackInlineSource(ctx, cfg.Fleet, projectName,
		DefineInfrastructure(cfg),
		auto.EnvVars(envVars),
		auto.Project(project),
	)
	if err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create/select stack: %w", err)
	}

	s.SetConfig(ctx, "gcp:project", auto.ConfigValue{Value: cfg.ProjectID})
	s.SetConfig(ctx, "gcp:region", auto.ConfigValue{Value: cfg.Region})

	return s, nil
}

func refreshStack(ctx context.Context, s auto.Stack) {
	info, err := s.Info(ctx)
	if err != nil || info.ResourceCount == nil || *info.ResourceCount == 0 {
		return
	}
	log.Printf("[infra] refreshing state from cloud (%d resources)...", *info.ResourceCount)
	if _, err := s.Refresh(ctx, optrefresh.ProgressStreams(os.Stdout)); err != nil {
		log.Printf("[infra] refresh warning: %v", err)
	}
}

// Up provisions or reconciles infrastructure.
func Up(ctx context.Context, cfg *InfraConfig, stateDir string) error {
	s, err := getOrCreateStack(ctx, cfg, stateDir)
	if err != nil {
		return err
	}

	refreshStack(ctx, s)

	log.Printf("[infra] running up...")
	result, err := s.Up(ctx, optup.ProgressStreams(os.Stdout))
	if err != nil {
		return fmt.Errorf("pulumi up failed: %w", err)
	}

	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		log.Printf("[infra] up complete: %d created, %d updated, %d unchanged",
			rc["create"], rc["update"], rc["same"])
	} else {
		log.Printf("[infra] up complete")
	}

	return nil
}

// Down destroys all infrastructure. Durable data disks are not part of the
// stack and survive a destroy; they have to be removed by hand.
func Down(ctx context.Context, cfg *InfraConfig, stateDir string) error {
	s, err := getOrCreateStack(ctx, cfg, stateDir)
	if err != nil {
		return err
	}

	refreshStack(ctx, s)

	log.Printf("[infra] destroying infrastructure...")
	result, err := s.Destroy(ctx, optdestroy.ProgressStreams(os.Stdout))
	if err != nil {
		return fmt.Errorf("pulumi destroy failed: %w", err)
	}

	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		log.Printf("[infra] destroy complete: %d deleted", rc["delete"])
	} else {
		log.Printf("[infra] destroy complete")
	}

	stateFiles, _ := filepath.Glob(filepath.Join(stateDir, "*"))
	for _, f := range stateFiles {
		os.RemoveAll(f)
	}

	return nil
}

// Preview shows what would change without applying.
func Preview(ctx context.Context, cfg *InfraConfig, stateDir string) error {
	s, err := getOrCreateStack(ctx, cfg, stateDir)
	if err != nil {
		return err
	}

	refreshStack(ctx, s)

	log.Printf("[infra] previewing changes...")
	result, err := s.Preview(ctx)
	if err != nil {
		return fmt.Errorf("pulumi preview failed: %w", err)
	}

	log.Printf("[infra] preview: %d to create, %d to update, %d to delete, %d unchanged",
		result.ChangeSummary["create"],
		result.ChangeSummary["update"],
		result.ChangeSummary["delete"],
		result.ChangeSummary["same"])

	return nil
}

// StackOutputs reads the current stack outputs without mutating anything.
func StackOutputs(ctx context.Context, cfg *InfraConfig, stateDir string) (*Outputs, error) {
	s, err := getOrCreateStack(ctx, cfg, stateDir)
	if err != nil {
		return nil, err
	}

	outs, err := s.Outputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack outputs: %w", err)
	}

	get := func(key string) string {
		if v, ok := outs[key]; ok {
			if str, ok := v.Value.(string); ok {
				return str
			}
		}
		return ""
	}
	return &Outputs{
		LBAddress:     get("lbAddress"),
		InstanceGroup: get("instanceGroup"),
		DiskKMSKey:    get("diskKmsKey"),
	}, nil
}
