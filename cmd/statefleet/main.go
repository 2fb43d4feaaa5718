// Command statefleet manages a stateful VM fleet on GCP: a declarative,
// slot-indexed group of instances with durable per-slot data disks behind an
// internal TCP load balancer. The surrounding infrastructure is provisioned
// declaratively; the fleet itself is converged by a long-running reconciler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/statefleet/statefleet/internal/config"
	"github.com/statefleet/statefleet/internal/fleet"
	"github.com/statefleet/statefleet/infra"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: statefleet [flags]
       statefleet <command> [flags]

Flags:
  -help            Display this message
  -config string   Path to statefleet.json (default ~/.config/statefleet/statefleet.json)
  -spec string     Path to the fleet spec YAML (default from config)
  -headless        Run the reconciler without the dashboard

Commands:
  configure        Create or update tool configuration interactively
  up               Provision or reconcile surrounding infrastructure
  preview          Show what 'up' would change without applying
  down             Destroy surrounding infrastructure (durable disks survive)
  status           Print current fleet state and exit
  disks            List durable data disks, including detached ones

Run 'statefleet <command> --help' for command-specific flags.
`)
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "-help") {
		usage()
		os.Exit(0)
	}
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Println("statefleet " + version)
		os.Exit(0)
	}

	// First non-flag arg is the subcommand; default to "" (serve)
	cmd := ""
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cmd {
	case "":
		fs := flag.NewFlagSet("statefleet", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		specPath := fs.String("spec", "", "Path to the fleet spec YAML")
		headless := fs.Bool("headless", false, "Run without the dashboard")
		fs.Usage = usage
		_ = fs.Parse(args)

		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config error: %v", err)
		}
		if *specPath != "" {
			cfg.SpecPath = *specPath
		}
		// Without a terminal there is nothing to draw the dashboard on.
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			*headless = true
		}
		runServe(ctx, cancel, cfg, *headless)

	case "configure":
		fs := flag.NewFlagSet("statefleet configure", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		fs.Usage = func() {
			fmt.Fprintf(os.Stderr, "Usage: statefleet configure [flags]\n\nCreate or update tool configuration interactively.\n\nFlags:\n")
			fs.PrintDefaults()
		}
		_ = fs.Parse(args)
		runConfigure(*configPath)

	case "up", "preview":
		fs := flag.NewFlagSet("statefleet "+cmd, flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		_ = fs.Parse(args)
		cfg, spec := mustLoad(*configPath)
		stateDir, err := config.StateDir()
		if err != nil {
			log.Fatalf("state dir: %v", err)
		}
		icfg := newInfraConfig(cfg, spec)
		if cmd == "preview" {
			if err := infra.Preview(ctx, icfg, stateDir); err != nil {
				log.Fatalf("preview failed: %v", err)
			}
			return
		}
		if err := infra.Up(ctx, icfg, stateDir); err != nil {
			log.Fatalf("up failed: %v", err)
		}

	case "down":
		fs := flag.NewFlagSet("statefleet down", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		yes := fs.Bool("yes", false, "Skip the confirmation prompt")
		_ = fs.Parse(args)
		cfg, spec := mustLoad(*configPath)
		if !*yes && !confirmDestroy(spec.Name) {
			fmt.Fprintln(os.Stderr, "aborted")
			os.Exit(1)
		}
		stateDir, err := config.StateDir()
		if err != nil {
			log.Fatalf("state dir: %v", err)
		}
		if err := infra.Down(ctx, newInfraConfig(cfg, spec), stateDir); err != nil {
			log.Fatalf("down failed: %v", err)
		}
		fmt.Println("Infrastructure destroyed. Durable data disks were kept; delete them manually if no longer needed.")

	case "status":
		fs := flag.NewFlagSet("statefleet status", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		_ = fs.Parse(args)
		cfg, spec := mustLoad(*configPath)
		if err := runStatus(ctx, cfg, spec); err != nil {
			log.Fatalf("status failed: %v", err)
		}

	case "disks":
		fs := flag.NewFlagSet("statefleet disks", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to statefleet.json")
		_ = fs.Parse(args)
		cfg, spec := mustLoad(*configPath)
		if err := runDisks(ctx, cfg, spec); err != nil {
			log.Fatalf("disks failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// ── configure ────────────────────────────────────────────────────

func runConfigure(configPath string) {
	cfg := config.LoadIfExists(configPath)
	if cfg == nil {
		cfg = &config.Config{}
	}

	if cfg.ProjectID == "" {
		if p := config.InferProjectID(); p != "" {
			cfg.ProjectID = p
		}
	}

	fmt.Println("statefleet configuration:")
	cfg.ProjectID = config.PromptString("GCP project ID", cfg.ProjectID)
	cfg.Region = config.PromptString("Region", orDefault(cfg.Region, "europe-west1"))
	cfg.Zone = config.PromptString("Zone", orDefault(cfg.Zone, cfg.Region+"-b"))
	cfg.SpecPath = config.PromptString("Fleet spec path", orDefault(cfg.SpecPath, "fleet.yaml"))
	cfg.Network = config.PromptString("VPC network", orDefault(cfg.Network, "statefleet"))
	cfg.Subnet = config.PromptString("Subnet", orDefault(cfg.Subnet, "statefleet-subnet"))
	cfg.SubnetCIDR = config.PromptString("Subnet CIDR", orDefault(cfg.SubnetCIDR, "10.20.0.0/24"))
	cfg.Domain = config.PromptString("Private DNS domain (blank to disable)", cfg.Domain)
	cfg.ApplyDefaults()

	if cfg.ProjectID == "" {
		log.Fatalf("project_id is required")
	}
	if err := cfg.Save(configPath); err != nil {
		log.Fatalf("failed to save config: %v", err)
	}
	fmt.Println("Configuration saved.")
}

// ── helpers ──────────────────────────────────────────────────────

func mustLoad(configPath string) (*config.Config, *fleet.Spec) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	spec, err := fleet.LoadSpec(cfg.SpecPath)
	if err != nil {
		log.Fatalf("spec error: %v", err)
	}
	return cfg, spec
}

func newInfraConfig(cfg *config.Config, spec *fleet.Spec) *infra.InfraConfig {
	hostname := ""
	if cfg.Domain != "" {
		hostname = spec.Name + "." + cfg.Domain
	}
	return &infra.InfraConfig{
		ProjectID:          cfg.ProjectID,
		Region:             cfg.Region,
		Zone:               cfg.Zone,
		Fleet:              spec.Name,
		Network:            cfg.Network,
		Subnet:             cfg.Subnet,
		SubnetCIDR:         cfg.SubnetCIDR,
		ServicePort:        spec.ServicePort,
		Port:               spec.AutoHeal.Port,
		CheckIntervalSec:   int(spec.AutoHeal.Interval.Seconds()),
		CheckTimeoutSec:    int(spec.AutoHeal.Timeout.Seconds()),
		UnhealthyThreshold: spec.AutoHeal.UnhealthyThreshold,
		HealthyThreshold:   spec.AutoHeal.HealthyThreshold,
		Domain:             cfg.Domain,
		Hostname:           hostname,
		DisableKMS:         cfg.DisableKMS,
	}
}

// confirmDestroy asks for the fleet name back before destroying. Requires a
// real terminal; piping "yes" in is what the -yes flag is for.
func confirmDestroy(fleetName string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "refusing to destroy without a terminal; use -yes")
		return false
	}
	fmt.Printf("This destroys the load balancer, DNS, firewall and network for fleet %q.\n", fleetName)
	got := config.PromptString("Type the fleet name to confirm", "")
	return got == fleetName
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
