package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/statefleet/statefleet/internal/config"
	"github.com/statefleet/statefleet/internal/fleet"
	"github.com/statefleet/statefleet/internal/gcp"
	"github.com/statefleet/statefleet/internal/report"
	"github.com/statefleet/statefleet/internal/tui"
	"github.com/statefleet/statefleet/infra"
)

// runServe starts the reconciler for the configured fleet, with or without
// the dashboard, and blocks until interrupted.
func runServe(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, headless bool) {
	spec, err := fleet.LoadSpec(cfg.SpecPath)
	if err != nil {
		log.Fatalf("spec error: %v", err)
	}

	stateDir, err := config.StateDir()
	if err != nil {
		log.Fatalf("state dir: %v", err)
	}

	// Stack outputs tell the reconciler which instance group to fill and
	// which CMEK key durable disks use. Missing outputs mean 'up' has not
	// run; the fleet still converges, just without LB membership.
	outs, err := infra.StackOutputs(ctx, newInfraConfig(cfg, spec), stateDir)
	if err != nil {
		log.Printf("[serve] no stack outputs (run 'statefleet up'?): %v", err)
		outs = &infra.Outputs{}
	}
	applyStackKey(spec, outs.DiskKMSKey)
	if err := gcp.CheckCMEK(ctx, spec.DataDisk.KMSKey); err != nil {
		log.Fatalf("CMEK preflight failed: %v", err)
	}

	adapter := gcp.NewAdapter(cfg.ProjectID, cfg.Region, cfg.Zone, outs.InstanceGroup, spec.DataDisk.DeviceName)
	defer adapter.Close()

	rec := fleet.New(adapter, spec)
	reporter := report.New(cfg.ProjectID, spec.Name)

	if headless {
		runHeadless(ctx, cancel, cfg, rec, reporter, outs.DiskKMSKey)
		return
	}

	prog := tui.NewProgram(cfg.ProjectID, cfg.Region, cfg.Zone)

	// Start TUI in a goroutine; Run() blocks and must be running before
	// any Send() calls (bubbletea's msg channel is nil until Run starts).
	tuiDone := make(chan error, 1)
	go func() {
		tuiDone <- prog.Start()
	}()
	prog.WaitReady()

	logWriter := prog.LogWriter()
	log.SetOutput(logWriter)
	log.SetFlags(log.Ltime)
	defer func() {
		logWriter.Close()
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	}()

	log.Printf("[serve] project=%s zone=%s fleet=%s size=%d",
		cfg.ProjectID, cfg.Zone, spec.Name, spec.Size)

	recCtx, recCancel := context.WithCancel(ctx)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if err := rec.Run(recCtx); err != nil && recCtx.Err() == nil {
			prog.Done(fmt.Errorf("reconciler stopped: %w", err))
		}
	}()
	go reporter.Run(recCtx)

	// Dashboard actions map straight onto reconciler operations.
	go func() {
		for {
			select {
			case <-recCtx.Done():
				return
			case a := <-prog.Actions():
				switch a.Kind {
				case tui.ActionRollingUpdate:
					rec.TriggerRollingUpdate()
				case tui.ActionRecreateSlot:
					rec.RecreateSlot(a.Slot)
				case tui.ActionReloadSpec:
					reloadSpec(recCtx, cfg, rec, outs.DiskKMSKey)
				}
			}
		}
	}()

	// Reconciler events go to the event log and kick a fresh snapshot out.
	go func() {
		for {
			select {
			case <-recCtx.Done():
				return
			case e := <-rec.Events():
				prog.SendEvent(e)
				snap := rec.Snapshot()
				prog.SendSnapshot(snap)
				reporter.Publish(snap)
			}
		}
	}()

	go pollLoop(recCtx, rec, prog, reporter)
	go watchSpec(recCtx, cfg, rec, outs.DiskKMSKey)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	shutdown := sync.OnceFunc(func() {
		recCancel()
		// Wait for in-flight per-slot operations so a half-done substitute
		// is not abandoned mid-swap.
		select {
		case <-recDone:
		case <-time.After(2 * time.Minute):
			log.Printf("[serve] timed out waiting for in-flight slot operations")
		}
		cancel()
	})

	go func() {
		<-sigCh
		shutdown()
		prog.Quit()
	}()

	if err := <-tuiDone; err != nil {
		fmt.Fprintf(os.Stderr, "[tui] error: %v\n", err)
	}
	if exitErr := prog.ExitError(); exitErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr)
	}
	shutdown()
}

// runHeadless is the dashboard-free serve loop for systemd and containers.
func runHeadless(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, rec *fleet.Reconciler, reporter *report.Reporter, diskKMSKey string) {
	spec := rec.Spec()
	log.Printf("[serve] headless: project=%s zone=%s fleet=%s size=%d",
		cfg.ProjectID, cfg.Zone, spec.Name, spec.Size)

	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		_ = rec.Run(ctx)
	}()
	go reporter.Run(ctx)
	go watchSpec(ctx, cfg, rec, diskKMSKey)

	// Events still drive the Firestore reporter without a dashboard.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-rec.Events():
				log.Printf("[serve] %s", e.Msg)
				reporter.Publish(rec.Snapshot())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[serve] shutting down, waiting for in-flight slot operations...")
	cancel()
	select {
	case <-recDone:
	case <-time.After(2 * time.Minute):
		log.Printf("[serve] timed out waiting for in-flight slot operations")
	}
}

// pollLoop refreshes the dashboard and the reporter every 5 seconds.
func pollLoop(ctx context.Context, rec *fleet.Reconciler, prog *tui.Program, reporter *report.Reporter) {
	send := func() {
		snap := rec.Snapshot()
		prog.SendSnapshot(snap)
		reporter.Publish(snap)
	}
	send()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// watchSpec polls the spec file and applies edits as superseding declared
// state. In-flight slot operations finish against the spec they started
// with; everything not yet started re-plans.
func watchSpec(ctx context.Context, cfg *config.Config, rec *fleet.Reconciler, diskKMSKey string) {
	var lastMod time.Time
	if fi, err := os.Stat(cfg.SpecPath); err == nil {
		lastMod = fi.ModTime()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fi, err := os.Stat(cfg.SpecPath)
			if err != nil || !fi.ModTime().After(lastMod) {
				continue
			}
			lastMod = fi.ModTime()
			reloadSpec(ctx, cfg, rec, diskKMSKey)
		}
	}
}

// applyStackKey fills the durable-disk CMEK key from the stack output when
// the spec does not pin one. A spec-pinned key always wins.
func applyStackKey(spec *fleet.Spec, key string) {
	if spec.DataDisk.KMSKey == "" && key != "" {
		spec.DataDisk.KMSKey = key
	}
}

// reloadSpec applies an edited spec as superseding declared state. The
// reloaded spec goes through the same CMEK wiring and preflight as startup;
// a spec that fails the preflight is rejected and the previous spec stays in
// force, so new durable disks never lose customer-managed encryption.
func reloadSpec(ctx context.Context, cfg *config.Config, rec *fleet.Reconciler, diskKMSKey string) {
	spec, err := fleet.LoadSpec(cfg.SpecPath)
	if err != nil {
		log.Printf("[serve] spec reload rejected: %v", err)
		return
	}
	applyStackKey(spec, diskKMSKey)
	if err := gcp.CheckCMEK(ctx, spec.DataDisk.KMSKey); err != nil {
		log.Printf("[serve] spec reload rejected, CMEK preflight failed: %v", err)
		return
	}
	old := rec.Spec()
	if spec.Size < old.Size {
		log.Printf("[serve] scaling down %d -> %d; durable disks for slots %d-%d are kept",
			old.Size, spec.Size, spec.Size+1, old.Size)
	}
	log.Printf("[serve] spec reloaded from %s", cfg.SpecPath)
	rec.SetSpec(spec)
}
