package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/statefleet/statefleet/internal/config"
	"github.com/statefleet/statefleet/internal/fleet"
	"github.com/statefleet/statefleet/internal/gcp"
)

// runStatus prints a one-shot view of the fleet without starting the
// reconciler: one row per slot, plus anything running that maps to no slot.
func runStatus(ctx context.Context, cfg *config.Config, spec *fleet.Spec) error {
	adapter := gcp.NewAdapter(cfg.ProjectID, cfg.Region, cfg.Zone, "", spec.DataDisk.DeviceName)
	defer adapter.Close()

	instances, err := adapter.ListInstances(ctx, spec.Name+"-")
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	version := spec.Version()
	bySlot := map[int]fleet.Instance{}
	var foreign []fleet.Instance
	for _, inst := range instances {
		slot, _, ok := fleet.ParseInstanceName(spec.Name, inst.Name)
		if !ok {
			foreign = append(foreign, inst)
			continue
		}
		bySlot[slot] = inst
	}

	fmt.Printf("fleet %s  project %s  zone %s  template %s\n\n",
		spec.Name, cfg.ProjectID, cfg.Zone, version)
	fmt.Printf("%-5s %-20s %-13s %-15s %s\n", "SLOT", "INSTANCE", "STATUS", "IP", "TEMPLATE")

	converged := true
	for slot := 1; slot <= spec.Size; slot++ {
		inst, ok := bySlot[slot]
		if !ok {
			fmt.Printf("%-5d %-20s %-13s %-15s %s\n", slot, "-", "MISSING", "-", "-")
			converged = false
			continue
		}
		tmpl := "stale"
		if inst.Template == version {
			tmpl = "current"
		}
		if inst.Status != "RUNNING" || tmpl != "current" {
			converged = false
		}
		fmt.Printf("%-5d %-20s %-13s %-15s %s\n",
			slot, inst.Name, inst.Status, orDash(inst.IP), tmpl)
	}
	for slot, inst := range bySlot {
		if slot > spec.Size {
			fmt.Printf("%-5d %-20s %-13s %-15s %s\n",
				slot, inst.Name, inst.Status, orDash(inst.IP), "excess (slot > size)")
			converged = false
		}
	}
	for _, inst := range foreign {
		fmt.Printf("%-5s %-20s %-13s %-15s %s\n",
			"-", inst.Name, inst.Status, orDash(inst.IP), "unmanaged")
	}

	if converged {
		fmt.Println("\nconverged")
	} else {
		fmt.Println("\nnot converged")
	}
	return nil
}

// runDisks lists durable data disks, including detached ones left behind by
// scale-downs. Those survive deliberately and are never deleted here.
func runDisks(ctx context.Context, cfg *config.Config, spec *fleet.Spec) error {
	adapter := gcp.NewAdapter(cfg.ProjectID, cfg.Region, cfg.Zone, "", spec.DataDisk.DeviceName)
	defer adapter.Close()

	diskPrefix := spec.Name + "-data-"
	disks, err := adapter.ListDisks(ctx, diskPrefix)
	if err != nil {
		return fmt.Errorf("failed to list disks: %w", err)
	}
	if len(disks) == 0 {
		fmt.Println("no durable data disks found")
		return nil
	}

	fmt.Printf("%-5s %-24s %-20s %s\n", "SLOT", "DISK", "ATTACHED TO", "")
	for _, d := range disks {
		slot := diskSlot(diskPrefix, d.Name)
		note := ""
		if slot > spec.Size {
			note = "retained (slot beyond current size)"
		}
		fmt.Printf("%-5s %-24s %-20s %s\n",
			slotLabel(slot), d.Name, orDash(d.AttachedTo), note)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func diskSlot(prefix, name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0
	}
	return n
}

func slotLabel(slot int) string {
	if slot == 0 {
		return "-"
	}
	return strconv.Itoa(slot)
}
