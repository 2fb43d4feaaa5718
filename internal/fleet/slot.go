package fleet

import (
	"fmt"
	"regexp"
	"strconv"
)

// Instance names are "<fleet>-<slot>" with an optional generation suffix
// appended by SUBSTITUTE replacements, e.g. "web-003" or "web-003-g2".
// The durable disk name depends only on the slot, never on the generation,
// which is what pins the disk to the slot across replacements. Slot indexes
// are zero-padded to three digits and grow wider past 999.
var instanceNameRe = regexp.MustCompile(`^(.+)-(\d{3,})(?:-g(\d+))$|^(.+)-(\d{3,})$`)

// SlotName returns the base instance name for slot i (1-based).
func SlotName(fleet string, slot int) string {
	return fmt.Sprintf("%s-%03d", fleet, slot)
}

// GenName returns the instance name for slot i at generation gen. Generation
// zero is the bare slot name.
func GenName(fleet string, slot, gen int) string {
	if gen == 0 {
		return SlotName(fleet, slot)
	}
	return fmt.Sprintf("%s-%03d-g%d", fleet, slot, gen)
}

// DiskName returns the durable data disk name for slot i. Stable across
// every instance ever created to fill the slot.
func DiskName(fleet string, slot int) string {
	return fmt.Sprintf("%s-data-%03d", fleet, slot)
}

// ParseInstanceName extracts slot index and generation from an instance
// name. Returns ok=false for names that do not belong to the fleet.
func ParseInstanceName(fleet, name string) (slot, gen int, ok bool) {
	m := instanceNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	base, slotStr, genStr := m[1], m[2], m[3]
	if base == "" {
		base, slotStr = m[4], m[5]
	}
	if base != fleet {
		return 0, 0, false
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 1 {
		return 0, 0, false
	}
	if genStr != "" {
		gen, err = strconv.Atoi(genStr)
		if err != nil {
			return 0, 0, false
		}
	}
	return slot, gen, true
}
