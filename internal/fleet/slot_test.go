package fleet

import "testing"

func TestNaming(t *testing.T) {
	if got := SlotName("web", 7); got != "web-007" {
		t.Errorf("SlotName = %q, want web-007", got)
	}
	if got := GenName("web", 7, 0); got != "web-007" {
		t.Errorf("GenName gen 0 = %q, want web-007", got)
	}
	if got := GenName("web", 7, 3); got != "web-007-g3" {
		t.Errorf("GenName gen 3 = %q, want web-007-g3", got)
	}
	if got := DiskName("web", 7); got != "web-data-007" {
		t.Errorf("DiskName = %q, want web-data-007", got)
	}
}

func TestParseInstanceName(t *testing.T) {
	tests := []struct {
		fleet string
		name  string
		slot  int
		gen   int
		ok    bool
	}{
		{"web", "web-001", 1, 0, true},
		{"web", "web-042", 42, 0, true},
		{"web", "web-003-g2", 3, 2, true},
		{"web", "web-003-g12", 3, 12, true},
		{"web", "web-1000", 1000, 0, true},
		{"web", "web-1000-g2", 1000, 2, true},
		{"db-primary", "db-primary-001", 1, 0, true},
		{"web", "other-001", 0, 0, false},
		{"web", "web-bastion", 0, 0, false},
		{"web", "web-1", 0, 0, false},
		{"web", "web-000", 0, 0, false},
		{"web", "web", 0, 0, false},
		{"web", "", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, gen, ok := ParseInstanceName(tt.fleet, tt.name)
			if ok != tt.ok || slot != tt.slot || gen != tt.gen {
				t.Errorf("ParseInstanceName(%q, %q) = (%d, %d, %v), want (%d, %d, %v)",
					tt.fleet, tt.name, slot, gen, ok, tt.slot, tt.gen, tt.ok)
			}
		})
	}
}

func TestNamingRoundTrips(t *testing.T) {
	// Slot indexes past 999 outgrow the zero padding and must still parse.
	for _, slot := range []int{1, 2, 5, 999, 1000, 4321} {
		for gen := 0; gen <= 3; gen++ {
			name := GenName("web", slot, gen)
			gotSlot, gotGen, ok := ParseInstanceName("web", name)
			if !ok || gotSlot != slot || gotGen != gen {
				t.Errorf("round trip %q = (%d, %d, %v), want (%d, %d, true)",
					name, gotSlot, gotGen, ok, slot, gen)
			}
		}
	}
}
