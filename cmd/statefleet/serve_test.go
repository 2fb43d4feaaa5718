package main

import (
	"testing"

	"github.com/statefleet/statefleet/internal/fleet"
)

func TestApplyStackKey(t *testing.T) {
	const stackKey = "projects/p/locations/r/keyRings/web-keyring/cryptoKeys/web-disk-key"
	const pinnedKey = "projects/p/locations/r/keyRings/other/cryptoKeys/pinned"

	tests := []struct {
		name     string
		specKey  string
		stackKey string
		want     string
	}{
		{name: "stack key fills unset spec key", specKey: "", stackKey: stackKey, want: stackKey},
		{name: "spec-pinned key wins", specKey: pinnedKey, stackKey: stackKey, want: pinnedKey},
		{name: "no key anywhere", specKey: "", stackKey: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &fleet.Spec{}
			spec.DataDisk.KMSKey = tt.specKey
			applyStackKey(spec, tt.stackKey)
			if got := spec.DataDisk.KMSKey; got != tt.want {
				t.Errorf("KMSKey = %q, want %q", got, tt.want)
			}
		})
	}
}
