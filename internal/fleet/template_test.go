package fleet

import (
	"strings"
	"testing"
)

func TestVersionIsStableAndContentAddressed(t *testing.T) {
	s := testSpec(3)
	v1 := s.Version()
	v2 := s.Version()
	if v1 != v2 {
		t.Fatalf("Version not deterministic: %q vs %q", v1, v2)
	}
	if !strings.HasPrefix(v1, "web-tmpl-") {
		t.Fatalf("Version = %q, want web-tmpl- prefix", v1)
	}

	// Any template change yields a different version.
	s.Template.MachineType = "e2-standard-4"
	if s.Version() == v1 {
		t.Fatalf("machine type change did not change the version")
	}

	// Size is not part of the template identity.
	s2 := testSpec(3)
	s2.Size = 10
	if s2.Version() != v1 {
		t.Fatalf("size change altered the template version")
	}
}

func TestVersionCoversMetadata(t *testing.T) {
	s := testSpec(1)
	v := s.Version()

	s.Template.Metadata = map[string]string{"role": "primary"}
	if s.Version() == v {
		t.Fatalf("metadata change did not change the version")
	}

	s.Template.Metadata = nil
	s.Template.SecretMetadata = map[string]string{
		"api-key": "projects/p/secrets/api-key/versions/3",
	}
	if s.Version() == v {
		t.Fatalf("secret metadata reference change did not change the version")
	}
}

func TestDiffClassification(t *testing.T) {
	base := TemplateSpec{
		MachineType: "e2-medium",
		Image:       "projects/debian-cloud/global/images/family/debian-12",
		Metadata:    map[string]string{"role": "primary"},
	}

	tests := []struct {
		name   string
		mutate func(*TemplateSpec)
		want   DiffKind
	}{
		{"identical", func(*TemplateSpec) {}, DiffNone},
		{"metadata value", func(d *TemplateSpec) {
			d.Metadata = map[string]string{"role": "replica"}
		}, DiffRefresh},
		{"metadata key added", func(d *TemplateSpec) {
			d.Metadata = map[string]string{"role": "primary", "tier": "web"}
		}, DiffRefresh},
		{"secret metadata version bump", func(d *TemplateSpec) {
			d.SecretMetadata = map[string]string{
				"api-key": "projects/p/secrets/api-key/versions/4",
			}
		}, DiffRefresh},
		{"machine type", func(d *TemplateSpec) {
			d.MachineType = "e2-standard-4"
		}, DiffReplace},
		{"image", func(d *TemplateSpec) {
			d.Image = "projects/debian-cloud/global/images/family/debian-13"
		}, DiffReplace},
		{"machine type and metadata", func(d *TemplateSpec) {
			d.MachineType = "e2-standard-4"
			d.Metadata = map[string]string{"role": "replica"}
		}, DiffReplace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := base
			tt.mutate(&desired)
			if got := Diff(&base, &desired); got != tt.want {
				t.Errorf("Diff = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Diff(nil, &base); got != DiffReplace {
		t.Errorf("Diff(nil, ...) = %v, want DiffReplace", got)
	}
}
