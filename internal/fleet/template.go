package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version derives the immutable template version name for a spec. The name
// embeds a content hash, so any change to the template yields a new version
// and old versions are never mutated.
func (s *Spec) Version() string {
	return fmt.Sprintf("%s-tmpl-%s", s.Name, s.Template.hash())
}

// hash returns a short hex digest over the canonical JSON form of the
// template. JSON (not YAML) so map keys are sorted deterministically.
func (t *TemplateSpec) hash() string {
	b, err := json.Marshal(t)
	if err != nil {
		// TemplateSpec contains only marshalable fields.
		panic(fmt.Sprintf("marshal template spec: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:4])
}

// DiffKind classifies how two template versions differ, which decides the
// least disruptive action needed to converge an instance.
type DiffKind int

const (
	// DiffNone means the instance already matches the declared template.
	DiffNone DiffKind = iota
	// DiffRefresh means only metadata differs; the instance can be updated
	// in place when minimal_action allows refresh.
	DiffRefresh
	// DiffReplace means the instance must be replaced.
	DiffReplace
)

// Diff compares an old template to the desired one.
func Diff(old, desired *TemplateSpec) DiffKind {
	if old == nil {
		return DiffReplace
	}
	if old.hash() == desired.hash() {
		return DiffNone
	}

	// Strip metadata and compare the rest: if the remainder matches, the
	// change is metadata-only.
	o, d := *old, *desired
	o.Metadata, d.Metadata = nil, nil
	o.SecretMetadata, d.SecretMetadata = nil, nil
	if o.hash() == d.hash() {
		return DiffRefresh
	}
	return DiffReplace
}
