package fleet

import (
	"context"
	"log"
	"strings"
)

// gcTemplates deletes template versions that are no longer the target and
// no longer referenced by any instance. Old versions must be retained while
// referenced because instances point at them by identity; once unreferenced
// they are garbage. Runs only from a quiesced pass.
func (r *Reconciler) gcTemplates(ctx context.Context, spec *Spec, current string, instances []Instance) {
	prefix := spec.Name + "-tmpl-"
	versions, err := r.api.ListTemplates(ctx, prefix)
	if err != nil {
		log.Printf("[fleet] template gc: list failed: %v", err)
		return
	}

	referenced := make(map[string]bool, len(instances))
	for _, inst := range instances {
		referenced[inst.Template] = true
	}

	for _, v := range versions {
		if v == current || referenced[v] || !strings.HasPrefix(v, prefix) {
			continue
		}
		if err := r.api.DeleteTemplate(ctx, v); err != nil {
			log.Printf("[fleet] template gc: delete %s failed: %v", v, err)
			continue
		}
		log.Printf("[fleet] template gc: deleted superseded version %s", v)
	}
}
