package fleet

import (
	"fmt"
	"sort"
)

// ActionKind enumerates the per-slot operations a reconcile pass can start.
type ActionKind int

const (
	// ActionCreate fills an empty slot (scale-up or first convergence).
	ActionCreate ActionKind = iota
	// ActionDelete removes an excess slot's instance (scale-down). The
	// durable disk is left detached, never deleted.
	ActionDelete
	// ActionHeal deletes and recreates an unhealthy instance in place.
	ActionHeal
	// ActionReplace swaps an out-of-date instance per the replacement
	// method.
	ActionReplace
	// ActionRefreshMeta updates instance metadata in place for
	// metadata-only template changes under minimal_action=refresh.
	ActionRefreshMeta
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	case ActionHeal:
		return "heal"
	case ActionReplace:
		return "replace"
	case ActionRefreshMeta:
		return "refresh"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one planned per-slot operation.
type Action struct {
	Kind     ActionKind
	Slot     int
	Instance string // current occupant, empty for creates
	Gen      int    // current occupant's generation
	Reason   string
}

// PlanInput is everything a reconcile pass observes before planning.
type PlanInput struct {
	Spec          *Spec
	TargetVersion string
	Instances     []Instance
	InFlight      map[int]bool // slots with an operation already running
	NeedsHeal     func(name string) bool
	RollingUpdate bool // an explicit rolling-update trigger is pending
	// DiffFor classifies the difference between the slot occupant's
	// template version and the target. Unknown versions classify as
	// DiffReplace.
	DiffFor func(version string) DiffKind
}

// Plan computes the per-slot actions needed to converge observed state to
// the spec. Budget admission happens later; the plan itself is unbounded
// but ordered: heals first, then scale-down (highest slots first), then
// scale-up (lowest first), then template convergence.
func Plan(in PlanInput) []Action {
	spec := in.Spec
	bySlot := make(map[int]Instance)
	// Two instances in one slot happens mid-substitution, or after a crash
	// left both generations behind. Keep the newest generation as the slot
	// occupant; the older ones are superseded and get deleted (a live
	// substitution's slot is in flight, so its delete is skipped below).
	var superseded []Instance
	for _, inst := range in.Instances {
		slot, gen, ok := ParseInstanceName(spec.Name, inst.Name)
		if !ok {
			continue
		}
		if cur, dup := bySlot[slot]; dup {
			if _, curGen, _ := ParseInstanceName(spec.Name, cur.Name); gen < curGen {
				superseded = append(superseded, inst)
				continue
			}
			superseded = append(superseded, cur)
		}
		bySlot[slot] = inst
	}

	var actions []Action
	add := func(a Action) {
		if in.InFlight[a.Slot] {
			return
		}
		actions = append(actions, a)
	}

	// Heals are independent of the rollout and go first.
	for slot, inst := range bySlot {
		if slot <= spec.Size && in.NeedsHeal != nil && in.NeedsHeal(inst.Name) {
			_, gen, _ := ParseInstanceName(spec.Name, inst.Name)
			add(Action{Kind: ActionHeal, Slot: slot, Instance: inst.Name, Gen: gen,
				Reason: "unhealthy past grace period"})
		}
	}

	// Older generations left behind by an interrupted substitution.
	for _, inst := range superseded {
		slot, gen, _ := ParseInstanceName(spec.Name, inst.Name)
		add(Action{Kind: ActionDelete, Slot: slot, Instance: inst.Name, Gen: gen,
			Reason: "superseded generation"})
	}

	// Scale-down: delete from the highest-indexed slots first.
	var excess []int
	for slot := range bySlot {
		if slot > spec.Size {
			excess = append(excess, slot)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(excess)))
	for _, slot := range excess {
		add(Action{Kind: ActionDelete, Slot: slot, Instance: bySlot[slot].Name,
			Reason: "above declared size"})
	}

	// Scale-up: fill missing slots, lowest first.
	for slot := 1; slot <= spec.Size; slot++ {
		if _, ok := bySlot[slot]; !ok {
			add(Action{Kind: ActionCreate, Slot: slot, Reason: "slot unfilled"})
		}
	}

	// Template convergence for occupied, healthy slots.
	for slot := 1; slot <= spec.Size; slot++ {
		inst, ok := bySlot[slot]
		if !ok || inst.Template == in.TargetVersion {
			continue
		}
		if in.NeedsHeal != nil && in.NeedsHeal(inst.Name) {
			continue // heal already queued, applies the new template anyway
		}

		diff := DiffReplace
		if in.DiffFor != nil {
			diff = in.DiffFor(inst.Template)
		}
		if diff == DiffNone {
			continue
		}
		// Opportunistic without a trigger: leave the instance alone. The
		// new template still lands when the slot is recreated for another
		// reason (heal, manual delete).
		if spec.Update.Type == UpdateOpportunistic && !in.RollingUpdate {
			continue
		}
		_, gen, _ := ParseInstanceName(spec.Name, inst.Name)

		// minimal_action is a floor: replace forces replacement even for
		// metadata-only changes; refresh/none let metadata changes apply
		// in place.
		if diff == DiffRefresh && spec.Update.MinimalAction != MinimalReplace {
			add(Action{Kind: ActionRefreshMeta, Slot: slot, Instance: inst.Name, Gen: gen,
				Reason: "metadata-only template change"})
			continue
		}
		add(Action{Kind: ActionReplace, Slot: slot, Instance: inst.Name, Gen: gen,
			Reason: "template out of date"})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind < actions[j].Kind
		}
		if actions[i].Kind == ActionDelete {
			return actions[i].Slot > actions[j].Slot
		}
		return actions[i].Slot < actions[j].Slot
	})
	return actions
}
