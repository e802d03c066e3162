// Package registry tracks every simulated entity across ticks and owns the
// controlled-entity slot arena. Slot indices are assigned once per episode
// and never reused until Reset, so the observation and action spaces keep a
// fixed shape no matter how the simulator's population changes.
package registry

import (
	"sort"

	"diodos/internal/model"
)

// Delta reports the population change observed by one Update call.
type Delta struct {
	Entered []string
	Left    []string
	Changed []string
}

// Snapshot is an immutable view of the registry after an Update, handed to
// the codec and reward functions.
type Snapshot struct {
	Tick     int
	Time     float64
	entities map[string]model.Entity
	slots    []string // slot index -> entity id, "" for never-assigned
	present  map[string]bool
}

// Get returns the entity's state at the snapshot tick. The second return
// is false when the entity is absent from the simulation (left or never
// existed); for controlled entities the slot still reports its id.
func (s Snapshot) Get(id string) (model.Entity, bool) {
	e, ok := s.entities[id]
	if !ok || !s.present[id] {
		return model.Entity{}, false
	}
	return e, true
}

// Slots returns the controlled slot assignment, index-ordered. Vacant
// slots hold the empty string.
func (s Snapshot) Slots() []string {
	return append([]string(nil), s.slots...)
}

// Present reports whether the entity existed in the simulation at the
// snapshot tick.
func (s Snapshot) Present(id string) bool { return s.present[id] }

// IDs returns the ids of all entities present at the snapshot tick, in
// sorted order.
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.present))
	for id, present := range s.present {
		if present {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of entities present at the snapshot tick.
func (s Snapshot) Count() int {
	n := 0
	for _, present := range s.present {
		if present {
			n++
		}
	}
	return n
}

// Registry reconciles the entity population tick by tick.
type Registry struct {
	maxControlled int

	tick     int
	time     float64
	entities map[string]model.Entity
	present  map[string]bool
	slots    []string
	slotOf   map[string]int
}

// New creates a registry with maxControlled pre-allocated controlled
// slots. Controlled entities beyond that capacity stay autonomous for the
// episode rather than growing the action space.
func New(maxControlled int) *Registry {
	if maxControlled < 0 {
		maxControlled = 0
	}
	r := &Registry{maxControlled: maxControlled}
	r.Reset()
	return r
}

// Reset clears all population state and releases every slot. Called at
// episode boundaries only.
func (r *Registry) Reset() {
	r.tick = 0
	r.time = 0
	r.entities = make(map[string]model.Entity)
	r.present = make(map[string]bool)
	r.slots = make([]string, r.maxControlled)
	r.slotOf = make(map[string]int, r.maxControlled)
}

// Update reconciles the registry against one step result and returns the
// population delta. Entities present in the result but unknown before are
// entered; known entities missing from the result are left. A leaving
// controlled entity keeps its slot (vacant, sentinel-encoded) until Reset.
func (r *Registry) Update(result model.StepResult) Delta {
	r.tick = result.Tick
	r.time = result.Time

	seen := make(map[string]bool, len(result.Entities))
	var delta Delta
	for _, e := range result.Entities {
		seen[e.ID] = true
		prev, known := r.entities[e.ID]
		switch {
		case !known || !r.present[e.ID]:
			delta.Entered = append(delta.Entered, e.ID)
			if e.Control == model.ControlExternal {
				r.assignSlot(e.ID)
			}
		case changed(prev, e):
			delta.Changed = append(delta.Changed, e.ID)
		}
		r.entities[e.ID] = e
		r.present[e.ID] = true
	}
	for id, present := range r.present {
		if present && !seen[id] {
			r.present[id] = false
			delta.Left = append(delta.Left, id)
		}
	}
	sort.Strings(delta.Entered)
	sort.Strings(delta.Left)
	sort.Strings(delta.Changed)
	return delta
}

// assignSlot gives the entity the lowest free slot, if any. An entity that
// already holds a slot keeps it (a re-entering id resumes its old index).
func (r *Registry) assignSlot(id string) {
	if _, ok := r.slotOf[id]; ok {
		return
	}
	for i, occupant := range r.slots {
		if occupant == "" {
			r.slots[i] = id
			r.slotOf[id] = i
			return
		}
	}
	// arena full: the entity stays unslotted for this episode
}

// Get returns the last-known state of an entity and whether it is
// currently present.
func (r *Registry) Get(id string) (model.Entity, bool) {
	e, ok := r.entities[id]
	if !ok {
		return model.Entity{}, false
	}
	return e, r.present[id]
}

// ControlledIDs returns the slot assignment in index order, skipping
// never-assigned slots. The order is fixed for the episode.
func (r *Registry) ControlledIDs() []string {
	out := make([]string, 0, len(r.slotOf))
	for _, id := range r.slots {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// SlotOf returns the slot index held by the entity.
func (r *Registry) SlotOf(id string) (int, bool) {
	i, ok := r.slotOf[id]
	return i, ok
}

// SlotID returns the entity id holding slot i, if the slot was ever
// assigned.
func (r *Registry) SlotID(i int) (string, bool) {
	if i < 0 || i >= len(r.slots) || r.slots[i] == "" {
		return "", false
	}
	return r.slots[i], true
}

// SlotCount returns the arena capacity.
func (r *Registry) SlotCount() int { return len(r.slots) }

// Snapshot captures the current registry state for the codec and reward
// functions. The snapshot does not alias registry internals.
func (r *Registry) Snapshot() Snapshot {
	entities := make(map[string]model.Entity, len(r.entities))
	for id, e := range r.entities {
		entities[id] = e
	}
	present := make(map[string]bool, len(r.present))
	for id, p := range r.present {
		present[id] = p
	}
	return Snapshot{
		Tick:     r.tick,
		Time:     r.time,
		entities: entities,
		slots:    append([]string(nil), r.slots...),
		present:  present,
	}
}

func changed(a, b model.Entity) bool {
	if a.Kind != b.Kind || a.Control != b.Control {
		return true
	}
	if (a.Vehicle == nil) != (b.Vehicle == nil) || (a.Signal == nil) != (b.Signal == nil) {
		return true
	}
	if a.Vehicle != nil && *a.Vehicle != *b.Vehicle {
		return true
	}
	if a.Signal != nil && *a.Signal != *b.Signal {
		return true
	}
	return a.SpawnTick != b.SpawnTick || a.RemoveTick != b.RemoveTick
}
