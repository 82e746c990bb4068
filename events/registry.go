package events

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Subscription is one module's registered interest in an event type.
type Subscription struct {
	ModuleID  string
	EventType string
	Priority  int
	TimeoutMs int
	Handler   HandlerFunc
	seq       int // registration order, for stable sort on priority ties
}

// Registry is handed to a module factory's registerAgentEvents call so the
// module can declare its subscriptions without reaching into bus internals.
type Registry struct {
	moduleID string
	subs     *[]Subscription
}

// Subscribe registers handler for eventType at priority. Handlers for one
// event run concurrently; priority (lower first, ties broken by registration
// order) orders their results in Emit's return value. timeoutMs <= 0 uses the
// bus default.
func (r *Registry) Subscribe(eventType string, priority, timeoutMs int, handler HandlerFunc) {
	*r.subs = append(*r.subs, Subscription{
		ModuleID:  r.moduleID,
		EventType: eventType,
		Priority:  priority,
		TimeoutMs: timeoutMs,
		Handler:   handler,
		seq:       len(*r.subs),
	})
}

// ModuleFactory is the statically-registered equivalent of the original
// system's registerAgentEvents(registry) entrypoint; see manifest.go's
// package doc comment for why discovery is manifest-driven but loading is
// static.
type ModuleFactory func(registry *Registry)

var (
	factoryMu sync.Mutex
	factories = map[string]ModuleFactory{}
)

// RegisterModuleFactory registers factory under name, callable by extension
// packages from their own init(). Registering the same name twice panics,
// matching the database/sql driver-registration convention this pattern is
// adapted from.
func RegisterModuleFactory(name string, factory ModuleFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("events: module factory " + name + " already registered")
	}
	factories[name] = factory
}

// Module is one loaded extension module's final state after discovery and
// trust evaluation.
type Module struct {
	ID       string
	Manifest *Manifest
	Status   ModuleStatus
	Warnings []string
	Denied   []string
}

// Table is the immutable, atomically-swappable set of loaded modules and
// their active subscriptions, grouped and sorted by event type for Emit.
// Mode and byID let Emit enforce the action-capability trust gate (spec
// §4.2) at the point a handler's result is classified, since (unlike event
// subscriptions) the action type a handler performs isn't known until the
// handler actually runs.
type Table struct {
	Modules []*Module
	Mode    TrustMode
	byType  map[string][]Subscription
	byID    map[string]*Module
}

func (t *Table) handlersFor(eventType string) []Subscription {
	subs := append([]Subscription(nil), t.byType[eventType]...)
	sort.SliceStable(subs, func(i, k int) bool {
		if subs[i].Priority != subs[k].Priority {
			return subs[i].Priority < subs[k].Priority
		}
		return subs[i].seq < subs[k].seq
	})
	return subs
}

// capabilitiesFor returns the declared capabilities of moduleID, or an empty
// Capabilities if the module is unknown or declared none.
func (t *Table) capabilitiesFor(moduleID string) Capabilities {
	mod := t.byID[moduleID]
	if mod == nil || mod.Manifest == nil {
		return Capabilities{}
	}
	return mod.Manifest.Capabilities
}

// HostIdentity is the runtime's own version identity, compared against each
// module manifest's declared compatibility requirement.
type HostIdentity struct {
	CoreVersion            string
	RuntimeProfileID       string
	RuntimeProfileVersion  string
}

// Discover scans root for extension module directories (one subdirectory per
// module), loads each manifest, evaluates compatibility and trust, and
// builds the resulting Table. It never returns a partially built table: any
// per-module error is recorded on that module's Status rather than aborting
// discovery of the rest.
func Discover(root string, mode TrustMode, host HostIdentity) (*Table, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return &Table{byType: map[string][]Subscription{}}, nil
		}
		return nil, err
	}

	table := &Table{Mode: mode, byType: map[string][]Subscription{}, byID: map[string]*Module{}}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		mod, subs := loadModule(dir, entry.Name(), mode, host)
		table.Modules = append(table.Modules, mod)
		table.byID[mod.ID] = mod
		for _, s := range subs {
			table.byType[s.EventType] = append(table.byType[s.EventType], s)
		}
	}
	return table, nil
}

func loadModule(dir, fallbackID string, mode TrustMode, host HostIdentity) (*Module, []Subscription) {
	manifest, err := loadManifest(dir)
	if err != nil {
		return &Module{ID: fallbackID, Status: StatusDenied, Denied: []string{err.Error()}}, nil
	}
	id := manifest.Name
	if id == "" {
		id = fallbackID
	}
	mod := &Module{ID: id, Manifest: manifest}

	compat := checkCompatibility(manifest.Runtime, host.CoreVersion, host.RuntimeProfileID)
	if !compat.Compatible {
		mod.Status = StatusDenied
		mod.Denied = append(mod.Denied, compat.Reason)
		return mod, nil
	}

	factoryMu.Lock()
	factory, ok := factories[id]
	factoryMu.Unlock()
	if !ok {
		mod.Status = StatusDenied
		mod.Denied = append(mod.Denied, "no registered module factory for "+id)
		return mod, nil
	}

	var subs []Subscription
	reg := &Registry{moduleID: id, subs: &subs}
	factory(reg)

	if mode == TrustDisabled {
		mod.Status = StatusAccepted
		return mod, subs
	}

	var violations []string
	for _, s := range subs {
		if !manifest.Capabilities.allowsEvent(s.EventType) {
			violations = append(violations, "subscribes to undeclared event type "+s.EventType)
		}
	}
	if len(violations) == 0 {
		mod.Status = StatusAccepted
		return mod, subs
	}
	if mode == TrustWarn {
		mod.Status = StatusAcceptedWithWarnings
		mod.Warnings = violations
		return mod, subs
	}
	mod.Status = StatusDenied
	mod.Denied = violations
	return mod, nil
}
