// Package events implements the Agent Events Runtime described in spec
// §4.2: discovery and trust evaluation of extension modules, a fan-out
// Emit with per-handler timeout isolation, and deterministic reconciliation
// of the resulting enqueue/action outcomes.
//
// Dynamic, on-disk module loading (the original system's
// registerAgentEvents(registry) entrypoint convention) is adapted here to
// Go's static-registration idiom, the same way database/sql drivers
// register themselves by name at init time rather than being loaded from a
// path at runtime: an extension package calls RegisterModuleFactory in its
// own init(), and the on-disk extension.manifest.json merely selects, configures, and
// trust-evaluates which registered factories are active. See DESIGN.md.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TrustMode governs how strictly a module's declared capabilities are
// enforced against the event types and action types it actually uses.
type TrustMode string

const (
	TrustDisabled TrustMode = "disabled"
	TrustWarn     TrustMode = "warn"
	TrustEnforced TrustMode = "enforced"
)

// ModuleStatus is the outcome of loading one module.
type ModuleStatus string

const (
	StatusAccepted             ModuleStatus = "accepted"
	StatusAcceptedWithWarnings ModuleStatus = "accepted_with_warnings"
	StatusDenied               ModuleStatus = "denied"
)

// Capabilities is a module's self-declared set of event types it subscribes
// to and action types it performs. "*" matches any event/action type.
type Capabilities struct {
	Events  []string `json:"events"`
	Actions []string `json:"actions"`
}

func (c Capabilities) allowsEvent(eventType string) bool {
	return containsOrWildcard(c.Events, eventType)
}

func (c Capabilities) allowsAction(actionType string) bool {
	return containsOrWildcard(c.Actions, actionType)
}

func containsOrWildcard(list []string, v string) bool {
	for _, s := range list {
		if s == "*" || s == v {
			return true
		}
	}
	return false
}

// RuntimeRequirement is the manifest's declared compatibility with the host
// core and runtime profile, compared using semver exact-or-range semantics.
type RuntimeRequirement struct {
	CoreAPIVersion      string   `json:"coreApiVersion,omitempty"`
	CoreAPIVersionRange string   `json:"coreApiVersionRange,omitempty"`
	Profiles            []string `json:"profiles,omitempty"`
}

// Manifest is the structural shape of extension.manifest.json.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Entrypoints struct {
		Events string `json:"events"`
	} `json:"entrypoints"`
	Runtime      RuntimeRequirement `json:"runtime"`
	Capabilities Capabilities       `json:"capabilities"`
}

// loadManifest reads and structurally validates extension.manifest.json in
// dir. A missing manifest is not an error — the module loads with empty
// capabilities, which is only a problem under trust modes that require a
// declaration.
func loadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "extension.manifest.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{Name: filepath.Base(dir)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("events: manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("events: manifest %s: missing name", path)
	}
	return &m, nil
}

// CompatibilitySummary is the result of comparing the host's runtime
// identity against a manifest's declared requirement.
type CompatibilitySummary struct {
	Compatible bool
	Reason     string
}

// checkCompatibility implements exact-or-range semver comparison against the
// host's coreVersion and a name match of runtimeProfileId against the
// requirement's profile list; the runtime profile version is not compared. Range
// matching here is limited to the common "^" and plain "x.y.z" forms the
// pack's example repos use for their own internal version gating; anything
// else is rejected with an explicit reason rather than silently accepted.
func checkCompatibility(req RuntimeRequirement, coreVersion, profileID string) CompatibilitySummary {
	if len(req.Profiles) > 0 && !containsOrWildcard(req.Profiles, profileID) {
		return CompatibilitySummary{Compatible: false, Reason: fmt.Sprintf("runtime profile %q not in %v", profileID, req.Profiles)}
	}
	switch {
	case req.CoreAPIVersion != "":
		if req.CoreAPIVersion != coreVersion {
			return CompatibilitySummary{Compatible: false, Reason: fmt.Sprintf("core version %s != required %s", coreVersion, req.CoreAPIVersion)}
		}
	case req.CoreAPIVersionRange != "":
		ok, err := semverInRange(coreVersion, req.CoreAPIVersionRange)
		if err != nil {
			return CompatibilitySummary{Compatible: false, Reason: err.Error()}
		}
		if !ok {
			return CompatibilitySummary{Compatible: false, Reason: fmt.Sprintf("core version %s not in range %s", coreVersion, req.CoreAPIVersionRange)}
		}
	}
	return CompatibilitySummary{Compatible: true}
}
