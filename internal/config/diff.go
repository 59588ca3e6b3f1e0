package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	WorkStealingChanged bool
	NewWorkStealing     WorkStealingConfig

	MaintenanceChanged bool
	NewMaintenance     string

	RetentionChanged bool
	NewRetention     time.Duration

	SchedulingChanged bool
	NewAdvanced       bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.WorkStealingChanged ||
		d.MaintenanceChanged ||
		d.RetentionChanged ||
		d.SchedulingChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for id := range new.Agents {
		if _, ok := old.Agents[id]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, id)
		}
	}
	for id := range old.Agents {
		if _, ok := new.Agents[id]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, id)
		}
	}
	for id, newDef := range new.Agents {
		if oldDef, ok := old.Agents[id]; ok && !reflect.DeepEqual(oldDef, newDef) {
			d.AgentsChanged = append(d.AgentsChanged, id)
		}
	}
	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)

	if !reflect.DeepEqual(old.WorkStealing, new.WorkStealing) {
		d.WorkStealingChanged = true
		d.NewWorkStealing = new.WorkStealing
	}

	if old.Coordination.MaintenanceSchedule != new.Coordination.MaintenanceSchedule {
		d.MaintenanceChanged = true
		d.NewMaintenance = new.Coordination.MaintenanceSchedule
	}

	if old.Coordination.ConflictRetention != new.Coordination.ConflictRetention {
		d.RetentionChanged = true
		d.NewRetention = new.Coordination.ConflictRetention
	}

	if old.Coordination.AdvancedScheduling != new.Coordination.AdvancedScheduling {
		d.SchedulingChanged = true
		d.NewAdvanced = new.Coordination.AdvancedScheduling
	}

	// Non-reloadable warnings
	if old.Swarm.ID != new.Swarm.ID {
		d.NonReloadable = append(d.NonReloadable, "swarm.id")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if !reflect.DeepEqual(old.Breakers, new.Breakers) {
		d.NonReloadable = append(d.NonReloadable, "breakers")
	}
	if !reflect.DeepEqual(old.Consensus, new.Consensus) {
		d.NonReloadable = append(d.NonReloadable, "consensus")
	}
	if !reflect.DeepEqual(old.Analysis, new.Analysis) {
		d.NonReloadable = append(d.NonReloadable, "analysis")
	}

	return d
}
