package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	TriggerChanged  bool
	NewPollInterval TriggerConfig

	ChatIDChanged bool
	NewChatID     int64

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.SchedulerChanged ||
		d.TriggerChanged ||
		d.ChatIDChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name, oldDef := range old.Agents {
		newDef, ok := new.Agents[name]
		if !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
			continue
		}
		if !reflect.DeepEqual(oldDef, newDef) {
			d.AgentsChanged = append(d.AgentsChanged, name)
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Trigger != new.Trigger {
		d.TriggerChanged = true
		d.NewPollInterval = new.Trigger
	}

	if old.Telegram.ChatID != new.Telegram.ChatID {
		d.ChatIDChanged = true
		d.NewChatID = new.Telegram.ChatID
	}

	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if !reflect.DeepEqual(old.Graph, new.Graph) {
		d.NonReloadable = append(d.NonReloadable, "graph")
	}
	if old.Pool != new.Pool {
		d.NonReloadable = append(d.NonReloadable, "pool")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
