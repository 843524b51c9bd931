package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/b0cal/miel/internal/model"
)

// Watcher reloads the service list from a config file whenever it
// changes on disk, without disturbing any other setting. Reloads are
// additive only: new or re-enabled services are adopted, but a service
// already running sessions is never removed or reconfigured out from
// under them. Only a full restart can shrink or mutate an existing
// service entry.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onAdd   func([]model.ServiceConfig)
	known   map[string]model.ServiceConfig
}

// NewWatcher starts watching path for writes and calls onAdd with the
// set of services present in the new file that were not present (by
// name) in the most recently loaded configuration. The initial snapshot
// is seeded from cfg so the first detected change only reports genuinely
// new services.
func NewWatcher(path string, cfg *Config, onAdd func([]model.ServiceConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	known := make(map[string]model.ServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		known[svc.Name] = svc
	}

	w := &Watcher{path: path, watcher: fw, onAdd: onAdd, known: known}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload re-parses the config file and reports any service whose name
// was absent from the previous snapshot, or that was disabled there and
// is enabled now. Parse or validation failures are ignored; the prior
// configuration keeps running rather than being torn down by a
// transient bad write (e.g. a half-written file from an editor).
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		return
	}

	var added []model.ServiceConfig
	next := make(map[string]model.ServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		prev, ok := w.known[svc.Name]
		if !ok || (svc.Enabled && !prev.Enabled) {
			added = append(added, svc)
		}
		next[svc.Name] = svc
	}
	w.known = next
	if len(added) > 0 && w.onAdd != nil {
		w.onAdd(added)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
