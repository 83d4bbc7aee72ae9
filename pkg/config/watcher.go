package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/openmost/mostd/pkg/routing"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/telemetry"
)

// RouteController is the part of the route manager activation drives.
type RouteController interface {
	Routes() []*routing.Route
	Activate(r *routing.Route) error
	Deactivate(r *routing.Route) error
}

// Activation is the content of an activation file: the routes that should be
// active, by name or by numeric id. Routes not listed are deactivated.
type Activation struct {
	Active []string `json:"active" yaml:"active"`
}

// ReadActivation reads an activation file.
func ReadActivation(path string) (*Activation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read activation file: %w", err)
	}
	var a Activation
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, &ValidationError{File: path, Message: err.Error()}
	}
	return &a, nil
}

// Includes reports whether the route is listed.
func (a *Activation) Includes(r *routing.Route) bool {
	id := strconv.Itoa(int(r.ID))
	for _, s := range a.Active {
		if s == r.Name || s == id {
			return true
		}
	}
	return false
}

// Apply activates the listed routes and deactivates the rest. It must run on
// the scheduler goroutine.
func (a *Activation) Apply(rc RouteController) error {
	var errs error
	for _, r := range rc.Routes() {
		want := a.Includes(r)
		if want == r.Active() {
			continue
		}
		if want {
			errs = multierr.Append(errs, rc.Activate(r))
		} else {
			errs = multierr.Append(errs, rc.Deactivate(r))
		}
	}
	return errs
}

// Watcher applies an activation file and re-applies it whenever it changes.
type Watcher struct {
	path     string
	sched    *scheduler.Scheduler
	routes   RouteController
	logger   *telemetry.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the activation file at path. Changes are
// posted to sched and applied to routes there.
func NewWatcher(path string, sched *scheduler.Scheduler, routes RouteController, tel *telemetry.Telemetry) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		sched:    sched,
		routes:   routes,
		logger:   tel.ComponentLogger("activation"),
		debounce: 200 * time.Millisecond,
	}
}

// Run applies the file once and then watches it until ctx is done. The parent
// directory is watched so files replaced by editors are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.reload()

	// Debounce reloads
	reload := time.NewTimer(w.debounce)
	reload.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("activation file changed")
			reload.Reset(w.debounce)

		case <-reload.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

func (w *Watcher) reload() {
	a, err := ReadActivation(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("activation file not applied")
		return
	}
	w.sched.Post(func() {
		if err := a.Apply(w.routes); err != nil {
			w.logger.WithError(err).Error("failed to apply activation file")
			return
		}
		w.logger.WithField("active", len(a.Active)).Info("activation file applied")
	})
}
