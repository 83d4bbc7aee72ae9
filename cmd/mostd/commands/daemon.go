package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/openmost/mostd/pkg/config"
	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/jobs"
	"github.com/openmost/mostd/pkg/nodescript"
	"github.com/openmost/mostd/pkg/policy"
	"github.com/openmost/mostd/pkg/pool"
	"github.com/openmost/mostd/pkg/routing"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/simnet"
	"github.com/openmost/mostd/pkg/stores"
	"github.com/openmost/mostd/pkg/telemetry"
)

// daemon wires the route lifecycle core to a device network, the audit
// store, the admission policies and the activation file.
type daemon struct {
	doc    *config.Document
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	sched    *scheduler.Scheduler
	devices  *simnet.Network
	network  *config.Network
	pool     *pool.Pool
	routes   *routing.Manager
	runner   *nodescript.Runner
	store    *stores.SQLiteStore
	recorder *stores.Recorder
	policies *policy.Engine
	admitter *policy.Admitter
}

// newDaemon builds every component from the document and starts the route
// manager. Nothing runs until run is called.
func newDaemon(ctx context.Context, doc *config.Document, tel *telemetry.Telemetry, clk clock.Clock) (d *daemon, err error) {
	d = &daemon{
		doc:    doc,
		tel:    tel,
		logger: tel.ComponentLogger("daemon"),
	}
	d.sched = scheduler.New(clk, tel.Logger)

	if d.network, err = config.Build(ctx, doc, nodescript.NewCompiler(0)); err != nil {
		return nil, err
	}

	d.devices = simnet.New(d.sched)
	for _, n := range d.network.Nodes {
		d.devices.AddDevice(n.Address())
	}

	jobSlots, handleSlots := doc.PoolSizes()
	if d.pool, err = pool.New(jobSlots, handleSlots); err != nil {
		return nil, fmt.Errorf("failed to create resource pool: %w", err)
	}

	if doc.Store.Path != "" {
		if err := d.openStore(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = d.store.Close()
			}
		}()
	}

	registry := jobs.NewRegistry(jobs.Options{
		Pool:        d.pool,
		Transceiver: d.devices,
		RemoteSync:  d.devices,
		Scheduler:   d.sched,
		Config:      doc.EngineSettings(),
		Telemetry:   tel,
		Observer:    d.observeResource,
	})
	d.devices.SubscribeDeviceEvents(registry)
	d.runner = nodescript.NewRunner(d.devices, d.sched, tel)

	opts := routing.Options{
		Endpoints: endpoint.NewManager(registry, tel),
		Scheduler: d.sched,
		Config:    doc.RoutingSettings(),
		Telemetry: tel,
		Report:    d.report,
		Prepare:   d.runner.Prepare,
	}
	if doc.Policy.Enabled {
		if err := d.loadPolicies(ctx); err != nil {
			return nil, err
		}
		opts.Admit = func(r *routing.Route) error { return d.admitter.Admit(r) }
	}
	d.routes = routing.New(opts)
	if d.policies != nil {
		d.admitter = policy.NewAdmitter(d.policies, d.routes, policy.AdmitterConfig{
			MaxBandwidth: doc.Policy.MaxBandwidth,
			Mode:         policy.Mode(doc.Policy.Mode),
		}, tel)
	}

	if err := d.routes.Start(d.network.Routes); err != nil {
		return nil, fmt.Errorf("failed to start routes: %w", err)
	}
	if err := d.applyActivation(); err != nil {
		return nil, err
	}
	return d, nil
}

// applyActivation applies the activation file before the network comes up so
// routes it deactivates are never built. A missing file is not an error; the
// watcher applies it once it appears.
func (d *daemon) applyActivation() error {
	if d.doc.ActivationFile == "" {
		return nil
	}
	a, err := config.ReadActivation(d.doc.Resolve(d.doc.ActivationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.Apply(d.routes)
}

func (d *daemon) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: d.doc.Resolve(d.doc.Store.Path)})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to migrate audit store: %w", err)
	}
	d.store = store
	d.recorder = stores.NewRecorder(store, 0, d.tel)
	d.tel.EventSink().Subscribe(d.recorder.AuditEvent, telemetry.FilterByType(
		telemetry.EventTypeNodeAvailable,
		telemetry.EventTypeNodeScriptFailed,
		telemetry.EventTypeRouteRejected,
	))
	return nil
}

func (d *daemon) loadPolicies(ctx context.Context) error {
	pe, err := policy.NewEngine(ctx, d.tel)
	if err != nil {
		return err
	}
	if paths := d.policyPaths(); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return err
		}
	}
	d.policies = pe
	return nil
}

func (d *daemon) policyPaths() []string {
	paths := make([]string, 0, len(d.doc.Policy.Paths))
	for _, p := range d.doc.Policy.Paths {
		paths = append(paths, d.doc.Resolve(p))
	}
	return paths
}

func (d *daemon) observeResource(ev engine.ResourceEvent) {
	_ = d.tel.EventSink().PublishResourceEvent(ev)
	if d.recorder != nil {
		d.recorder.ResourceEvent(ev)
	}
}

func (d *daemon) report(r *routing.Route, info engine.RouteInfo) {
	if d.recorder != nil {
		d.recorder.RouteReport(r.ID, r.Name, info)
	}
}

// online reports the network and every configured node as available.
func (d *daemon) online() {
	d.routes.SetNetworkAvailable(true)
	for _, n := range d.network.Nodes {
		d.routes.SetNodeAvailable(n, true)
	}
}

// run drives the daemon until ctx is done. Routes are then stopped
// gracefully; whatever has not stopped after grace is terminated.
func (d *daemon) run(ctx context.Context, grace time.Duration) error {
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	schedDone := make(chan error, 1)
	go func() { schedDone <- d.sched.Run(schedCtx) }()

	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recDone := make(chan error, 1)
	if d.recorder != nil {
		d.recorder.Audit("daemon.started", "mostd", nil, nil)
		go func() { recDone <- d.recorder.Run(recCtx) }()
	} else {
		recDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if path := d.doc.ActivationFile; path != "" {
		watcher := config.NewWatcher(d.doc.Resolve(path), d.sched, d.routes, d.tel)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if d.policies != nil && len(d.doc.Policy.Paths) > 0 {
		loader := policy.NewLoader(d.tel.ComponentLogger("policy-loader"))
		if err := loader.Watch(gctx, d.policyPaths(), func(ps []policy.Policy) error {
			return d.policies.SetPolicies(gctx, ps)
		}); err != nil {
			d.logger.WithError(err).Warn("policy files are not watched")
		}
	}

	d.sched.Post(d.online)
	d.logger.WithField("routes", len(d.network.Routes)).
		WithField("nodes", len(d.network.Nodes)).
		Info("daemon running")

	<-gctx.Done()
	d.shutdown(grace)

	stopSched()
	err := <-schedDone
	if d.recorder != nil {
		d.recorder.Audit("daemon.stopped", "mostd", nil, nil)
	}
	stopRecorder()
	<-recDone

	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// shutdown stops every route and waits up to grace for all of them to be
// suspended before terminating.
func (d *daemon) shutdown(grace time.Duration) {
	stopped := make(chan struct{})
	d.sched.Post(func() {
		d.routes.Stop()
		var poll *scheduler.Timer
		poll = d.sched.NewTimer("daemon/shutdown", func() {
			if d.routes.Stopped() {
				poll.Stop()
				close(stopped)
			}
		})
		poll.Set(0, 10*time.Millisecond)
	})

	select {
	case <-stopped:
		d.logger.Info("routes stopped")
	case <-d.sched.Clock().After(grace):
		d.logger.WithField("grace", grace.String()).Warn("routes did not stop in time, terminating")
	}

	terminated := make(chan struct{})
	d.sched.Post(func() {
		d.routes.Terminate()
		close(terminated)
	})
	<-terminated
}

// status returns the route snapshot taken on the scheduler goroutine.
func (d *daemon) status() []routing.Status {
	out := make(chan []routing.Status, 1)
	d.sched.Post(func() { out <- d.routes.Snapshot() })
	return <-out
}

func (d *daemon) close() error {
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
