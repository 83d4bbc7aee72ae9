// Package telemetry provides observability instrumentation for mostd.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an event publisher into one Telemetry bundle.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("routing").WithRoute(1, "audio")
//	logger.Info("route built")
//
// # Metrics
//
// Every Metrics method is safe on a disabled or nil instance, so core packages
// record unconditionally:
//
//	tel.Metrics.RecordJob("construct", "built", elapsed)
//	tel.Metrics.SetPoolUsage("jobs", used)
//
// # Events
//
// Route reports, resource diagnostics and node availability changes are
// published as Events. The audit store subscribes to them:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) { ... }, telemetry.FilterByType(telemetry.EventTypeRouteBuilt))
//
// Subscribers run one at a time in publish order, on the publisher goroutine
// when EnableAsync is set and inline otherwise.
package telemetry
