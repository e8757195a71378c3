package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/time/rate"

	"github.com/roach88/entityevents/internal/config"
	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/identity"
	"github.com/roach88/entityevents/internal/state"
)

// app is what a command works with: the resolved settings and gates and
// the processors wired to the database.
type app struct {
	settings config.Settings
	gates    *config.Gates
	sys      *identity.System
	meters   *sdkmetric.MeterProvider
}

// metricsShutdownTimeout bounds the final metrics export on Close.
const metricsShutdownTimeout = 5 * time.Second

// Close flushes metrics, if enabled, and closes the database.
func (a *app) Close() {
	if a.meters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := a.meters.Shutdown(ctx); err != nil {
			slog.Error("error flushing metrics", "error", err)
		}
	}
	if err := a.sys.Store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// loadSettings reads the environment and applies the --db and --config
// flags on top.
func loadSettings(opts *RootOptions) (config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return config.Settings{}, WrapExitError(ExitCommandError, "invalid settings", err).WithErrCode(ErrCodeConfig)
	}
	if opts.DB != "" {
		settings.DB = opts.DB
	}
	if opts.Config != "" {
		settings.Config = opts.Config
	}
	if opts.Metrics {
		settings.Metrics = true
	}
	return settings, nil
}

// newMeterProvider exports metrics as JSON to w through a periodic reader.
// Shutdown performs the final export.
func newMeterProvider(w io.Writer, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(w),
		stdoutmetric.WithoutTimestamps(),
	)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// loadGates reads the gate file, if any, then applies --set overrides.
func loadGates(opts *RootOptions, settings config.Settings) (*config.Gates, error) {
	gates := config.NewGates()
	if settings.Config != "" {
		loaded, err := config.LoadGates(settings.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load gate config", err).WithErrCode(ErrCodeConfig)
		}
		gates = loaded
	}
	if err := gates.ApplyOverrides(opts.Set); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --set", err).WithErrCode(ErrCodeConfig)
	}
	return gates, nil
}

// openApp resolves settings and gates, opens the database and wires the
// identity processors with the configured limits.
func openApp(opts *RootOptions) (*app, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	gates, err := loadGates(opts, settings)
	if err != nil {
		return nil, err
	}

	slog.Debug("opening database", "path", settings.DB)
	st, err := state.Open(settings.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err).WithErrCode(ErrCodeDatabase)
	}

	var meters *sdkmetric.MeterProvider
	if settings.Metrics {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		if meters, err = newMeterProvider(out, settings.MetricsInterval); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to create metrics exporter", err)
		}
	}

	var metrics *engine.Metrics
	if meters != nil {
		metrics, err = engine.NewMetrics(meters.Meter("github.com/roach88/entityevents"))
	} else {
		metrics, err = engine.NewMetrics(nil)
	}
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
	}

	sys, err := identity.NewSystem(identity.Config{
		Store:      st,
		Modules:    gates,
		Properties: gates,
		DispatcherOptions: []engine.DispatcherOption{
			engine.WithMaxDepth(settings.MaxDepth),
			engine.WithMetrics(metrics),
		},
		AsyncOptions: []engine.AsyncOption{
			engine.WithPollInterval(settings.PollInterval),
			engine.WithEventStaleAfter(settings.StaleAfter),
		},
		ResumerOptions: []engine.ResumerOption{
			engine.WithMaxAttempts(settings.MaxAttempts),
			engine.WithStaleAfter(settings.StaleAfter),
			engine.WithResumeRate(rate.Limit(settings.ResumeRate), 1),
			engine.WithResumerMetrics(metrics),
		},
	})
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to wire processors", err)
	}

	return &app{settings: settings, gates: gates, sys: sys, meters: meters}, nil
}
