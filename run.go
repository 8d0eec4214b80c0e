package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/vitalsync/internal/config"
	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/sensor"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run continuously: sweep every configured stream on the sweep interval,
flush queued events, watch the quantity store for new data and, when a sensor
is configured, keep a live waveform session open.

SIGHUP triggers an immediate sweep. The first SIGINT/SIGTERM shuts down
gracefully; a second forces exit. Only one daemon may run per data directory.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
}

// sweeper is the part of *telemetry.Engine the daemon drives.
type sweeper interface {
	SyncAll(ctx context.Context) ([]telemetry.SweepResult, error)
}

// daemon holds the work done inside each execution window.
type daemon struct {
	engine   sweeper
	slots    telemetry.SlotStore
	gate     *upload.Gate
	uploader telemetry.Uploader
	mapper   record.Mapper
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// window sweeps every stream and then flushes the event queue, unless the
// user paused syncing.
func (d *daemon) window(ctx context.Context) error {
	paused, until, err := telemetry.PauseState(ctx, d.slots, d.nowFunc())
	if err != nil {
		return err
	}

	if paused {
		attrs := []any{}
		if !until.IsZero() {
			attrs = append(attrs, slog.Time("until", until))
		}

		d.logger.Info("sync paused, skipping window", attrs...)

		return nil
	}

	results, sweepErr := d.engine.SyncAll(ctx)
	if errors.Is(sweepErr, telemetry.ErrBackendUnhealthy) {
		// Queued events wait for the same health signal.
		return nil
	}

	logSweep(d.logger, results)

	if ctx.Err() != nil {
		return sweepErr
	}

	// Reloaded every window: CLI commands edit the queue while the daemon runs.
	queue, err := telemetry.LoadEventQueue(ctx, d.slots, d.logger)
	if err != nil {
		return errors.Join(sweepErr, err)
	}

	if queue.Count() == 0 {
		return sweepErr
	}

	res, flushErr := queue.Flush(ctx, d.gate, d.uploader, d.mapper)
	if flushErr == nil {
		d.logger.Info("event queue flushed",
			slog.Int("attempted", res.Attempted),
			slog.Int("removed", res.Removed),
			slog.Int("unmappable", res.Unmappable),
			slog.Int("failed", res.Upload.Failed),
		)
	}

	return errors.Join(sweepErr, flushErr)
}

func logSweep(logger *slog.Logger, results []telemetry.SweepResult) {
	var fetched, accepted, advanced int

	for i := range results {
		fetched += results[i].Fetched
		accepted += results[i].Upload.Accepted

		if results[i].Advanced {
			advanced++
		}
	}

	logger.Info("sweep complete",
		slog.Int("streams", len(results)),
		slog.Int("fetched", fetched),
		slog.Int("accepted", accepted),
		slog.Int("cursors_advanced", advanced),
	)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	d := &daemon{
		engine:   sess.Engine,
		slots:    sess.State,
		gate:     upload.NewGate(),
		uploader: sess.Uploader,
		mapper:   sess.Mapper,
		logger:   logger,
		nowFunc:  time.Now,
	}

	sched := telemetry.NewScheduler(d.window, cfg.Sync.SweepIntervalDuration(), cfg.Sync.WindowDuration(), logger)
	sched.OnExpire(func() {
		logger.Warn("sweep did not finish inside its window, rescheduled")
	})

	sess.Client.Probe(ctx)
	forwardHangups(ctx, logger, sched.Trigger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sess.Client.NewHealthWatcher(sess.Health).Run(gctx) })

	if cfg.Sync.WatchStore {
		obs := telemetry.NewStoreObserver(cfg.SourceDBPath(), cfg.Sync.ObserverSettleDuration(), sched.Trigger, logger)
		g.Go(func() error { return obs.Run(gctx) })
	}

	if cfg.Sensor.Enabled {
		transport, err := sensor.DialMQTT(sensorMQTTConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("connecting to sensor bus: %w", err)
		}
		defer transport.Close()

		mgr := sensor.NewManager(transport, sess.Uploader, upload.NewGate(), sess.Mapper, sensorConfig(cfg), logger)
		g.Go(func() error { return mgr.Run(gctx) })
		g.Go(func() error {
			logSensorEvents(gctx, mgr.Events(), logger)
			return nil
		})
	}

	// Catch up on anything recorded while the daemon was down.
	sched.Trigger()

	logger.Info("daemon started",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Int("streams", len(sess.Engine.Streams())),
		slog.Bool("sensor", cfg.Sensor.Enabled),
	)

	err = g.Wait()

	logger.Info("daemon stopped")

	return err
}

func sensorMQTTConfig(cfg *config.Config) sensor.MQTTConfig {
	return sensor.MQTTConfig{
		Broker:         cfg.Sensor.Broker,
		ClientID:       cfg.Sensor.ClientID,
		Username:       cfg.Sensor.Username,
		Password:       cfg.Sensor.Password,
		TopicPrefix:    cfg.Sensor.TopicPrefix,
		RequestTimeout: cfg.Sensor.RequestTimeoutDuration(),
	}
}

func sensorConfig(cfg *config.Config) sensor.Config {
	return sensor.Config{
		Service:                cfg.Sensor.Service,
		DeviceName:             cfg.Sensor.DeviceName,
		Kind:                   sensor.StreamKind(cfg.Sensor.StreamKind),
		NarrowScanTimeout:      cfg.Sensor.NarrowScanTimeoutDuration(),
		ScanTimeout:            cfg.Sensor.ScanTimeoutDuration(),
		Window:                 cfg.Sensor.WindowDuration(),
		InvalidStateRetryDelay: cfg.Sensor.InvalidStateRetryDelayDuration(),
	}
}

// logSensorEvents reports session transitions and window uploads until ctx
// is done.
func logSensorEvents(ctx context.Context, events <-chan sensor.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case sensor.EventState:
				logger.Info("sensor state", slog.String("state", ev.State.String()), slog.String("device", ev.Device.Name))
			case sensor.EventStopped:
				logger.Warn("sensor stream stopped", slog.String("device", ev.Device.Name), slog.String("error", errString(ev.Err)))
			case sensor.EventUploaded:
				logger.Info("sensor window uploaded",
					slog.Int("samples", ev.Samples),
					slog.Int("accepted", ev.Result.Accepted),
					slog.Int("failed", ev.Result.Failed),
				)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
