// Package bridge is the host-facing entry point to the propagation oracle.
//
// A Bridge is an explicit context object: it owns the configuration, the
// object directory, the oracle connection, the protocol client and the
// measurement recorder. When the configuration is disabled every method
// returns an inert default without touching the network.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tebeka/atexit"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/config"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/observability"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/transport"
	"github.com/signalsfoundry/rt-oracle-bridge/kb"
	"github.com/signalsfoundry/rt-oracle-bridge/measurement"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
	"github.com/signalsfoundry/rt-oracle-bridge/oracle"
)

// Bridge connects a host simulator to the oracle.
type Bridge struct {
	cfg config.Config
	log logging.Logger

	dir       *kb.Directory
	resolver  kb.Resolver
	conn      transport.Conn
	client    *oracle.Client
	recorder  *measurement.Recorder
	collector *observability.OracleCollector
	fatalf    func(format string, args ...any)

	stopTracking func()

	mu           sync.Mutex
	hostPathLoss *float64
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithConn replaces the UDP connection manager.
func WithConn(c transport.Conn) Option {
	return func(b *Bridge) { b.conn = c }
}

// WithDirectory shares an existing directory.
func WithDirectory(d *kb.Directory) Option {
	return func(b *Bridge) { b.dir = d }
}

// WithResolver replaces the position resolver.
func WithResolver(r kb.Resolver) Option {
	return func(b *Bridge) { b.resolver = r }
}

// WithMeasurementRecorder replaces the recorder built from cfg.Log.
func WithMeasurementRecorder(r *measurement.Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithCollector attaches Prometheus metrics.
func WithCollector(c *observability.OracleCollector) Option {
	return func(b *Bridge) { b.collector = c }
}

// WithFatal overrides how the fatal failure policy terminates. The default
// is atexit.Fatalf, which runs registered cleanups first.
func WithFatal(fn func(format string, args ...any)) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.fatalf = fn
		}
	}
}

// New builds a Bridge from cfg. A disabled configuration yields a Bridge that
// opens nothing.
func New(cfg config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:    cfg,
		log:    logging.Noop(),
		fatalf: atexit.Fatalf,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(logging.String("component", "bridge"))
	if b.dir == nil {
		b.dir = kb.NewDirectory()
	}
	if !cfg.Enabled {
		return b, nil
	}

	if b.conn == nil {
		b.conn = transport.NewManager(transport.Options{
			Mode:       cfg.Mode,
			OracleAddr: cfg.OracleAddr(),
			LocalPort:  cfg.LocalPort,
			Timeout:    cfg.ReceiveTimeout,
		}, b.log)
	}

	if b.recorder == nil && !cfg.Log.Disabled {
		rec, err := b.openRecorder()
		if err != nil {
			return nil, err
		}
		b.recorder = rec
	}

	clientOpts := []oracle.Option{
		oracle.WithLogger(b.log),
		oracle.WithVerbose(cfg.Verbose),
		oracle.WithMaxConfirmationAttempts(cfg.MaxConfirmationAttempts),
		oracle.WithResolver(b.resolver),
	}
	if b.collector != nil {
		clientOpts = append(clientOpts, oracle.WithRecorder(b.collector))
		b.stopTracking = b.collector.TrackDirectory(b.dir)
	}
	b.client = oracle.NewClient(b.conn, b.dir, clientOpts...)
	return b, nil
}

func (b *Bridge) openRecorder() (*measurement.Recorder, error) {
	var sinks []measurement.Sink
	if b.cfg.Log.Path != "" {
		csv, err := measurement.OpenCSV(b.cfg.Log.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csv)
	}
	if b.cfg.Log.SQLitePath != "" {
		db, err := measurement.OpenSQLite(b.cfg.Log.SQLitePath)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, db)
	}
	opts := []measurement.RecorderOption{measurement.WithLogger(b.log)}
	if b.collector != nil {
		opts = append(opts, measurement.WithRowHook(b.collector.ObserveRow))
	}
	return measurement.NewRecorder(sinks, opts...), nil
}

// Enabled reports whether the bridge talks to the oracle.
func (b *Bridge) Enabled() bool { return b.cfg.Enabled }

// Config returns the configuration the bridge was built with.
func (b *Bridge) Config() config.Config { return b.cfg }

// Directory returns the object directory.
func (b *Bridge) Directory() *kb.Directory { return b.dir }

// Initialize connects to the oracle. It returns false without doing anything
// when the bridge is disabled.
func (b *Bridge) Initialize(ctx context.Context) (bool, error) {
	if !b.cfg.Enabled {
		b.log.Debug(ctx, "oracle bridge disabled")
		return false, nil
	}
	if err := b.conn.EnsureConnected(ctx); err != nil {
		return false, b.transportFailure(ctx, "connect", err)
	}
	if b.cfg.RegisterAtExit {
		atexit.Register(func() {
			if err := b.Shutdown(context.Background()); err != nil {
				b.log.Warn(context.Background(), "shutdown at exit", logging.Err(err))
			}
		})
	}
	b.log.Info(ctx, "oracle bridge initialized",
		logging.String("mode", b.cfg.Mode.String()),
		logging.String("oracle", b.cfg.OracleAddr()),
	)
	return true, nil
}

// Shutdown notifies the oracle (best effort, no reply awaited) and releases
// the log sinks and the socket. Later calls return the first result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		if !b.cfg.Enabled {
			return
		}
		if err := b.client.NotifyShutdown(ctx); err != nil {
			b.log.Warn(ctx, "shutdown notification failed", logging.Err(err))
		}
		var errs []error
		if b.recorder != nil {
			errs = append(errs, b.recorder.Close())
		}
		errs = append(errs, b.conn.Close())
		if b.stopTracking != nil {
			b.stopTracking()
		}
		b.shutdownErr = errors.Join(errs...)
	})
	return b.shutdownErr
}

// UpdateLocation registers id at pos, deriving the heading from vel.
func (b *Bridge) UpdateLocation(ctx context.Context, id string, pos, vel model.Vector) error {
	return b.UpdateSample(ctx, model.Sample{
		ID:       id,
		Position: pos,
		Velocity: vel,
		Heading:  model.HeadingFromVelocity(vel),
	})
}

// UpdateSample registers a host mobility sample with the oracle. Only an
// unreachable oracle triggers the failure policy.
func (b *Bridge) UpdateSample(ctx context.Context, s model.Sample) error {
	if !b.cfg.Enabled {
		return nil
	}
	err := b.client.UpdateSample(ctx, s)
	if errors.Is(err, transport.ErrUnreachable) {
		return b.transportFailure(ctx, "map_update", err)
	}
	return err
}

// PathLoss returns the oracle path gain in dB between the entities at txPos
// and rxPos, or 0 when none is available.
func (b *Bridge) PathLoss(ctx context.Context, txPos, rxPos model.Vector) (float64, error) {
	if !b.cfg.Enabled {
		return 0, nil
	}
	return b.afterPathGain(ctx, b.client.QueryPathGain(ctx, txPos, rxPos))
}

// PathLossByID is PathLoss with identifiers supplied by the host.
func (b *Bridge) PathLossByID(ctx context.Context, txID, rxID string) (float64, error) {
	if !b.cfg.Enabled {
		return 0, nil
	}
	return b.afterPathGain(ctx, b.client.QueryPathGainByID(ctx, txID, rxID))
}

// PropagationDelay returns the oracle delay in milliseconds, or 0.
func (b *Bridge) PropagationDelay(ctx context.Context, txPos, rxPos model.Vector) (float64, error) {
	if !b.cfg.Enabled {
		return 0, nil
	}
	return settle(b, ctx, b.client.QueryPropagationDelay(ctx, txPos, rxPos))
}

// PropagationDelayByID is PropagationDelay with explicit ids.
func (b *Bridge) PropagationDelayByID(ctx context.Context, txID, rxID string) (float64, error) {
	if !b.cfg.Enabled {
		return 0, nil
	}
	return settle(b, ctx, b.client.QueryPropagationDelayByID(ctx, txID, rxID))
}

// LineOfSight returns the oracle LOS token, or model.LOSUnknown.
func (b *Bridge) LineOfSight(ctx context.Context, txPos, rxPos model.Vector) (model.LOSStatus, error) {
	if !b.cfg.Enabled {
		return model.LOSUnknown, nil
	}
	return settle(b, ctx, b.client.QueryLineOfSight(ctx, txPos, rxPos))
}

// LineOfSightByID is LineOfSight with explicit ids.
func (b *Bridge) LineOfSightByID(ctx context.Context, txID, rxID string) (model.LOSStatus, error) {
	if !b.cfg.Enabled {
		return model.LOSUnknown, nil
	}
	return settle(b, ctx, b.client.QueryLineOfSightByID(ctx, txID, rxID))
}

// RecordTiming starts a measurement row with the host and oracle delays in
// milliseconds.
func (b *Bridge) RecordTiming(hostMS, oracleMS float64) {
	if !b.cfg.Enabled || b.recorder == nil {
		return
	}
	b.recorder.SupplyTiming(hostMS, oracleMS)
}

// RecordHostPathLoss sets the host's own path loss for the next measurement
// row.
func (b *Bridge) RecordHostPathLoss(db float64) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	b.hostPathLoss = measurement.Float(db)
	b.mu.Unlock()
}

// afterPathGain applies the failure policy and, for a usable reply to a
// receiver other than the origin, completes a measurement row.
func (b *Bridge) afterPathGain(ctx context.Context, res oracle.Result[float64]) (float64, error) {
	v, err := settle(b, ctx, res)
	if err != nil || !res.OK() || res.RxID == model.ReservedOriginID {
		return v, err
	}
	if b.recorder == nil {
		return v, nil
	}

	b.recorder.SupplyIdentifiers(res.TxID, res.RxID)
	los := model.LOSUnknown
	if b.cfg.MeasureLOS {
		l, lerr := settle(b, ctx, b.client.QueryLineOfSightByID(ctx, res.TxID, res.RxID))
		if lerr != nil {
			b.log.Warn(ctx, "LOS lookup for measurement failed", logging.Err(lerr))
		}
		los = l
	}

	b.mu.Lock()
	host := b.hostPathLoss
	b.hostPathLoss = nil
	b.mu.Unlock()

	if _, err := b.recorder.SupplyPayload(host, v, los); err != nil {
		b.log.Warn(ctx, "measurement row not fully written", logging.Err(err))
	}
	return v, nil
}

// settle applies the failure policy to a query result. A cancelled caller
// gets its error back without the policy firing.
func settle[T any](b *Bridge, ctx context.Context, res oracle.Result[T]) (T, error) {
	switch res.Outcome {
	case oracle.OutcomeTransportFailure:
		return res.Value, b.transportFailure(ctx, fmt.Sprintf("%s,%s", res.TxID, res.RxID), res.Err)
	case oracle.OutcomeCanceled:
		return res.Value, res.Err
	}
	return res.Value, nil
}

// transportFailure applies the configured failure policy.
func (b *Bridge) transportFailure(ctx context.Context, what string, err error) error {
	b.log.Error(ctx, "oracle unreachable",
		logging.String("exchange", what),
		logging.String("policy", string(b.cfg.FailurePolicy)),
		logging.Err(err),
	)
	if b.cfg.FailurePolicy == config.FailFatal {
		b.fatalf("oracle unreachable (%s): %v", what, err)
	}
	return err
}
