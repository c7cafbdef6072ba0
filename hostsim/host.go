// Package hostsim drives the bridge from a discrete-event simulation, the
// way a network simulator would: mobility events push samples to the
// oracle and transmission events ask it for loss and delay.
package hostsim

import (
	"context"
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"github.com/signalsfoundry/rt-oracle-bridge/core"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// Oracle is the part of bridge.Bridge the host uses.
type Oracle interface {
	UpdateSample(ctx context.Context, s model.Sample) error
	PathLoss(ctx context.Context, tx, rx model.Vector) (float64, error)
	PropagationDelay(ctx context.Context, tx, rx model.Vector) (float64, error)
	RecordTiming(hostMS, oracleMS float64)
	RecordHostPathLoss(db float64)
}

// Reception is the outcome of one transmission event.
type Reception struct {
	At      float64
	From    string
	To      string
	LossDB  float64
	DelayMS float64
	RxPSD   core.SpectrumValue
	// Fallback is set when the closed-form models replaced the oracle.
	Fallback bool
}

// Host owns an event manager and the current node positions.
type Host struct {
	ctx    context.Context
	evt    *evtm.EventManager
	oracle Oracle
	log    logging.Logger

	hostLoss  core.FreeSpaceLossModel
	hostDelay core.ConstantSpeedDelayModel

	mu         sync.Mutex
	positions  map[string]model.Sample
	receptions []Reception
	errs       []error
}

// Option customises a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// WithFrequency sets the carrier of the host's own free-space model.
func WithFrequency(hz float64) Option {
	return func(h *Host) { h.hostLoss.FrequencyHz = hz }
}

// NewHost returns a host bound to oracle. ctx is handed to every bridge
// call made from event handlers.
func NewHost(ctx context.Context, oracle Oracle, opts ...Option) *Host {
	h := &Host{
		ctx:       ctx,
		evt:       evtm.New(),
		oracle:    oracle,
		log:       logging.Noop(),
		positions: map[string]model.Sample{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logging.String("component", "hostsim"))
	return h
}

// ScheduleMove places s at simulated time at (seconds).
func (h *Host) ScheduleMove(at float64, s model.Sample) {
	h.evt.Schedule(h, s, handleMove, vrtime.SecondsToTime(at))
}

type transmission struct {
	from, to string
	psd      core.SpectrumValue
}

// ScheduleTransmission sends psd from one node to another at time at.
func (h *Host) ScheduleTransmission(at float64, from, to string, psd core.SpectrumValue) {
	h.evt.Schedule(h, transmission{from: from, to: to, psd: psd}, handleTransmission, vrtime.SecondsToTime(at))
}

// Load schedules the nodes, moves and transmissions of sc, plus periodic
// mobility when sc.SampleInterval is set.
func (h *Host) Load(sc *Scenario) {
	if sc.FrequencyHz > 0 {
		h.hostLoss.FrequencyHz = sc.FrequencyHz
	}
	for _, n := range sc.Nodes {
		h.ScheduleMove(0, model.Sample{
			ID:       n.ID,
			Position: n.Position,
			Velocity: n.Velocity,
			Heading:  model.HeadingFromVelocity(n.Velocity),
		})
	}
	for _, m := range sc.Moves {
		h.ScheduleMove(m.At, model.Sample{
			ID:       m.ID,
			Position: m.Position,
			Velocity: m.Velocity,
			Heading:  model.HeadingFromVelocity(m.Velocity),
		})
	}
	for _, tx := range sc.Transmissions {
		h.ScheduleTransmission(tx.At, tx.From, tx.To, sc.TxPSD)
	}
	h.ScheduleMobility(sc.SampleInterval, sc.Duration)
}

// Run processes events up to until seconds and returns every reception in
// event order, plus the errors reported by the oracle.
func (h *Host) Run(until float64) ([]Reception, []error) {
	h.evt.Run(until)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reception(nil), h.receptions...), append([]error(nil), h.errs...)
}

// Position returns the last oracle-confirmed sample for id.
func (h *Host) Position(id string) (model.Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.positions[id]
	return s, ok
}

// place records s as the node's position. Only oracle-confirmed samples are
// placed, so position queries resolve against the directory.
func (h *Host) place(s model.Sample) {
	h.mu.Lock()
	h.positions[s.ID] = s
	h.mu.Unlock()
}

func handleMove(evtMgr *evtm.EventManager, cxt any, data any) any {
	h := cxt.(*Host)
	s := data.(model.Sample)

	if err := h.oracle.UpdateSample(h.ctx, s); err != nil {
		h.fail(err)
		h.log.Warn(h.ctx, "location update failed",
			logging.String("id", s.ID),
			logging.Float("t", evtMgr.CurrentSeconds()),
			logging.Err(err),
		)
		return nil
	}
	h.place(s)
	return nil
}

func handleTransmission(evtMgr *evtm.EventManager, cxt any, data any) any {
	h := cxt.(*Host)
	tx := data.(transmission)
	now := evtMgr.CurrentSeconds()

	h.mu.Lock()
	from, okFrom := h.positions[tx.from]
	to, okTo := h.positions[tx.to]
	h.mu.Unlock()
	if !okFrom || !okTo {
		h.log.Warn(h.ctx, "transmission between unplaced nodes",
			logging.String("from", tx.from),
			logging.String("to", tx.to),
		)
		return nil
	}

	rec := Reception{At: now, From: tx.from, To: tx.to}

	hostDelay, _ := h.hostDelay.DelayMS(h.ctx, from.Position, to.Position)
	oracleDelay, derr := h.oracle.PropagationDelay(h.ctx, from.Position, to.Position)
	if derr != nil {
		h.fail(derr)
		oracleDelay = hostDelay
		rec.Fallback = true
	}
	rec.DelayMS = oracleDelay
	h.oracle.RecordTiming(hostDelay, oracleDelay)

	hostLoss, _ := h.hostLoss.PathLossDB(h.ctx, from.Position, to.Position)
	h.oracle.RecordHostPathLoss(hostLoss)

	loss := core.FallbackLossModel{
		Primary:   core.OracleLossModel{Source: h.oracle},
		Secondary: h.hostLoss,
		OnFallback: func(err error) {
			h.fail(err)
			rec.Fallback = true
		},
	}
	observed := core.LossFunc(func(ctx context.Context, a, b model.Vector) (float64, error) {
		v, err := loss.PathLossDB(ctx, a, b)
		rec.LossDB = v
		return v, err
	})
	psd, err := core.CalcRxPowerSpectralDensity(h.ctx, observed, tx.psd, from.Position, to.Position)
	if err != nil {
		h.fail(err)
	}
	rec.RxPSD = psd

	h.mu.Lock()
	h.receptions = append(h.receptions, rec)
	h.mu.Unlock()

	h.log.Debug(h.ctx, "reception",
		logging.String("from", tx.from),
		logging.String("to", tx.to),
		logging.Float("loss_db", rec.LossDB),
		logging.Float("delay_ms", rec.DelayMS),
	)
	return nil
}

func (h *Host) fail(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}
