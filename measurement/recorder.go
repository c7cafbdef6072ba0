package measurement

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// Piece indexes the three parts of a pending row.
type Piece int

const (
	PieceTiming Piece = iota
	PieceIdentifiers
	PiecePayload
)

// Sink receives completed rows.
type Sink interface {
	Append(Row) error
	Close() error
}

// Recorder accumulates one pending row from three independently supplied
// pieces and appends it to its sinks once identifiers and payload are both
// present.
//
// Cycles must be strictly sequential: timing (optional), identifiers,
// payload. Interleaving two cycles splices their pieces into one row. The
// mutex keeps memory safe but does not detect interleaving.
type Recorder struct {
	mu      sync.Mutex
	sinks   []Sink
	pending Row
	have    [3]bool

	log   logging.Logger
	onRow func(Row)
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger used for sink failures.
func WithLogger(l logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRowHook registers fn to run after every appended row.
func WithRowHook(fn func(Row)) RecorderOption {
	return func(r *Recorder) { r.onRow = fn }
}

// NewRecorder returns a Recorder writing to sinks. With no sinks, rows are
// assembled and dropped.
func NewRecorder(sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sinks: sinks,
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SupplyTiming starts a new cycle with the host and oracle delays in
// milliseconds. Anything still pending is discarded.
func (r *Recorder) SupplyTiming(hostMS, oracleMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.pending.HostDelayMS = Float(hostMS)
	r.pending.OracleDelayMS = Float(oracleMS)
	r.have[PieceTiming] = true
}

// SupplyIdentifiers records the transmitter and receiver ids of the current
// cycle.
func (r *Recorder) SupplyIdentifiers(txID, rxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.TxID = txID
	r.pending.RxID = rxID
	r.have[PieceIdentifiers] = true
}

// SupplyPayload completes the cycle. If identifiers were supplied the row is
// appended to every sink; the pending row is reset either way. hostPathLoss
// may be nil. It reports whether a row was written.
func (r *Recorder) SupplyPayload(hostPathLoss *float64, oraclePathLoss float64, los model.LOSStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.resetLocked()

	if !r.have[PieceIdentifiers] {
		return false, nil
	}
	r.pending.HostPathLoss = hostPathLoss
	r.pending.OraclePathLoss = oraclePathLoss
	r.pending.LOS = los
	r.have[PiecePayload] = true

	row := r.pending
	var errs []error
	for _, s := range r.sinks {
		if err := s.Append(row); err != nil {
			r.log.Error(context.Background(), "measurement sink append failed", logging.Err(err))
			errs = append(errs, err)
		}
	}
	if r.onRow != nil {
		r.onRow(row)
	}
	return true, errors.Join(errs...)
}

// Completion reports which pieces of the current cycle have been supplied.
func (r *Recorder) Completion() [3]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.have
}

// Close closes every sink. Pending pieces are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}

func (r *Recorder) resetLocked() {
	r.pending = Row{}
	r.have = [3]bool{}
}
