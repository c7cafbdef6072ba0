package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/transport"
	"github.com/signalsfoundry/rt-oracle-bridge/kb"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// ErrConfirmationBudget is returned when a location update saw too many
// replies that were not its confirmation token.
var ErrConfirmationBudget = errors.New("location update not confirmed within retry budget")

// DefaultMaxConfirmationAttempts bounds the receive loop of UpdateLocation.
const DefaultMaxConfirmationAttempts = 64

const tracerName = "github.com/signalsfoundry/rt-oracle-bridge/oracle"

// Recorder receives per-exchange measurements. observability.OracleCollector
// implements it.
type Recorder interface {
	ObserveExchange(op string, outcome string, elapsed time.Duration)
	IncConfirmationRetries(n int)
	IncUnresolvedPositions(op string)
}

// Client talks to the oracle over a transport.Conn. One exchange is in
// flight at a time; concurrent callers queue on an internal mutex.
type Client struct {
	mu sync.Mutex

	conn     transport.Conn
	dir      *kb.Directory
	resolver kb.Resolver

	log         logging.Logger
	verbose     bool
	maxAttempts int
	metrics     Recorder
	tracer      trace.Tracer
	now         func() time.Time
}

// Option customises Client construction.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithVerbose logs every exchange at info level.
func WithVerbose(v bool) Option {
	return func(c *Client) { c.verbose = v }
}

// WithResolver replaces the position resolver used by the position-based
// queries.
func WithResolver(r kb.Resolver) Option {
	return func(c *Client) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithMaxConfirmationAttempts bounds the UpdateLocation receive loop.
func WithMaxConfirmationAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// WithTracer overrides the tracer (defaults to the global provider).
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides the timestamp source for directory records.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient wires a client to conn and dir. Unless overridden, identities
// are resolved with kb.PositionResolver over dir.
func NewClient(conn transport.Conn, dir *kb.Directory, opts ...Option) *Client {
	if dir == nil {
		dir = kb.NewDirectory()
	}
	c := &Client{
		conn:        conn,
		dir:         dir,
		resolver:    kb.NewPositionResolver(dir),
		log:         logging.Noop(),
		maxAttempts: DefaultMaxConfirmationAttempts,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "oracle"))
	return c
}

// Directory returns the directory the client confirms updates into.
func (c *Client) Directory() *kb.Directory { return c.dir }

// Resolver returns the active position resolver.
func (c *Client) Resolver() kb.Resolver { return c.resolver }

// UpdateLocation registers id at pos with the oracle and, once the oracle
// confirms with "UPDATED<id>", overwrites the directory entry. Replies that
// are not the confirmation are discarded, up to the retry budget.
func (c *Client) UpdateLocation(ctx context.Context, id string, pos, vel model.Vector, heading float64) error {
	return c.UpdateSample(ctx, model.Sample{ID: id, Position: pos, Velocity: vel, Heading: heading})
}

// UpdateSample is UpdateLocation taking a host sample.
func (c *Client) UpdateSample(ctx context.Context, s model.Sample) error {
	if s.ID == "" {
		return fmt.Errorf("update location: empty object id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, _ = logging.StartExchange(ctx)
	ctx, span := c.startSpan(ctx, OpMapUpdate, attribute.String("oracle.object_id", s.ID))
	defer span.End()
	start := time.Now()

	payload := EncodeMapUpdate(s.ID, s.Position, s.Heading)
	want := ConfirmationToken(s.ID)

	if err := c.conn.Send(ctx, payload); err != nil {
		c.finish(span, OpMapUpdate, failureOutcome(err), start, err)
		return fmt.Errorf("update location %q: %w", s.ID, err)
	}

	discarded := 0
	defer func() {
		if discarded > 0 && c.metrics != nil {
			c.metrics.IncConfirmationRetries(discarded)
		}
	}()

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		reply, err := c.conn.Receive(ctx)
		if err != nil && !errors.Is(err, transport.ErrTruncated) {
			c.finish(span, OpMapUpdate, failureOutcome(err), start, err)
			return fmt.Errorf("update location %q: %w", s.ID, err)
		}
		if err == nil && reply == want {
			if err := c.dir.Upsert(model.RecordFromSample(s, c.now())); err != nil {
				err = fmt.Errorf("update location %q: %w", s.ID, err)
				c.finish(span, OpMapUpdate, OutcomeRejected, start, err)
				return err
			}
			c.logExchange(ctx, "location confirmed",
				logging.String("id", s.ID),
				logging.String("position", s.Position.String()),
				logging.Int("discarded", discarded),
			)
			c.finish(span, OpMapUpdate, OutcomeOK, start, nil)
			return nil
		}
		discarded++
		c.log.Debug(ctx, "discarding reply while awaiting confirmation",
			logging.String("want", want),
			logging.String("got", reply),
		)
	}

	err := fmt.Errorf("%w: %q after %d replies", ErrConfirmationBudget, s.ID, discarded)
	c.log.Warn(ctx, "location update unconfirmed", logging.String("id", s.ID), logging.Err(err))
	c.finish(span, OpMapUpdate, OutcomeProtocolMismatch, start, err)
	return err
}

// QueryPathGain asks for the path gain (dB) between the entities at aPos and
// bPos. Any protocol fault yields 0.
func (c *Client) QueryPathGain(ctx context.Context, aPos, bPos model.Vector) Result[float64] {
	a, b := c.resolvePair(ctx, OpCalcRequest, aPos, bPos)
	return c.QueryPathGainByID(ctx, a.ID, b.ID)
}

// QueryPathGainByID is QueryPathGain with identifiers supplied by the host.
func (c *Client) QueryPathGainByID(ctx context.Context, idA, idB string) Result[float64] {
	return queryFloat(c, ctx, OpCalcRequest, idA, idB, ParsePathGain)
}

// QueryPropagationDelay asks for the propagation delay between the entities
// at aPos and bPos. Any protocol fault yields 0.
func (c *Client) QueryPropagationDelay(ctx context.Context, aPos, bPos model.Vector) Result[float64] {
	a, b := c.resolvePair(ctx, OpGetDelay, aPos, bPos)
	return c.QueryPropagationDelayByID(ctx, a.ID, b.ID)
}

// QueryPropagationDelayByID is QueryPropagationDelay with explicit ids.
func (c *Client) QueryPropagationDelayByID(ctx context.Context, idA, idB string) Result[float64] {
	return queryFloat(c, ctx, OpGetDelay, idA, idB, ParseDelay)
}

// QueryLineOfSight asks whether the entities at aPos and bPos see each other.
// Any protocol fault yields model.LOSUnknown.
func (c *Client) QueryLineOfSight(ctx context.Context, aPos, bPos model.Vector) Result[model.LOSStatus] {
	a, b := c.resolvePair(ctx, OpLOS, aPos, bPos)
	return c.QueryLineOfSightByID(ctx, a.ID, b.ID)
}

// QueryLineOfSightByID is QueryLineOfSight with explicit ids.
func (c *Client) QueryLineOfSightByID(ctx context.Context, idA, idB string) Result[model.LOSStatus] {
	return query(c, ctx, OpLOS, idA, idB, model.LOSUnknown, ParseLOS)
}

// NotifyShutdown tells the oracle the simulation is over. No reply is
// awaited.
func (c *Client) NotifyShutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.startSpan(ctx, OpShutdown)
	defer span.End()
	start := time.Now()

	if err := c.conn.Send(ctx, string(OpShutdown)); err != nil {
		c.finish(span, OpShutdown, failureOutcome(err), start, err)
		return fmt.Errorf("notify shutdown: %w", err)
	}
	c.finish(span, OpShutdown, OutcomeOK, start, nil)
	return nil
}

func queryFloat(c *Client, ctx context.Context, op Op, idA, idB string, parse func(string) (float64, error)) Result[float64] {
	return query(c, ctx, op, idA, idB, 0.0, parse)
}

// query performs one send and exactly one receive.
func query[T any](c *Client, ctx context.Context, op Op, idA, idB string, def T, parse func(string) (T, error)) Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result[T]{Value: def, TxID: idA, RxID: idB}

	ctx, _ = logging.StartExchange(ctx)
	ctx, span := c.startSpan(ctx, op,
		attribute.String("oracle.tx_id", idA),
		attribute.String("oracle.rx_id", idB),
	)
	defer span.End()
	start := time.Now()

	if err := c.conn.Send(ctx, EncodePairRequest(op, idA, idB)); err != nil {
		res.Outcome = failureOutcome(err)
		res.Err = fmt.Errorf("%s %s,%s: %w", op, idA, idB, err)
		c.finish(span, op, res.Outcome, start, err)
		return res
	}

	reply, err := c.conn.Receive(ctx)
	res.Reply = reply
	switch {
	case errors.Is(err, transport.ErrTruncated):
		res.Outcome = OutcomeProtocolMismatch
		c.log.Warn(ctx, "discarding truncated reply", logging.String("op", string(op)), logging.Int("len", len(reply)))
		c.finish(span, op, res.Outcome, start, nil)
		return res
	case err != nil:
		res.Outcome = failureOutcome(err)
		res.Err = fmt.Errorf("%s %s,%s: %w", op, idA, idB, err)
		c.finish(span, op, res.Outcome, start, err)
		return res
	}

	v, perr := parse(reply)
	if perr != nil {
		res.Outcome = OutcomeProtocolMismatch
		c.log.Warn(ctx, "invalid reply; using default",
			logging.String("op", string(op)),
			logging.String("reply", reply),
			logging.Err(perr),
		)
		c.finish(span, op, res.Outcome, start, nil)
		return res
	}

	res.Value = v
	res.Outcome = OutcomeOK
	c.logExchange(ctx, "oracle reply",
		logging.String("op", string(op)),
		logging.String("tx_id", idA),
		logging.String("rx_id", idB),
		logging.Any("value", v),
	)
	c.finish(span, op, res.Outcome, start, nil)
	return res
}

func (c *Client) resolvePair(ctx context.Context, op Op, aPos, bPos model.Vector) (kb.Resolution, kb.Resolution) {
	a := c.resolver.Resolve(aPos)
	b := c.resolver.Resolve(bPos)
	for _, r := range []struct {
		role string
		pos  model.Vector
		res  kb.Resolution
	}{{"tx", aPos, a}, {"rx", bPos, b}} {
		switch {
		case !r.res.Resolved():
			c.log.Warn(ctx, "position not found in directory; sending empty id",
				logging.String("op", string(op)),
				logging.String("role", r.role),
				logging.String("position", r.pos.String()),
			)
			if c.metrics != nil {
				c.metrics.IncUnresolvedPositions(string(op))
			}
		case r.res.Ambiguous():
			c.log.Warn(ctx, "position matched several objects; last match used",
				logging.String("op", string(op)),
				logging.String("role", r.role),
				logging.String("id", r.res.ID),
				logging.Int("matches", r.res.Matches),
			)
		}
	}
	return a, b
}

func (c *Client) logExchange(ctx context.Context, msg string, fields ...logging.Field) {
	if c.verbose {
		c.log.Info(ctx, msg, fields...)
		return
	}
	c.log.Debug(ctx, msg, fields...)
}

func (c *Client) startSpan(ctx context.Context, op Op, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("oracle.op", string(op)))
	return c.tracer.Start(ctx, "oracle."+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// failureOutcome separates a caller that gave up from an oracle that did not
// answer.
func failureOutcome(err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	return OutcomeTransportFailure
}

func (c *Client) finish(span trace.Span, op Op, outcome Outcome, start time.Time, err error) {
	span.SetAttributes(attribute.String("oracle.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.metrics != nil {
		c.metrics.ObserveExchange(string(op), outcome.String(), time.Since(start))
	}
}
