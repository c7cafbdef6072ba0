package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/config"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/oraclestub"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

func TestWorkerSerializesConcurrentCallers(t *testing.T) {
	const callers = 16
	var opts []oraclestub.Option
	for i := 0; i < callers; i++ {
		opts = append(opts, oraclestub.WithPathGain("0", fmt.Sprintf("ue%d", i), float64(60+i)))
	}
	stub := startStub(t, opts...)

	cfg := enabledConfig()
	cfg.OraclePort = stub.Port()
	cfg.Log.Disabled = true
	b, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	defer b.Shutdown(ctx)

	w := NewWorker(b, 4)
	defer w.Stop()

	var wg sync.WaitGroup
	results := make([]float64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = w.PathLossByID(ctx, "0", fmt.Sprintf("ue%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(60+i), results[i], "caller %d got another caller's reply", i)
	}
	assert.Len(t, stub.Requests(), callers)
}

func TestWorkerForwardsOperations(t *testing.T) {
	stub := startStub(t)

	cfg := enabledConfig()
	cfg.OraclePort = stub.Port()
	cfg.Log.Disabled = true
	b, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	defer b.Shutdown(ctx)

	w := NewWorker(b, 0)
	defer w.Stop()

	pos := model.Vector{X: 300, Y: 400}
	require.NoError(t, w.UpdateSample(ctx, model.Sample{ID: "ue", Position: pos}))

	delay, err := w.PropagationDelay(ctx, model.Origin, pos)
	require.NoError(t, err)
	assert.InDelta(t, 500/299792458.0*1e3, delay, 1e-12)

	los, err := w.LineOfSight(ctx, model.Origin, pos)
	require.NoError(t, err)
	assert.Equal(t, model.LOSStatus("True"), los)

	loss, err := w.PathLoss(ctx, model.Origin, pos)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
}

func TestWorkerDisabledReturnsDefaults(t *testing.T) {
	disabled, err := New(config.Defaults())
	require.NoError(t, err)
	w := NewWorker(disabled, 0)
	ctx := context.Background()
	pos := model.Vector{X: 1}

	check := func() {
		assert.NoError(t, w.UpdateSample(ctx, model.Sample{ID: "ue", Position: pos}))

		loss, err := w.PathLoss(ctx, model.Origin, pos)
		assert.NoError(t, err)
		assert.Zero(t, loss)

		loss, err = w.PathLossByID(ctx, "0", "ue")
		assert.NoError(t, err)
		assert.Zero(t, loss)

		delay, err := w.PropagationDelay(ctx, model.Origin, pos)
		assert.NoError(t, err)
		assert.Zero(t, delay)

		los, err := w.LineOfSight(ctx, model.Origin, pos)
		assert.NoError(t, err)
		assert.Equal(t, model.LOSUnknown, los)
	}
	check()

	// Still inert once the owner goroutine is gone.
	w.Stop()
	check()
	assert.Zero(t, disabled.Directory().Len())
}

func TestWorkerStop(t *testing.T) {
	stub := startStub(t)
	cfg := enabledConfig()
	cfg.OraclePort = stub.Port()
	cfg.Log.Disabled = true
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Shutdown(context.Background())

	w := NewWorker(b, 0)
	w.Stop()
	w.Stop()
	_, err = w.PathLossByID(context.Background(), "0", "x")
	assert.ErrorIs(t, err, ErrWorkerStopped)
}

func TestWorkerHonoursCallerContext(t *testing.T) {
	stub := startStub(t)
	cfg := enabledConfig()
	cfg.OraclePort = stub.Port()
	cfg.Log.Disabled = true
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Shutdown(context.Background())

	w := NewWorker(b, 0)
	defer w.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = w.Do(context.Background(), func(context.Context, *Bridge) {
			close(started)
			<-block
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.PathLossByID(ctx, "0", "x")
	assert.ErrorIs(t, err, context.Canceled)
	close(block)
}
