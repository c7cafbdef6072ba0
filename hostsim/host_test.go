package hostsim

import (
	"context"
	"errors"
	"math"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/signalsfoundry/rt-oracle-bridge/core"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

type timing struct{ host, oracle float64 }

type fakeOracle struct {
	mu       sync.Mutex
	samples  []model.Sample
	timings  []timing
	hostLoss []float64

	loss      float64
	delay     float64
	lossErr   error
	delayErr  error
	updateErr func(model.Sample) error
}

func (f *fakeOracle) UpdateSample(_ context.Context, s model.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	if f.updateErr != nil {
		return f.updateErr(s)
	}
	return nil
}

func (f *fakeOracle) PathLoss(context.Context, model.Vector, model.Vector) (float64, error) {
	return f.loss, f.lossErr
}

func (f *fakeOracle) PropagationDelay(context.Context, model.Vector, model.Vector) (float64, error) {
	return f.delay, f.delayErr
}

func (f *fakeOracle) RecordTiming(hostMS, oracleMS float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timings = append(f.timings, timing{hostMS, oracleMS})
}

func (f *fakeOracle) RecordHostPathLoss(db float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostLoss = append(f.hostLoss, db)
}

var _ = Describe("Host", func() {
	var (
		oracle *fakeOracle
		host   *Host
	)

	BeforeEach(func() {
		oracle = &fakeOracle{loss: 10, delay: 0.002}
		host = NewHost(context.Background(), oracle, WithFrequency(3.5e9))
	})

	It("pushes moves to the oracle in time order", func() {
		host.ScheduleMove(2, model.Sample{ID: "ue", Position: model.Vector{X: 20}})
		host.ScheduleMove(1, model.Sample{ID: "ue", Position: model.Vector{X: 10}})

		_, errs := host.Run(10)

		Expect(errs).To(BeEmpty())
		Expect(oracle.samples).To(HaveLen(2))
		Expect(oracle.samples[0].Position.X).To(Equal(10.0))
		Expect(oracle.samples[1].Position.X).To(Equal(20.0))

		s, ok := host.Position("ue")
		Expect(ok).To(BeTrue())
		Expect(s.Position.X).To(Equal(20.0))
	})

	It("keeps the last confirmed position when an update fails", func() {
		refused := errors.New("oracle unreachable")
		oracle.updateErr = func(s model.Sample) error {
			if s.Position.X == 20 {
				return refused
			}
			return nil
		}
		host.ScheduleMove(1, model.Sample{ID: "ue", Position: model.Vector{X: 10}})
		host.ScheduleMove(2, model.Sample{ID: "ue", Position: model.Vector{X: 20}})
		host.ScheduleMove(2, model.Sample{ID: "other", Position: model.Vector{X: 20}})

		_, errs := host.Run(10)

		Expect(errs).To(HaveLen(2))
		Expect(errs[0]).To(MatchError(refused))
		s, ok := host.Position("ue")
		Expect(ok).To(BeTrue())
		Expect(s.Position.X).To(Equal(10.0))
		_, ok = host.Position("other")
		Expect(ok).To(BeFalse())
	})

	It("attenuates the transmit PSD by the oracle loss", func() {
		host.ScheduleMove(0, model.Sample{ID: "gnb", Position: model.Origin})
		host.ScheduleMove(0, model.Sample{ID: "ue", Position: model.Vector{X: 200, Z: 1.5}})
		host.ScheduleTransmission(1, "gnb", "ue", core.SpectrumValue{1, 2})

		receptions, errs := host.Run(10)

		Expect(errs).To(BeEmpty())
		Expect(receptions).To(HaveLen(1))
		r := receptions[0]
		Expect(r.At).To(BeNumerically("~", 1, 1e-9))
		Expect(r.LossDB).To(Equal(10.0))
		Expect(r.DelayMS).To(Equal(0.002))
		Expect(r.Fallback).To(BeFalse())
		Expect(r.RxPSD[0]).To(BeNumerically("~", 0.1, 1e-12))
		Expect(r.RxPSD[1]).To(BeNumerically("~", 0.2, 1e-12))

		Expect(oracle.timings).To(HaveLen(1))
		distance := math.Hypot(200, 1.5)
		Expect(oracle.timings[0].host).To(BeNumerically("~", distance/core.SpeedOfLight*1e3, 1e-12))
		Expect(oracle.hostLoss).To(HaveLen(1))
		Expect(oracle.hostLoss[0]).To(BeNumerically("~", core.FreeSpacePathLossDB(distance, 3.5e9), 1e-9))
	})

	It("falls back to closed-form models when the oracle fails", func() {
		oracle.lossErr = errors.New("unreachable")
		oracle.delayErr = errors.New("unreachable")

		host.ScheduleMove(0, model.Sample{ID: "a", Position: model.Vector{X: 1}})
		host.ScheduleMove(0, model.Sample{ID: "b", Position: model.Vector{X: 1001}})
		host.ScheduleTransmission(1, "a", "b", core.SpectrumValue{1})

		receptions, errs := host.Run(10)

		Expect(errs).To(HaveLen(2))
		Expect(receptions).To(HaveLen(1))
		Expect(receptions[0].Fallback).To(BeTrue())
		Expect(receptions[0].LossDB).To(BeNumerically("~", core.FreeSpacePathLossDB(1000, 3.5e9), 1e-9))
		Expect(receptions[0].DelayMS).To(BeNumerically("~", 1000/core.SpeedOfLight*1e3, 1e-12))
	})

	It("dead-reckons moving nodes on the mobility interval", func() {
		host.ScheduleMove(0, model.Sample{ID: "ue", Velocity: model.Vector{X: 2}})
		host.ScheduleMove(0, model.Sample{ID: "gnb", Position: model.Vector{Y: 5}})
		host.ScheduleMobility(1, 3)

		_, errs := host.Run(10)

		Expect(errs).To(BeEmpty())
		var xs []float64
		for _, s := range oracle.samples {
			if s.ID == "ue" {
				xs = append(xs, s.Position.X)
			}
		}
		Expect(xs).To(Equal([]float64{0, 2, 4, 6}))
		Expect(oracle.samples).To(HaveLen(5))

		s, _ := host.Position("ue")
		Expect(s.Position.X).To(Equal(6.0))
	})

	It("dead-reckons from the last confirmed position after a failed tick", func() {
		failed := false
		oracle.updateErr = func(s model.Sample) error {
			if s.Position.X == 2 && !failed {
				failed = true
				return errors.New("timeout")
			}
			return nil
		}
		host.ScheduleMove(0, model.Sample{ID: "ue", Velocity: model.Vector{X: 2}})
		host.ScheduleMobility(1, 2)

		_, errs := host.Run(10)

		Expect(errs).To(HaveLen(1))
		var xs []float64
		for _, s := range oracle.samples {
			xs = append(xs, s.Position.X)
		}
		Expect(xs).To(Equal([]float64{0, 2, 2}))
		s, _ := host.Position("ue")
		Expect(s.Position.X).To(Equal(2.0))
	})

	It("ignores transmissions between unplaced nodes", func() {
		host.ScheduleTransmission(1, "ghost", "ue", core.SpectrumValue{1})
		receptions, _ := host.Run(10)
		Expect(receptions).To(BeEmpty())
	})

	It("loads a scenario", func() {
		sc, err := ParseScenario([]byte(`
name: corridor
duration: 5
frequency_hz: 28e9
tx_psd: [1e-9]
nodes:
  - id: gnb
    position: {x: 0, y: 0, z: 0}
  - id: ue
    position: {x: 100, y: 0, z: 1.5}
    velocity: {x: 0, y: 1, z: 0}
moves:
  - at: 2
    id: ue
    position: {x: 100, y: 2, z: 1.5}
transmissions:
  - {at: 1, from: gnb, to: ue}
  - {at: 3, from: gnb, to: ue}
`))
		Expect(err).NotTo(HaveOccurred())

		host.Load(sc)
		receptions, errs := host.Run(sc.Duration)

		Expect(errs).To(BeEmpty())
		Expect(oracle.samples).To(HaveLen(3))
		Expect(oracle.samples).To(ContainElement(SatisfyAll(
			HaveField("ID", "ue"),
			HaveField("Heading", 90.0),
		)))
		Expect(receptions).To(HaveLen(2))
		Expect(oracle.hostLoss[1]).To(BeNumerically(">", oracle.hostLoss[0]))
	})
})

var _ = Describe("Scenario validation", func() {
	DescribeTable("rejects",
		func(doc string) {
			_, err := ParseScenario([]byte(doc))
			Expect(errors.Is(err, ErrInvalidScenario)).To(BeTrue(), "err = %v", err)
		},
		Entry("zero duration", "duration: 0\n"),
		Entry("negative sample interval", "duration: 1\nsample_interval: -1\n"),
		Entry("duplicate node", "duration: 1\nnodes: [{id: a}, {id: a}]\n"),
		Entry("unknown mover", "duration: 1\nnodes: [{id: a}]\nmoves: [{at: 0, id: b}]\n"),
		Entry("late transmission", "duration: 1\nnodes: [{id: a}, {id: b}]\ntransmissions: [{at: 2, from: a, to: b}]\n"),
	)

	It("loads the bundled example", func() {
		sc, err := LoadScenario("../configs/scenario.yaml")
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.Nodes).NotTo(BeEmpty())
	})
})
