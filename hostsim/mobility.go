package hostsim

import (
	"sort"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

type mobilityTick struct {
	interval float64
	until    float64
}

// ScheduleMobility advances every node with a non-zero velocity by
// velocity*interval each interval seconds, up to and including until, and
// pushes each new position to the oracle. Nodes without velocity are left
// alone so the oracle only hears about real movement. A node whose update
// fails keeps its last confirmed position.
func (h *Host) ScheduleMobility(interval, until float64) {
	if interval <= 0 || until < interval {
		return
	}
	h.evt.Schedule(h, mobilityTick{interval: interval, until: until}, handleMobilityTick, vrtime.SecondsToTime(interval))
}

func handleMobilityTick(evtMgr *evtm.EventManager, cxt any, data any) any {
	h := cxt.(*Host)
	tick := data.(mobilityTick)

	h.mu.Lock()
	moved := make([]model.Sample, 0, len(h.positions))
	for _, s := range h.positions {
		if s.Velocity == (model.Vector{}) {
			continue
		}
		s.Position = s.Position.Add(s.Velocity.Scale(tick.interval))
		moved = append(moved, s)
	}
	h.mu.Unlock()

	// Map iteration order is random; keep the wire order stable.
	sort.Slice(moved, func(i, j int) bool { return moved[i].ID < moved[j].ID })
	for _, s := range moved {
		if err := h.oracle.UpdateSample(h.ctx, s); err != nil {
			h.fail(err)
			h.log.Warn(h.ctx, "mobility update failed",
				logging.String("id", s.ID),
				logging.Float("t", evtMgr.CurrentSeconds()),
				logging.Err(err),
			)
			continue
		}
		h.place(s)
	}

	if evtMgr.CurrentSeconds()+tick.interval <= tick.until {
		evtMgr.Schedule(h, tick, handleMobilityTick, vrtime.SecondsToTime(tick.interval))
	}
	return nil
}
