// Package measurement assembles oracle answers into tabular records and
// appends them to durable sinks.
package measurement

import (
	"strconv"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// Header is the column layout shared by every sink. tx_id, rx_id,
// pathloss_sionna and LOS are always meaningful; the delay columns are only
// filled when the host supplies timing and pathloss_ns3 only when it supplies
// its own closed-form value.
var Header = []string{
	"delay_ns3_ms",
	"sionna_delay_ms",
	"tx_id",
	"rx_id",
	"pathloss_ns3",
	"pathloss_sionna",
	"LOS",
}

// Row is one completed measurement. Nil pointers render as empty cells.
type Row struct {
	HostDelayMS   *float64
	OracleDelayMS *float64

	TxID string
	RxID string

	HostPathLoss   *float64
	OraclePathLoss float64
	LOS            model.LOSStatus
}

// Cells renders the row in Header order. The result always has len(Header)
// entries.
func (r Row) Cells() []string {
	return []string{
		optional(r.HostDelayMS),
		optional(r.OracleDelayMS),
		r.TxID,
		r.RxID,
		optional(r.HostPathLoss),
		formatFloat(r.OraclePathLoss),
		string(r.LOS),
	}
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Float returns a pointer to v, for the optional Row fields.
func Float(v float64) *float64 { return &v }
