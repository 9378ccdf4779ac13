package balance

import (
	"math"

	"codeberg.org/mutker/balancectl/internal/telemetry"
)

const (
	StreamName = "balance-data"
	StreamID   = 1
)

var recordFields = []struct {
	name string
	typ  telemetry.FieldType
}{
	{"gdx", telemetry.Int}, {"gdy", telemetry.Int}, {"gdz", telemetry.Int},
	{"gx", telemetry.Double}, {"gy", telemetry.Double}, {"gz", telemetry.Double},
	{"status", telemetry.Word},
	{"fifo_status", telemetry.Byte},
	{"data_points", telemetry.Byte},
	{"adx", telemetry.Int}, {"ady", telemetry.Int}, {"adz", telemetry.Int},
	{"ax", telemetry.Double}, {"ay", telemetry.Double}, {"az", telemetry.Double},
	{"apitch", telemetry.Double}, {"aroll", telemetry.Double}, {"ayaw", telemetry.Double},
	{"cx", telemetry.Double}, {"cy", telemetry.Double}, {"cz", telemetry.Double},
	{"pi_p", telemetry.Double}, {"pi_i", telemetry.Double}, {"pi_d", telemetry.Double},
	{"pi_pg", telemetry.Double}, {"pi_ig", telemetry.Double}, {"pi_dg", telemetry.Double},
	{"pi_dt", telemetry.Double}, {"pi_o", telemetry.Double},
	{"out", telemetry.Double},
	{"bump", telemetry.Double},
	{"state", telemetry.Byte},
	{"errors", telemetry.Int},
}

// NewSchema returns the layout of the per iteration balance record.
func NewSchema() (*telemetry.Schema, error) {
	s := telemetry.NewSchema(StreamName, StreamID)
	for _, f := range recordFields {
		if err := s.Add(f.name, f.typ); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func clampByte(n int) uint8 {
	return uint8(min(max(n, 0), math.MaxUint8))
}

func clampInt32(n uint64) int32 {
	return int32(min(n, math.MaxInt32))
}

// record assembles the values of one iteration in schema order.
func (e *Engine) record(out, bump float64) []any {
	g := e.lastGyro
	a := e.lastAccel
	angles := e.estimator.Angles()
	o := e.estimator.Orientation()
	pid := e.inner.Snapshot()

	return []any{
		int32(g.DX), int32(g.DY), int32(g.DZ),
		g.Rate.X, g.Rate.Y, g.Rate.Z,
		g.Status,
		g.FIFOStatus,
		clampByte(e.dataPoints),
		int32(a.RawX), int32(a.RawY), int32(a.RawZ),
		a.Value.X, a.Value.Y, a.Value.Z,
		angles.Pitch, angles.Roll, angles.Yaw,
		o.X, o.Y, o.Z,
		pid.P, pid.I, pid.D,
		pid.PG, pid.IG, pid.DG,
		pid.DT, pid.Output,
		out,
		bump,
		uint8(e.state),
		clampInt32(e.faults.count),
	}
}
