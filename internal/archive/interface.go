package archive

import "context"

// Repository stores encoded telemetry records by stream and timestamp.
// It satisfies telemetry.History.
type Repository interface {
	Append(streamID uint16, ts float64, payload []byte) error
	Query(ctx context.Context, streamID uint16, from, to float64, fn func(ts float64, payload []byte) error) error
	Close() error
}
