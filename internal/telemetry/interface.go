package telemetry

import "context"

// History stores encoded records so that clients can fetch ranges they
// were not connected for. Payloads are record bodies as produced by
// EncodeRecord, without the frame header.
type History interface {
	Append(streamID uint16, ts float64, payload []byte) error
	Query(ctx context.Context, streamID uint16, from, to float64, fn func(ts float64, payload []byte) error) error
}

// RecordLogger is the producer side of a registered stream.
type RecordLogger interface {
	Log(ts float64, values ...any) error
}
