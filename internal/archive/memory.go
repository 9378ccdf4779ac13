package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	ts      float64
	payload []byte
}

// Memory keeps the records of the last window per stream, measured from
// the newest timestamp appended to that stream.
type Memory struct {
	mu      sync.RWMutex
	window  float64
	streams map[uint16][]memoryRecord
}

func NewMemory(window time.Duration) *Memory {
	return &Memory{
		window:  window.Seconds(),
		streams: make(map[uint16][]memoryRecord),
	}
}

func (m *Memory) Append(streamID uint16, ts float64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.streams[streamID]
	rec := memoryRecord{ts: ts, payload: append([]byte(nil), payload...)}

	if n := len(recs); n == 0 || recs[n-1].ts < ts {
		recs = append(recs, rec)
	} else {
		i := sort.Search(n, func(i int) bool { return recs[i].ts >= ts })
		if i < n && recs[i].ts == ts {
			return nil
		}
		recs = append(recs, memoryRecord{})
		copy(recs[i+1:], recs[i:])
		recs[i] = rec
	}

	cutoff := recs[len(recs)-1].ts - m.window
	if drop := sort.Search(len(recs), func(i int) bool { return recs[i].ts >= cutoff }); drop > 0 {
		recs = recs[drop:]
	}
	m.streams[streamID] = recs

	return nil
}

func (m *Memory) Query(ctx context.Context, streamID uint16, from, to float64, fn func(float64, []byte) error) error {
	m.mu.RLock()
	recs := m.streams[streamID]
	lo := sort.Search(len(recs), func(i int) bool { return recs[i].ts >= from })
	hi := sort.Search(len(recs), func(i int) bool { return recs[i].ts > to })
	var selected []memoryRecord
	if lo < hi {
		selected = append(selected, recs[lo:hi]...)
	}
	m.mu.RUnlock()

	for _, rec := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec.ts, rec.payload); err != nil {
			return err
		}
	}

	return nil
}

func (m *Memory) Len(streamID uint16) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.streams[streamID])
}

func (*Memory) Close() error {
	return nil
}
