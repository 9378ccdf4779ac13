package telemetry

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedRecord struct {
	ts      float64
	payload []byte
}

type memHistory struct {
	mu      sync.Mutex
	records map[uint16][]storedRecord
}

func newMemHistory() *memHistory {
	return &memHistory{records: make(map[uint16][]storedRecord)}
}

func (h *memHistory) Append(streamID uint16, ts float64, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[streamID] = append(h.records[streamID], storedRecord{ts, append([]byte(nil), payload...)})

	return nil
}

func (h *memHistory) Query(ctx context.Context, streamID uint16, from, to float64, fn func(float64, []byte) error) error {
	h.mu.Lock()
	recs := append([]storedRecord(nil), h.records[streamID]...)
	h.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ts < recs[j].ts })
	for _, r := range recs {
		if r.ts < from || r.ts > to {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.ts, r.payload); err != nil {
			return err
		}
	}

	return nil
}

func newTestServer(t *testing.T, history History) (*Server, *Stream) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	srv, err := NewServer(cfg, history, nil)
	require.NoError(t, err)

	st, err := srv.RegisterStream(testSchema(t, "balance-data", 1))
	require.NoError(t, err)

	return srv, st
}

func TestRegisterStream(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, err := srv.RegisterStream(testSchema(t, "balance-data", 2))
	assert.True(t, errors.HasCode(err, ErrDuplicateStream))
	_, err = srv.RegisterStream(testSchema(t, "other", 1))
	assert.True(t, errors.HasCode(err, ErrDuplicateStream))

	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	assert.True(t, srv.Streams()[0].Frozen())
	_, err = srv.RegisterStream(testSchema(t, "late", 5))
	assert.True(t, errors.HasCode(err, ErrServerStarted))
	assert.True(t, errors.HasCode(srv.Start(), ErrServerStarted))
}

func TestLogValidatesRecord(t *testing.T) {
	h := newMemHistory()
	_, st := newTestServer(t, h)

	err := st.Log(1, uint8(1), uint16(2))
	assert.True(t, errors.HasCode(err, ErrRecordMismatch))
	assert.Empty(t, h.records[1])

	require.NoError(t, st.Log(1, testValues(1)...))
	assert.Len(t, h.records[1], 1)
	assert.Equal(t, 1.0, st.Latest())
}

func TestSlowClientIsDropped(t *testing.T) {
	srv, st := newTestServer(t, nil)

	fast := &serverClient{id: "fast", out: make(chan []byte, 8), done: make(chan struct{})}
	slow := &serverClient{id: "slow", out: make(chan []byte, 1), done: make(chan struct{})}
	for _, c := range []*serverClient{fast, slow} {
		local, remote := net.Pipe()
		t.Cleanup(func() { remote.Close() })
		c.conn = local
		srv.clients[c] = struct{}{}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			assert.NoError(t, st.Log(float64(i), testValues(i)...))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a slow client")
	}

	assert.Equal(t, 1, srv.ClientCount())
	assert.Len(t, fast.out, 3)
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not closed")
	}
}

func TestSubscriptionReceivesEvents(t *testing.T) {
	srv, st := newTestServer(t, nil)

	sub := srv.Subscribe(4)
	require.NoError(t, st.Log(2.5, testValues(2)...))

	ev := <-sub.C
	assert.Equal(t, "balance-data", ev.Schema.Name())
	assert.Equal(t, 2.5, ev.Timestamp)
	assert.Equal(t, testValues(2), ev.Values)

	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
}
