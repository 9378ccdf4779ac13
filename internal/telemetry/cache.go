package telemetry

import (
	"sort"
	"sync"
)

// Interval is a closed time range [From, To].
type Interval struct {
	From float64
	To   float64
}

type streamCache struct {
	records []Record
	covered []Interval
}

// insert keeps records in non-decreasing timestamp order. A record with
// a timestamp already present replaces nothing and is dropped.
func (c *streamCache) insert(r Record) {
	n := len(c.records)
	if n == 0 || c.records[n-1].Timestamp < r.Timestamp {
		c.records = append(c.records, r)
		return
	}

	i := sort.Search(n, func(i int) bool { return c.records[i].Timestamp >= r.Timestamp })
	if i < n && c.records[i].Timestamp == r.Timestamp {
		return
	}
	c.records = append(c.records, Record{})
	copy(c.records[i+1:], c.records[i:])
	c.records[i] = r
}

func (c *streamCache) cover(from, to float64) {
	if to < from {
		return
	}

	merged := make([]Interval, 0, len(c.covered)+1)
	iv := Interval{from, to}
	placed := false
	for _, cur := range c.covered {
		switch {
		case cur.To < iv.From:
			merged = append(merged, cur)
		case cur.From > iv.To:
			if !placed {
				merged = append(merged, iv)
				placed = true
			}
			merged = append(merged, cur)
		default:
			iv.From = min(iv.From, cur.From)
			iv.To = max(iv.To, cur.To)
		}
	}
	if !placed {
		merged = append(merged, iv)
	}
	c.covered = merged
}

func (c *streamCache) missing(from, to float64) []Interval {
	var gaps []Interval

	cursor := from
	for _, iv := range c.covered {
		if iv.To < cursor {
			continue
		}
		if iv.From > to {
			break
		}
		if iv.From > cursor {
			gaps = append(gaps, Interval{cursor, iv.From})
		}
		cursor = iv.To
		if cursor >= to {
			return gaps
		}
	}

	return append(gaps, Interval{cursor, to})
}

func (c *streamCache) between(from, to float64) []Record {
	lo := sort.Search(len(c.records), func(i int) bool { return c.records[i].Timestamp >= from })
	hi := sort.Search(len(c.records), func(i int) bool { return c.records[i].Timestamp > to })
	if lo >= hi {
		return nil
	}

	out := make([]Record, hi-lo)
	copy(out, c.records[lo:hi])

	return out
}

func (c *streamCache) trim(cutoff float64) {
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].Timestamp >= cutoff })
	c.records = append(c.records[:0:0], c.records[i:]...)

	kept := c.covered[:0]
	for _, iv := range c.covered {
		if iv.To < cutoff {
			continue
		}
		iv.From = max(iv.From, cutoff)
		kept = append(kept, iv)
	}
	c.covered = kept
}

// Cache holds received records per stream together with the time ranges
// known to be complete locally.
type Cache struct {
	mu      sync.RWMutex
	streams map[string]*streamCache
}

func NewCache() *Cache {
	return &Cache{streams: make(map[string]*streamCache)}
}

func (c *Cache) stream(name string) *streamCache {
	sc, ok := c.streams[name]
	if !ok {
		sc = &streamCache{}
		c.streams[name] = sc
	}

	return sc
}

func (c *Cache) Insert(stream string, r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stream(stream).insert(r)
}

// Cover marks [from, to] as completely resident.
func (c *Cache) Cover(stream string, from, to float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stream(stream).cover(from, to)
}

// Missing returns the sub-ranges of [from, to] not yet resident.
func (c *Cache) Missing(stream string, from, to float64) []Interval {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.streams[stream]
	if !ok {
		return []Interval{{from, to}}
	}

	return sc.missing(from, to)
}

// Covered returns a copy of the resident ranges.
func (c *Cache) Covered(stream string) []Interval {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.streams[stream]
	if !ok {
		return nil
	}

	return append([]Interval(nil), sc.covered...)
}

// Range returns the cached records with From <= timestamp <= To.
func (c *Cache) Range(stream string, from, to float64) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.streams[stream]
	if !ok {
		return nil
	}

	return sc.between(from, to)
}

// Trim drops every record older than cutoff. Records at cutoff are kept.
func (c *Cache) Trim(stream string, cutoff float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sc, ok := c.streams[stream]; ok {
		sc.trim(cutoff)
	}
}

// Reset forgets all records and ranges of a stream.
func (c *Cache) Reset(stream string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.streams, stream)
}

func (c *Cache) Len(stream string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sc, ok := c.streams[stream]; ok {
		return len(sc.records)
	}

	return 0
}
