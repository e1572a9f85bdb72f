package yamux

import (
	"sync"

	"github.com/muxcore/muxcore/yamux/frame"
)

const initMapCapacity = 128

// streamMap is the session's registry of live streams, safe for concurrent
// use by the reader goroutine (inserts/lookups) and any caller goroutine
// (removal on terminal close).
type streamMap struct {
	sync.RWMutex
	table map[frame.StreamId]*stream
}

func newStreamMap() *streamMap {
	return &streamMap{table: make(map[frame.StreamId]*stream, initMapCapacity)}
}

func (m *streamMap) Get(id frame.StreamId) (*stream, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.table[id]
	return s, ok
}

func (m *streamMap) Set(id frame.StreamId, s *stream) {
	m.Lock()
	defer m.Unlock()
	m.table[id] = s
}

func (m *streamMap) Delete(id frame.StreamId) {
	m.Lock()
	defer m.Unlock()
	delete(m.table, id)
}

func (m *streamMap) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.table)
}

// Each invokes fn for a point-in-time snapshot of the map, without holding
// the lock during the callback so fn may itself call back into the map.
func (m *streamMap) Each(fn func(id frame.StreamId, s *stream)) {
	m.RLock()
	snapshot := make([]*stream, 0, len(m.table))
	ids := make([]frame.StreamId, 0, len(m.table))
	for id, s := range m.table {
		ids = append(ids, id)
		snapshot = append(snapshot, s)
	}
	m.RUnlock()
	for i, s := range snapshot {
		fn(ids[i], s)
	}
}
