package yamux

import (
	"testing"

	"github.com/muxcore/muxcore/yamux/frame"
)

func TestStreamMapSetGetDelete(t *testing.T) {
	t.Parallel()
	m := newStreamMap()
	s := &stream{id: 3}

	if _, ok := m.Get(3); ok {
		t.Fatal("expected miss on empty map")
	}
	m.Set(3, s)
	got, ok := m.Get(3)
	if !ok || got != s {
		t.Fatalf("expected to find inserted stream, got %v, %v", got, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1, got %d", m.Len())
	}
	m.Delete(3)
	if _, ok := m.Get(3); ok {
		t.Fatal("expected miss after delete")
	}
	if m.Len() != 0 {
		t.Fatalf("expected len 0, got %d", m.Len())
	}
}

func TestStreamMapEachSnapshotsWithoutLock(t *testing.T) {
	t.Parallel()
	m := newStreamMap()
	m.Set(1, &stream{id: 1})
	m.Set(2, &stream{id: 2})

	seen := map[frame.StreamId]bool{}
	m.Each(func(id frame.StreamId, s *stream) {
		seen[id] = true
		// reentrant call into the map must not deadlock since Each releases
		// its lock before invoking fn.
		m.Get(id)
	})
	if len(seen) != 2 {
		t.Fatalf("expected 2 streams visited, got %d", len(seen))
	}
}
