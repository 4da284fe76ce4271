package starling

import "testing"

func TestEventsOnOff(t *testing.T) {
	e := newEvents()
	var named, all int
	off := e.On(EventStats, func(Event) { named++ })
	e.OnAny(func(Event) { all++ })

	e.emit(EventStats, nil)
	e.emit(EventBuffered, nil)
	if named != 1 {
		t.Errorf("Named handler calls: got %d, want 1", named)
	}
	if all != 2 {
		t.Errorf("OnAny handler calls: got %d, want 2", all)
	}

	off()
	e.emit(EventStats, nil)
	if named != 1 {
		t.Errorf("Named handler calls after off: got %d, want 1", named)
	}
}

func TestEventsPanicContained(t *testing.T) {
	e := newEvents()
	var reached bool
	e.OnAny(func(Event) { panic("handler bug") })
	e.OnAny(func(Event) { reached = true })
	e.emit(EventStats, nil)
	if !reached {
		t.Error("Second handler did not run after the first panicked")
	}
}

func TestEventsNilSafe(t *testing.T) {
	var e *Events
	e.emit(EventStats, nil) // must not panic
}
