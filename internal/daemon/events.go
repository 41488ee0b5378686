package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Event types.
const (
	EventSnapshot  = "snapshot"
	EventSpend     = "spend"
	EventThreshold = "threshold"
	EventReset     = "reset"
)

// eventLog numbers events, keeps the most recent ones and fans new ones out
// to stream subscribers. A subscriber whose buffer is full misses the event.
type eventLog struct {
	mu     sync.Mutex
	size   int
	nextID int64
	buf    []Event
	subs   map[chan Event]struct{}
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size, subs: make(map[chan Event]struct{})}
}

// publish assigns the next ID to ev and delivers it.
func (l *eventLog) publish(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	ev.ID = l.nextID
	l.buf = append(l.buf, ev)
	if over := len(l.buf) - l.size; over > 0 {
		l.buf = append(l.buf[:0:0], l.buf[over:]...)
	}
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// since returns the retained events with an ID greater than after.
func (l *eventLog) since(after int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0, len(l.buf))
	for _, ev := range l.buf {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// subscribe registers a buffered channel for new events. The returned
// function unregisters it.
func (l *eventLog) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}
}

func (l *eventLog) counts() (events, subscribers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf), len(l.subs)
}

// writeSSE writes ev as one server-sent event. Events with an ID carry it
// so clients can resume with Last-Event-ID.
func writeSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
