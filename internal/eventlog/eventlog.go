// Package eventlog keeps the user-facing, timestamped status lines of a run.
package eventlog

import (
	"fmt"
	"sync"
	"time"

	"countryvpn/internal/config"
	"countryvpn/internal/events"
)

// TimeFormat is the wall-clock prefix of every line.
const TimeFormat = "15:04:05"

// Entry is one appended line. Seq starts at 1 and has no gaps.
type Entry struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// String renders the entry as "[HH:MM:SS] text".
func (e Entry) String() string {
	return "[" + e.Time.Format(TimeFormat) + "] " + e.Text
}

// Publisher is the part of the event bus the log needs.
type Publisher interface {
	Publish(events.Event)
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithBus publishes every appended line as an events.LogAppended event.
func WithBus(bus Publisher) Option {
	return func(l *Log) { l.bus = bus }
}

// Log is an append-only, in-memory sequence of entries. It is safe for
// concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	subs    map[int]chan Entry
	nextSub int
	now     func() time.Time
	bus     Publisher
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		subs: make(map[int]chan Entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stamps text with the current time and adds it to the log.
func (l *Log) Append(text string) Entry {
	l.mu.Lock()
	e := Entry{
		Seq:  len(l.entries) + 1,
		Time: l.now(),
		Text: text,
	}
	l.entries = append(l.entries, e)
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; it can catch up with Since
		}
	}
	bus := l.bus
	l.mu.Unlock()

	if bus != nil {
		bus.Publish(events.Event{
			Type:      events.LogAppended,
			Timestamp: e.Time,
			Data:      events.LogData{Seq: e.Seq, Line: e.String()},
		})
	}
	return e
}

// Appendf is Append with fmt.Sprintf formatting.
func (l *Log) Appendf(format string, args ...interface{}) Entry {
	return l.Append(fmt.Sprintf(format, args...))
}

// Entries returns a copy of all entries.
func (l *Log) Entries() []Entry {
	return l.Since(0)
}

// Since returns the entries with Seq greater than seq.
func (l *Log) Since(seq int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.entries) {
		return []Entry{}
	}
	out := make([]Entry, len(l.entries)-seq)
	copy(out, l.entries[seq:])
	return out
}

// Lines returns every entry rendered with its timestamp.
func (l *Log) Lines() []string {
	entries := l.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe follows the tail of the log. Entries are dropped for a
// subscriber that falls behind. The returned func ends the subscription and
// closes the channel.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, config.LogSubscriberBufferSize)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
