package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// eventBuffer is the bound on each subscription's live event channel. A
// consumer that falls this far behind loses live events rather than
// blocking writers. The initial replay is staged separately and never
// competes with this buffer, so a window larger than the buffer replays
// in full.
const eventBuffer = 128

// MemoryStore is a complete in-process Store. It backs the test suites and
// local single-process operation; the production transport plugs in behind
// the same interface.
type MemoryStore struct {
	mu        sync.Mutex
	data      map[string]Record
	subs      map[int]*memorySub
	nextSubID int
}

type memorySub struct {
	store  *MemoryStore
	id     int
	prefix string
	window Window
	live   chan Event
	out    chan Event
	done   chan struct{}
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		subs: make(map[int]*memorySub),
	}
}

func cloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Put writes the record at path, creating or replacing it.
func (ms *MemoryStore) Put(path string, rec Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	_, existed := ms.data[path]
	stored := cloneRecord(rec)
	ms.data[path] = stored

	kind := KindAdded
	if existed {
		kind = KindChanged
	}
	ms.fanout(Event{Kind: kind, Path: path, Record: cloneRecord(stored)})
	return nil
}

// Get reads the record at path.
func (ms *MemoryStore) Get(path string) (Record, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.data[path]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Update applies fn atomically to the record at path.
func (ms *MemoryStore) Update(path string, fn func(Record) (Record, error)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	current, existed := ms.data[path]
	next, err := fn(cloneRecord(current))
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	stored := cloneRecord(next)
	ms.data[path] = stored

	kind := KindAdded
	if existed {
		kind = KindChanged
	}
	ms.fanout(Event{Kind: kind, Path: path, Record: cloneRecord(stored)})
	return nil
}

// Delete removes the record at path. Absent paths are a no-op.
func (ms *MemoryStore) Delete(path string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.data[path]
	if !ok {
		return nil
	}
	delete(ms.data, path)
	ms.fanout(Event{Kind: KindRemoved, Path: path, Record: cloneRecord(rec)})
	return nil
}

// List returns all direct children under prefix, keyed by child id.
func (ms *MemoryStore) List(prefix string) (map[string]Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make(map[string]Record)
	for path, rec := range ms.data {
		if isDirectChild(prefix, path) {
			out[ChildID(path)] = cloneRecord(rec)
		}
	}
	return out, nil
}

// Subscribe opens a live feed of child events under prefix. Existing
// children inside the window are replayed as added events, oldest first,
// before any live event is delivered.
func (ms *MemoryStore) Subscribe(prefix string, opts SubscribeOptions) (Subscription, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sub := &memorySub{
		store:  ms,
		id:     ms.nextSubID,
		prefix: prefix,
		window: opts.Window,
		live:   make(chan Event, eventBuffer),
		out:    make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	ms.nextSubID++
	ms.subs[sub.id] = sub

	children := ms.windowedChildren(prefix, opts.Window)
	replay := make([]Event, 0, len(children))
	for _, path := range children {
		replay = append(replay, Event{Kind: KindAdded, Path: path, Record: cloneRecord(ms.data[path])})
	}
	go sub.pump(replay)

	logrus.WithFields(logrus.Fields{
		"prefix": prefix,
		"sub_id": sub.id,
		"replay": len(replay),
	}).Debug("Opened store subscription")
	return sub, nil
}

// Revoke cancels every subscription under prefix as the transport would on
// permission loss: a terminal cancelled event, then channel close.
func (ms *MemoryStore) Revoke(prefix string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for id, sub := range ms.subs {
		if sub.prefix == prefix {
			sub.deliver(Event{Kind: KindCancelled, Path: prefix})
			sub.closed = true
			close(sub.live)
			delete(ms.subs, id)
		}
	}
}

// windowedChildren returns the direct children of prefix inside the window,
// ordered oldest to newest by their date field.
func (ms *MemoryStore) windowedChildren(prefix string, w Window) []string {
	type dated struct {
		path   string
		millis int64
	}

	var children []dated
	for path, rec := range ms.data {
		if !isDirectChild(prefix, path) {
			continue
		}
		millis, _ := fieldInt(rec, "date")
		if !w.Since.IsZero() && millis > 0 && millis < w.Since.UnixMilli() {
			continue
		}
		children = append(children, dated{path: path, millis: millis})
	}

	sort.Slice(children, func(i, j int) bool {
		if children[i].millis != children[j].millis {
			return children[i].millis < children[j].millis
		}
		return children[i].path < children[j].path
	})

	if w.Limit > 0 && len(children) > w.Limit {
		children = children[len(children)-w.Limit:]
	}

	paths := make([]string, len(children))
	for i, c := range children {
		paths[i] = c.path
	}
	return paths
}

// fanout delivers an event to every live subscription whose prefix covers
// the event path. Caller holds ms.mu.
func (ms *MemoryStore) fanout(ev Event) {
	for _, sub := range ms.subs {
		if !isDirectChild(sub.prefix, ev.Path) && sub.prefix != ev.Path {
			continue
		}
		if !sub.window.Since.IsZero() && ev.Record != nil {
			if millis, err := fieldInt(ev.Record, "date"); err == nil && millis < sub.window.Since.UnixMilli() {
				continue
			}
		}
		sub.deliver(ev)
	}
}

// pump forwards the staged replay, then the live feed, to the consumer.
// The replay is sent blocking so its length is bounded only by the window,
// never by the live buffer.
func (s *memorySub) pump(replay []Event) {
	defer close(s.out)

	for _, ev := range replay {
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
	for {
		select {
		case ev, ok := <-s.live:
			if !ok {
				return
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) deliver(ev Event) {
	select {
	case s.live <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"prefix": s.prefix,
			"sub_id": s.id,
			"kind":   ev.Kind.String(),
		}).Warn("Subscription buffer full, dropping event")
	}
}

// Events returns the subscription's event channel.
func (s *memorySub) Events() <-chan Event { return s.out }

// Cancel closes the subscription. Safe to call more than once.
func (s *memorySub) Cancel() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	delete(s.store.subs, s.id)
}

func isDirectChild(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix+"/") {
		return false
	}
	return !strings.Contains(path[len(prefix)+1:], "/")
}
