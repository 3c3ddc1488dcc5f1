package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a transient, in-process Registry. It satisfies the same
// contract as the etcd backend, including ordered watch delivery and
// revision-based watch resume, which makes it the backend of choice for
// tests and single-process development.
//
// Every mutation is appended to an in-memory event log so that a watch
// opened with fromRev > 0 can replay changes that happened between a listing
// and the watch call. The log is never compacted; this backend is not meant
// for long-lived production processes.
type MemoryRegistry struct {
	mu       sync.Mutex
	data     map[string]string
	rev      int64
	log      []Event
	watchers map[int]*memWatcher
	nextID   int
	closed   bool
}

type memWatcher struct {
	prefix string
	out    chan Event

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped bool
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		data:     make(map[string]string),
		watchers: make(map[int]*memWatcher),
	}
}

func (m *MemoryRegistry) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryRegistry) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ := Added
	if _, ok := m.data[key]; ok {
		typ = Updated
	}
	m.data[key] = value
	m.rev++
	m.broadcast(Event{Type: typ, Key: key, Value: value, Revision: m.rev})
	return nil
}

func (m *MemoryRegistry) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.rev++
	m.broadcast(Event{Type: Deleted, Key: key, Revision: m.rev})
	return nil
}

func (m *MemoryRegistry) ListChildren(_ context.Context, prefix string) ([]KV, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kvs []KV
	for k, v := range m.data {
		if HasParent(k, prefix) {
			kvs = append(kvs, KV{Key: k, Value: v})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, m.rev, nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, prefix string, fromRev int64) (<-chan Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, nil
	}
	w := &memWatcher{
		prefix: prefix,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
	}
	// Replay history so that no change between a listing at fromRev and this
	// call is lost.
	if fromRev > 0 {
		for _, ev := range m.log {
			if ev.Revision > fromRev && HasParent(ev.Key, prefix) {
				w.queue = append(w.queue, ev)
			}
		}
		if len(w.queue) > 0 {
			w.wake <- struct{}{}
		}
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	go w.drain(ctx, func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	})
	return w.out, nil
}

// Close stops all watches. Further watches complete immediately.
func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, w := range m.watchers {
		w.stop()
		delete(m.watchers, id)
	}
	return nil
}

// broadcast appends ev to the log and enqueues it on matching watchers.
// Caller holds m.mu; enqueueing never blocks, delivery order per watcher is
// the append order.
func (m *MemoryRegistry) broadcast(ev Event) {
	m.log = append(m.log, ev)
	for _, w := range m.watchers {
		if HasParent(ev.Key, w.prefix) {
			w.enqueue(ev)
		}
	}
}

func (w *memWatcher) enqueue(ev Event) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatcher) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// drain moves queued events to the output channel in order until the watch
// is cancelled or the registry closes.
func (w *memWatcher) drain(ctx context.Context, deregister func()) {
	defer func() {
		deregister()
		close(w.out)
	}()
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		stopped := w.stopped
		w.mu.Unlock()

		for _, ev := range pending {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if stopped {
			return
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}
