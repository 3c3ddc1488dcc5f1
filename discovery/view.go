package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scoutlight/registry"
	"scoutlight/resolve"
	"scoutlight/schema"
)

// watchHealthyAfter is how long a watch stream must survive before the
// retry escalation starts over.
const watchHealthyAfter = time.Minute

// view owns the live state of one (cluster, service) pair: the raw keys
// under the service prefix, the published snapshot, the bound strategy and
// the change subscribers. A single goroutine (run) is the only writer of the
// snapshot; readers load it atomically and keep a consistent reference even
// while a newer version is being installed.
type view struct {
	eng     *Engine
	cluster string
	service string
	prefix  string

	strategy resolve.Strategy

	// ready is closed after the first full-listing attempt, successful or
	// not. A nil snapshot past that point means "never loaded".
	ready     chan struct{}
	readyOnce sync.Once
	snap      atomic.Pointer[resolve.Snapshot]

	// keys mirrors the registry content under prefix. Only the run goroutine
	// touches it, so watch events apply in delivery order with no I/O.
	keys map[string]string

	subMu   sync.Mutex
	subs    map[int]func(*resolve.Snapshot)
	nextSub int
}

func newView(eng *Engine, cluster, service, prefix string) *view {
	return &view{
		eng:      eng,
		cluster:  cluster,
		service:  service,
		prefix:   prefix,
		strategy: eng.opt.strategyFor(cluster, service),
		ready:    make(chan struct{}),
		keys:     make(map[string]string),
		subs:     make(map[int]func(*resolve.Snapshot)),
	}
}

// run drives the Loading → Live → Degraded lifecycle until ctx is cancelled:
// full listing, then watch; on any stream failure, retry with bounded
// exponential backoff while resolve keeps serving the last snapshot.
func (v *view) run(ctx context.Context) {
	attempt := 0
	for {
		rev, err := v.load(ctx)
		v.markReady()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := v.eng.opt.backoff.Delay(attempt)
			v.eng.log.Warn("service listing failed",
				zap.String("service", v.prefix),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
			attempt++
			continue
		}
		started := time.Now()
		err = v.watch(ctx, rev)
		if ctx.Err() != nil {
			return
		}
		// Only a stream that stayed up for a while restarts the escalation;
		// a successful re-list alone does not, so a crash-looping watch
		// still backs off toward Max.
		if time.Since(started) >= watchHealthyAfter {
			attempt = 0
		}
		delay := v.eng.opt.backoff.Delay(attempt)
		v.eng.log.Warn("service watch lost, serving stale snapshot",
			zap.String("service", v.prefix),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if !sleep(ctx, delay) {
			return
		}
		attempt++
	}
}

// load performs the full listing and publishes a rebuilt snapshot.
func (v *view) load(ctx context.Context) (int64, error) {
	kvs, rev, err := v.eng.reg.ListChildren(ctx, v.prefix)
	if err != nil {
		return 0, err
	}
	v.keys = make(map[string]string, len(kvs))
	for _, kv := range kvs {
		v.keys[kv.Key] = kv.Value
	}

	instances := make(map[string]*schema.ServiceRecord)
	for _, id := range v.instanceIDs() {
		if rec := v.deserialize(id); rec != nil {
			instances[id] = rec
		}
	}
	snap := &resolve.Snapshot{
		ClusterID:   v.cluster,
		ServiceName: v.service,
		Version:     rev,
		Instances:   instances,
	}
	v.publish(snap)
	v.notify(snap)
	return rev, nil
}

// watch drains the change stream starting after rev, applying events in
// delivery order. It returns when the stream closes.
func (v *view) watch(ctx context.Context, rev int64) error {
	ch, err := v.eng.reg.Watch(ctx, v.prefix, rev)
	if err != nil {
		return err
	}
	for ev := range ch {
		v.apply(ev)
	}
	return ctx.Err()
}

// apply folds one registry event into the key mirror and publishes a new
// snapshot with the affected instance re-deserialized. Events are never
// reordered or coalesced: a delete followed by a re-add leaves the instance
// present.
func (v *view) apply(ev registry.Event) {
	id, ok := v.eng.opt.schema.InstanceID(v.prefix, ev.Key)
	if !ok {
		// A value at the grouping prefix itself, or a key outside the
		// convention. Not representable; ignore.
		v.eng.log.Debug("ignoring event outside instance namespace",
			zap.String("key", ev.Key), zap.Stringer("type", ev.Type))
		return
	}
	switch ev.Type {
	case registry.Deleted:
		delete(v.keys, ev.Key)
	default:
		v.keys[ev.Key] = ev.Value
	}

	old := v.snap.Load()
	instances := make(map[string]*schema.ServiceRecord, len(old.Instances))
	for k, r := range old.Instances {
		instances[k] = r
	}
	if rec := v.deserialize(id); rec != nil {
		instances[id] = rec
	} else {
		delete(instances, id)
	}

	version := old.Version + 1
	if ev.Revision > version {
		version = ev.Revision
	}
	next := &resolve.Snapshot{
		ClusterID:   v.cluster,
		ServiceName: v.service,
		Version:     version,
		Instances:   instances,
	}
	v.publish(next)
	v.notify(next)
}

// deserialize rebuilds the record of one instance from the key mirror.
// It returns nil when the instance has no keys left or its keys are
// malformed; a malformed instance is dropped without affecting siblings.
func (v *view) deserialize(id string) *schema.ServiceRecord {
	ipfx, err := v.eng.opt.schema.InstancePrefix(v.cluster, v.service, id)
	if err != nil {
		return nil
	}
	var kvs []registry.KV
	for k, val := range v.keys {
		if registry.HasParent(k, ipfx) || k == ipfx {
			kvs = append(kvs, registry.KV{Key: k, Value: val})
		}
	}
	if len(kvs) == 0 {
		return nil
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })

	rec, err := v.eng.opt.schema.Deserialize(ipfx, kvs)
	if err != nil {
		v.eng.log.Warn("dropping malformed instance",
			zap.String("instance", ipfx), zap.Error(err))
		return nil
	}
	return rec
}

func (v *view) instanceIDs() []string {
	seen := make(map[string]struct{})
	for k := range v.keys {
		if id, ok := v.eng.opt.schema.InstanceID(v.prefix, k); ok {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *view) publish(s *resolve.Snapshot) {
	v.snap.Store(s)
}

func (v *view) markReady() {
	v.readyOnce.Do(func() { close(v.ready) })
}

// subscribe registers an observer for snapshot replacements and returns its
// removal function.
func (v *view) subscribe(fn func(*resolve.Snapshot)) func() {
	v.subMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.subMu.Unlock()
	return func() {
		v.subMu.Lock()
		delete(v.subs, id)
		v.subMu.Unlock()
	}
}

// notify invokes subscribers on the watch goroutine. A panicking callback is
// logged and isolated so it can never take down event processing.
func (v *view) notify(s *resolve.Snapshot) {
	v.subMu.Lock()
	fns := make([]func(*resolve.Snapshot), 0, len(v.subs))
	for _, fn := range v.subs {
		fns = append(fns, fn)
	}
	v.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					v.eng.log.Error("snapshot subscriber panicked",
						zap.String("service", v.prefix), zap.Any("panic", r))
				}
			}()
			fn(s)
		}()
	}
}

// sleep waits d or until ctx is done; it reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
