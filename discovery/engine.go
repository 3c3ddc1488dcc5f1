// Package discovery is the integration point of the library: it registers
// service instances into the registry through the schema, keeps a live
// per-service view fed by registry watches, and resolves a usable instance
// through the configured strategy.
//
// One Engine serves one registry connection. Views are independent per
// (cluster, service) pair: each has its own watch goroutine, snapshot and
// strategy state, and operations on different pairs never contend.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scoutlight/registry"
	"scoutlight/resolve"
	"scoutlight/schema"
)

var (
	// ErrUnavailable means the instance set for the requested service has
	// never been successfully loaded — distinct from an empty-but-loaded set
	// (resolve.ErrNoInstanceAvailable) so callers can tell "no instances"
	// from "can't reach the registry".
	ErrUnavailable = errors.New("discovery: service instances never loaded")

	// ErrShutdown is returned by operations issued during or after engine
	// teardown.
	ErrShutdown = errors.New("discovery: engine shut down")

	// ErrInstanceNotFound is returned by Update for instances that are not
	// currently registered.
	ErrInstanceNotFound = errors.New("discovery: instance not registered")
)

// Engine orchestrates registration, change propagation and resolution.
type Engine struct {
	reg registry.Registry
	opt options
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	views  map[string]*view
	closed bool

	// writeMu guards the two bookkeeping maps below; the registry I/O of a
	// write happens under the instance prefix's own lock, so writes to
	// different services never contend.
	writeMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
	lastKeys   map[string]map[string]struct{}
}

// New creates an Engine on top of the given registry. The registry is
// borrowed, not owned: Shutdown releases the engine's watches but leaves the
// registry connection to its creator.
func New(reg registry.Registry, opts ...Option) *Engine {
	opt := defaultOptions()
	for _, o := range opts {
		o(&opt)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:      reg,
		opt:      opt,
		log:      opt.logger,
		ctx:      ctx,
		cancel:   cancel,
		views:      make(map[string]*view),
		writeLocks: make(map[string]*sync.Mutex),
		lastKeys:   make(map[string]map[string]struct{}),
	}
}

// Register writes the record's full property set to the registry, deleting
// any keys a previous registration of the same instance wrote that the new
// record no longer covers. Re-registration therefore replaces properties,
// never accumulates them. An empty InstanceID is filled with a generated
// identifier; the stored record is returned.
func (e *Engine) Register(ctx context.Context, rec *schema.ServiceRecord) (*schema.ServiceRecord, error) {
	rec = rec.Clone()
	if rec.InstanceID == "" {
		if err := rec.ValidateForRegistration(); err != nil {
			return nil, err
		}
		rec.InstanceID = newInstanceID()
	}
	kvs, err := e.opt.schema.Serialize(rec)
	if err != nil {
		return nil, err
	}
	prefix, err := e.opt.schema.InstancePrefix(rec.ClusterID, rec.ServiceName, rec.InstanceID)
	if err != nil {
		return nil, err
	}

	wctx, done, err := e.writeCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	defer e.lockPrefix(prefix)()

	prior, err := e.priorKeys(wctx, prefix)
	if err != nil {
		return nil, e.writeErr("list prior keys", prefix, err)
	}

	written := make(map[string]struct{}, len(kvs))
	for _, key := range sortedKeys(kvs) {
		if err = e.reg.Put(wctx, key, kvs[key]); err != nil {
			e.dropKeys(prefix)
			return nil, e.writeErr("write", key, err)
		}
		written[key] = struct{}{}
	}
	for _, key := range schema.Orphans(setToSlice(prior), kvs) {
		if err = e.reg.Delete(wctx, key); err != nil {
			e.dropKeys(prefix)
			return nil, e.writeErr("delete orphaned", key, err)
		}
	}
	e.storeKeys(prefix, written)
	return rec, nil
}

// Deregister deletes every key under the instance's prefix. Deregistering an
// absent instance is not an error.
func (e *Engine) Deregister(ctx context.Context, clusterID, serviceName, instanceID string) error {
	prefix, err := e.opt.schema.InstancePrefix(clusterID, serviceName, instanceID)
	if err != nil {
		return err
	}

	wctx, done, err := e.writeCtx(ctx)
	if err != nil {
		return err
	}
	defer done()

	defer e.lockPrefix(prefix)()

	kvs, _, err := e.reg.ListChildren(wctx, prefix)
	if err != nil {
		return e.writeErr("list", prefix, err)
	}
	keys := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		keys[kv.Key] = struct{}{}
	}
	// Also sweep anything this engine wrote that the listing missed.
	cached, _ := e.cachedKeys(prefix)
	for key := range cached {
		keys[key] = struct{}{}
	}
	for _, key := range setToSlice(keys) {
		if err = e.reg.Delete(wctx, key); err != nil {
			e.dropKeys(prefix)
			return e.writeErr("delete", key, err)
		}
	}
	e.dropKeys(prefix)
	return nil
}

// Update merges props into the instance's current property set and
// re-registers the result. Unlike Register, existing properties not named in
// props survive; this is the explicit partial-merge operation.
func (e *Engine) Update(ctx context.Context, clusterID, serviceName, instanceID string, props map[string]string) (*schema.ServiceRecord, error) {
	rec, err := e.instance(ctx, clusterID, serviceName, instanceID)
	if err != nil {
		return nil, err
	}
	for k, v := range props {
		rec.Properties[k] = v
	}
	return e.Register(ctx, rec)
}

// Resolve returns one instance of the service, selected by the pair's
// strategy against the live snapshot. The first call for a pair blocks on
// the initial full listing; afterwards Resolve never touches the registry.
func (e *Engine) Resolve(ctx context.Context, clusterID, serviceName string) (*schema.ServiceRecord, error) {
	snap, v, err := e.currentSnapshot(ctx, clusterID, serviceName)
	if err != nil {
		return nil, err
	}
	id, err := v.strategy.Select(snap)
	if err != nil {
		return nil, err
	}
	rec, ok := snap.Instances[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s selected unknown instance %q", v.strategy.Name(), id)
	}
	return rec.Clone(), nil
}

// Snapshot returns the current live view of the pair, triggering the initial
// load when necessary. The snapshot is shared and read-only.
func (e *Engine) Snapshot(ctx context.Context, clusterID, serviceName string) (*resolve.Snapshot, error) {
	snap, _, err := e.currentSnapshot(ctx, clusterID, serviceName)
	return snap, err
}

// Subscribe invokes onChange with every snapshot the pair's watch publishes,
// starting the watch if needed. onChange runs on the watch goroutine and
// must not block; panics are logged, never propagated. The returned function
// removes the subscription.
func (e *Engine) Subscribe(clusterID, serviceName string, onChange func(*resolve.Snapshot)) (func(), error) {
	v, err := e.viewFor(clusterID, serviceName)
	if err != nil {
		return nil, err
	}
	return v.subscribe(onChange), nil
}

// ListInstances lists the currently registered instances of a service
// directly from the registry, bypassing the live view. Malformed instances
// are dropped and logged, never fatal for their siblings.
func (e *Engine) ListInstances(ctx context.Context, clusterID, serviceName string) ([]*schema.ServiceRecord, error) {
	prefix, err := e.opt.schema.ServicePrefix(clusterID, serviceName)
	if err != nil {
		return nil, err
	}
	kvs, _, err := e.reg.ListChildren(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	byInstance := make(map[string][]registry.KV)
	for _, kv := range kvs {
		if id, ok := e.opt.schema.InstanceID(prefix, kv.Key); ok {
			byInstance[id] = append(byInstance[id], kv)
		}
	}
	ids := make([]string, 0, len(byInstance))
	for id := range byInstance {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recs := make([]*schema.ServiceRecord, 0, len(ids))
	for _, id := range ids {
		ipfx, err := e.opt.schema.InstancePrefix(clusterID, serviceName, id)
		if err != nil {
			continue
		}
		rec, err := e.opt.schema.Deserialize(ipfx, byInstance[id])
		if err != nil {
			e.log.Warn("skipping malformed instance", zap.String("instance", ipfx), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ListServices lists the service names registered under a cluster.
func (e *Engine) ListServices(ctx context.Context, clusterID string) ([]string, error) {
	prefix, err := e.opt.schema.ClusterPrefix(clusterID)
	if err != nil {
		return nil, err
	}
	kvs, _, err := e.reg.ListChildren(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return childSegments(prefix, kvs), nil
}

// ListClusters lists every cluster present in the registry namespace.
func (e *Engine) ListClusters(ctx context.Context) ([]string, error) {
	kvs, _, err := e.reg.ListChildren(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	return childSegments("", kvs), nil
}

// Shutdown cancels every watch and fails in-flight writes with ErrShutdown.
// Resolve calls already holding a snapshot complete normally. The borrowed
// registry stays open. Idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) viewFor(clusterID, serviceName string) (*view, error) {
	prefix, err := e.opt.schema.ServicePrefix(clusterID, serviceName)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShutdown
	}
	v, ok := e.views[prefix]
	if !ok {
		v = newView(e, clusterID, serviceName, prefix)
		e.views[prefix] = v
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			v.run(e.ctx)
		}()
	}
	return v, nil
}

func (e *Engine) currentSnapshot(ctx context.Context, clusterID, serviceName string) (*resolve.Snapshot, *view, error) {
	v, err := e.viewFor(clusterID, serviceName)
	if err != nil {
		return nil, nil, err
	}
	select {
	case <-v.ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, nil, ErrShutdown
	}
	snap := v.snap.Load()
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnavailable, v.prefix)
	}
	return snap, v, nil
}

// instance fetches one registered record from the registry.
func (e *Engine) instance(ctx context.Context, clusterID, serviceName, instanceID string) (*schema.ServiceRecord, error) {
	prefix, err := e.opt.schema.InstancePrefix(clusterID, serviceName, instanceID)
	if err != nil {
		return nil, err
	}
	kvs, _, err := e.reg.ListChildren(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	if len(kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, prefix)
	}
	return e.opt.schema.Deserialize(prefix, kvs)
}

// lockPrefix serializes writers of one instance prefix and returns the
// unlock. Writers of different prefixes proceed independently.
func (e *Engine) lockPrefix(prefix string) func() {
	e.writeMu.Lock()
	l, ok := e.writeLocks[prefix]
	if !ok {
		l = new(sync.Mutex)
		e.writeLocks[prefix] = l
	}
	e.writeMu.Unlock()
	l.Lock()
	return l.Unlock
}

// cachedKeys returns the last-written key set of prefix. Callers hold the
// prefix lock, so the returned set is stable while they read it.
func (e *Engine) cachedKeys(prefix string) (map[string]struct{}, bool) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	keys, ok := e.lastKeys[prefix]
	return keys, ok
}

func (e *Engine) storeKeys(prefix string, keys map[string]struct{}) {
	e.writeMu.Lock()
	e.lastKeys[prefix] = keys
	e.writeMu.Unlock()
}

func (e *Engine) dropKeys(prefix string) {
	e.writeMu.Lock()
	delete(e.lastKeys, prefix)
	e.writeMu.Unlock()
}

// priorKeys returns the key set the last registration of prefix wrote. A
// cold cache falls back to a listing so that orphan deletion also works for
// instances written by an earlier process.
func (e *Engine) priorKeys(ctx context.Context, prefix string) (map[string]struct{}, error) {
	if prior, ok := e.cachedKeys(prefix); ok {
		return prior, nil
	}
	kvs, _, err := e.reg.ListChildren(ctx, prefix)
	if err != nil {
		return nil, err
	}
	prior := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		prior[kv.Key] = struct{}{}
	}
	return prior, nil
}

// writeCtx derives a context for a caller-initiated write that is cancelled
// by engine shutdown, so in-flight writes fail instead of hanging.
func (e *Engine) writeCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, nil, ErrShutdown
	}
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return wctx, func() {
		stop()
		cancel()
	}, nil
}

// writeErr maps registry write failures caused by teardown to ErrShutdown;
// everything else is surfaced directly, never silently retried.
func (e *Engine) writeErr(op, key string, err error) error {
	if e.ctx.Err() != nil {
		return fmt.Errorf("%w: %s %q", ErrShutdown, op, key)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

func newInstanceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setToSlice(set map[string]struct{}) []string {
	s := make([]string, 0, len(set))
	for k := range set {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}

func childSegments(prefix string, kvs []registry.KV) []string {
	seen := make(map[string]struct{})
	for _, kv := range kvs {
		if seg, ok := schema.ChildSegment(prefix, kv.Key); ok {
			seen[seg] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for seg := range seen {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}
