package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultDialTimeout = 5 * time.Second

type etcdOptions struct {
	namespace   string
	leaseTTL    int64
	dialTimeout time.Duration
	logger      *zap.Logger
}

// EtcdOption configures the etcd registry.
type EtcdOption func(*etcdOptions)

// Namespace prepends a root prefix to every key written and read, isolating
// this registry's keys from other users of the same etcd cluster.
func Namespace(ns string) EtcdOption {
	return func(o *etcdOptions) {
		o.namespace = strings.Trim(ns, Separator)
	}
}

// LeaseTTL attaches every written key to a shared lease with the given
// time-to-live in seconds. The lease is kept alive in the background; if the
// owning process dies, its keys expire and disappear from the registry.
// A TTL of 0 disables leasing.
func LeaseTTL(seconds int64) EtcdOption {
	return func(o *etcdOptions) {
		o.leaseTTL = seconds
	}
}

// DialTimeout bounds the initial connection attempt.
func DialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.dialTimeout = d
	}
}

// Logger sets the logger for background lease maintenance.
func Logger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) {
		o.logger = l
	}
}

// EtcdRegistry is the persistent Registry backed by etcd v3.
//
// All keys written through one EtcdRegistry share a single lease (when
// LeaseTTL is set), kept alive by a background goroutine. Losing the lease
// means the keys will expire server-side; re-registration is the caller's
// liveness concern, so the loss is logged rather than repaired here.
type EtcdRegistry struct {
	client *clientv3.Client
	opt    etcdOptions
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	opt := etcdOptions{
		dialTimeout: defaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(&opt)
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: opt.dialTimeout,
		Logger:      opt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &EtcdRegistry{client: client, opt: opt, cancel: cancel}

	if opt.leaseTTL > 0 {
		grant, err := client.Grant(ctx, opt.leaseTTL)
		if err != nil {
			cancel()
			_ = client.Close()
			return nil, fmt.Errorf("grant lease: %w", err)
		}
		r.lease = grant.ID

		ch, err := client.KeepAlive(ctx, grant.ID)
		if err != nil {
			cancel()
			_ = client.Close()
			return nil, fmt.Errorf("keep lease alive: %w", err)
		}
		// Drain keep-alive responses; a closed channel outside shutdown means
		// the lease is gone and registered keys will expire.
		go func() {
			for range ch {
			}
			if ctx.Err() == nil {
				opt.logger.Warn("registry lease keep-alive lost, keys will expire",
					zap.Int64("lease", int64(grant.ID)),
					zap.Int64("ttl", opt.leaseTTL))
			}
		}()
	}
	return r, nil
}

func (r *EtcdRegistry) Get(ctx context.Context, key string) (string, error) {
	resp, err := r.client.Get(ctx, r.fullKey(key))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *EtcdRegistry) Put(ctx context.Context, key, value string) error {
	var opts []clientv3.OpOption
	if r.lease != clientv3.NoLease {
		opts = append(opts, clientv3.WithLease(r.lease))
	}
	_, err := r.client.Put(ctx, r.fullKey(key), value, opts...)
	return err
}

func (r *EtcdRegistry) Delete(ctx context.Context, key string) error {
	_, err := r.client.Delete(ctx, r.fullKey(key))
	return err
}

func (r *EtcdRegistry) ListChildren(ctx context.Context, prefix string) ([]KV, int64, error) {
	target := r.fullKey(prefix)
	key := target + Separator
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)}
	if target == "" {
		// Whole-store listing: etcd rejects an empty prefix, range from the
		// lowest possible key instead.
		key = "\x00"
		opts = []clientv3.OpOption{clientv3.WithFromKey(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)}
	}
	resp, err := r.client.Get(ctx, key, opts...)
	if err != nil {
		return nil, 0, err
	}
	kvs := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{Key: r.logicalKey(string(kv.Key)), Value: string(kv.Value)})
	}
	return kvs, resp.Header.Revision, nil
}

func (r *EtcdRegistry) Watch(ctx context.Context, prefix string, fromRev int64) (<-chan Event, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRev > 0 {
		opts = append(opts, clientv3.WithRev(fromRev+1))
	}
	wch := r.client.Watch(clientv3.WithRequireLeader(ctx), r.fullKey(prefix)+Separator, opts...)

	out := make(chan Event)
	go func() {
		defer close(out)
		for wresp := range wch {
			if wresp.Err() != nil {
				return
			}
			for _, ev := range wresp.Events {
				e := Event{
					Key:      r.logicalKey(string(ev.Kv.Key)),
					Revision: ev.Kv.ModRevision,
				}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					e.Type = Deleted
				case ev.Kv.CreateRevision == ev.Kv.ModRevision:
					e.Type = Added
					e.Value = string(ev.Kv.Value)
				default:
					e.Type = Updated
					e.Value = string(ev.Kv.Value)
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close revokes the shared lease (expiring this process's keys immediately)
// and closes the client connection.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	if r.lease != clientv3.NoLease {
		ctx, cancel := context.WithTimeout(context.Background(), r.opt.dialTimeout)
		_, _ = r.client.Revoke(ctx, r.lease)
		cancel()
	}
	return r.client.Close()
}

func (r *EtcdRegistry) fullKey(key string) string {
	if r.opt.namespace == "" {
		return key
	}
	if key == "" {
		return r.opt.namespace
	}
	return r.opt.namespace + Separator + key
}

func (r *EtcdRegistry) logicalKey(full string) string {
	if r.opt.namespace == "" {
		return full
	}
	return strings.TrimPrefix(full, r.opt.namespace+Separator)
}
