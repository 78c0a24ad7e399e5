package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdKeyPrefix  = "/sgdrift/v1/idempotency/"
	etcdTxAttempts = 3
)

// EtcdStore keeps each record as a JSON value attached to a lease that
// ends with the retention window. Writes are transactions guarded by the
// key's mod revision, so a record read and then replaced cannot have
// changed in between.
type EtcdStore struct {
	client *clientv3.Client
}

// DialEtcd connects to the cluster at endpoints.
func DialEtcd(endpoints []string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return NewEtcdStore(client), nil
}

// NewEtcdStore returns a store over an existing client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func etcdKey(eventID string) string { return etcdKeyPrefix + eventID }

func (s *EtcdStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, *Record, error) {
	key := etcdKey(rec.EventID)
	for i := 0; i < etcdTxAttempts; i++ {
		cur, rev, err := s.read(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if cur.Blocks(now) {
			return false, cur, nil
		}
		ok, err := s.putIfUnchanged(ctx, key, rev, rec, rec.ExpiresAt.Sub(now))
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, nil, nil
		}
	}
	// Lost every race; whoever won holds the record.
	cur, _, err := s.read(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, cur, nil
}

func (s *EtcdStore) Complete(ctx context.Context, eventID, token string, expiresAt time.Time) error {
	key := etcdKey(eventID)
	cur, rev, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.Token != token {
		return ErrLeaseLost
	}
	cur.Status = StatusProcessed
	cur.ExpiresAt = expiresAt
	ok, err := s.putIfUnchanged(ctx, key, rev, *cur, time.Until(expiresAt))
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (s *EtcdStore) Release(ctx context.Context, eventID, token string) error {
	key := etcdKey(eventID)
	cur, rev, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.Token != token {
		return nil
	}
	_, err = s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn delete %q: %w", key, err)
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, eventID string) (*Record, error) {
	rec, _, err := s.read(ctx, etcdKey(eventID))
	return rec, err
}

// Ping asks the first endpoint for its status.
func (s *EtcdStore) Ping(ctx context.Context) error {
	endpoints := s.client.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("etcd: no endpoints configured")
	}
	if _, err := s.client.Status(ctx, endpoints[0]); err != nil {
		return fmt.Errorf("etcd status %s: %w", endpoints[0], err)
	}
	return nil
}

func (s *EtcdStore) Close() error { return s.client.Close() }

// read returns the record at key and its mod revision; revision 0 means
// the key does not exist.
func (s *EtcdStore) read(ctx context.Context, key string) (*Record, int64, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return &rec, resp.Kvs[0].ModRevision, nil
}

// putIfUnchanged writes rec under a fresh lease of ttl when key is still at
// rev. It reports false when the key moved.
func (s *EtcdStore) putIfUnchanged(ctx context.Context, key string, rev int64, rec Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal: %w", err)
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return false, fmt.Errorf("etcd lease grant: %w", err)
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd txn put %q: %w", key, err)
	}
	if !resp.Succeeded {
		// The lease is unused; let it go rather than wait for its TTL.
		_, _ = s.client.Revoke(ctx, lease.ID)
	}
	return resp.Succeeded, nil
}
