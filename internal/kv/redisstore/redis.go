// Package redisstore adapts github.com/redis/go-redis/v9 to the kv.Store
// interface. Redis's native per-key expiry maps directly onto kv's TTL
// contract, so unlike a SQL-backed adapter this one needs no expiry column
// or sweep goroutine.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/draftlab/issuer/internal/kv"
)

type store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing *redis.Client. keyPrefix namespaces every row this
// store writes, so one Redis instance can back several issuers.
func New(client *redis.Client, keyPrefix string) kv.Store {
	return &store{client: client, prefix: keyPrefix}
}

func (s *store) wireKey(k kv.Key) string {
	return s.prefix + k.Encode()
}

func (s *store) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	b, err := s.client.Get(ctx, s.wireKey(key)).Bytes()
	if err == redis.Nil {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get: %w", err)
	}
	return b, nil
}

func (s *store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	if ttl != 0 {
		if err := kv.ValidateTTL(ttl); err != nil {
			return err
		}
	}
	if err := s.client.Set(ctx, s.wireKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

func (s *store) Remove(ctx context.Context, key kv.Key) error {
	if err := s.client.Del(ctx, s.wireKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: remove: %w", err)
	}
	return nil
}

func (s *store) Scan(ctx context.Context, prefix kv.Key) (<-chan kv.Entry, func(), error) {
	pattern := s.prefix + prefix.Encode() + "*"

	var wireKeys []string
	iter := s.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		wireKeys = append(wireKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, nil, fmt.Errorf("redisstore: scan: %w", err)
	}
	sort.Strings(wireKeys)

	ch := make(chan kv.Entry)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		for _, wk := range wireKeys {
			encoded := strings.TrimPrefix(wk, s.prefix)
			val, err := s.client.Get(ctx, wk).Bytes()
			if err != nil {
				// Expired or deleted between SCAN and GET; skip.
				continue
			}
			entry := kv.Entry{Key: kv.Key{}, Value: val}
			segs := kv.Decode(encoded)
			k, kerr := kv.NewKey(segs...)
			if kerr != nil {
				continue
			}
			// The glob also matches keys whose next segment merely starts
			// with the prefix's last segment; keep only segment-wise matches.
			if !k.HasPrefix(prefix) {
				continue
			}
			entry.Key = k
			select {
			case ch <- entry:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	var closeOnce sync.Once
	closer := func() { closeOnce.Do(func() { close(done) }) }
	return ch, closer, nil
}

func (s *store) Close() error {
	return s.client.Close()
}
