package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "WPMIGRATE_CHECKPOINTS"

// kvBucket is the part of jetstream.KeyValue the store uses.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// KVStore keeps the checkpoint in a NATS JetStream key-value bucket. Each
// save is a new revision of the key, so the bucket history shows recent
// progress.
type KVStore struct {
	kv    kvBucket
	key   string
	retry retry.Config
}

// NewKVStore opens (or creates) bucket and stores the checkpoint under key.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket, key string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return newKVStore(kv, key), nil
}

func newKVStore(kv kvBucket, key string) *KVStore {
	return &KVStore{kv: kv, key: kvKey(key), retry: retry.DefaultConfig()}
}

// getOrCreateBucket gets an existing KV bucket or creates it.
func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("wpmigrate %s", strings.ToLower(name)),
		History:     5,
	})
}

// kvKey maps a checkpoint key to the characters KV keys allow.
func kvKey(key string) string {
	if key == "" {
		return "checkpoint"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '=', r == '/':
			return r
		default:
			return '_'
		}
	}, key)
}

// Load reads the checkpoint.
func (s *KVStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.retry, func() error {
		entry, err := s.kv.Get(ctx, s.key)
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return retry.NonRetryable(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", s.key, err)
		}
		data = entry.Value()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save writes a new revision of the checkpoint.
func (s *KVStore) Save(ctx context.Context, data []byte) error {
	return retry.Do(ctx, s.retry, func() error {
		if _, err := s.kv.Put(ctx, s.key, data); err != nil {
			return fmt.Errorf("put %s: %w", s.key, err)
		}
		return nil
	})
}

// Delete removes the checkpoint.
func (s *KVStore) Delete(ctx context.Context) error {
	err := s.kv.Delete(ctx, s.key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", s.key, err)
	}
	return nil
}
