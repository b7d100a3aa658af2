package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e fakeEntry) Bucket() string                  { return DefaultBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return e.revision }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeBucket struct {
	values   map[string][]byte
	revision uint64
	putErrs  []error
	puts     int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{values: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	v, ok := b.values[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v, revision: b.revision}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.puts++
	if len(b.putErrs) > 0 {
		err := b.putErrs[0]
		b.putErrs = b.putErrs[1:]
		return 0, err
	}
	b.revision++
	b.values[key] = append([]byte(nil), value...)
	return b.revision, nil
}

func (b *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	delete(b.values, key)
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestKVStore(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	s := newKVStore(bucket, "site one")
	s.retry = fastRetry()

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, []byte("cp")))
	assert.Contains(t, bucket.values, "site_one")

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cp", string(data))

	require.NoError(t, s.Delete(ctx))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVStore_SaveRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	bucket.putErrs = []error{errors.New("timeout"), errors.New("timeout")}
	s := newKVStore(bucket, "")
	s.retry = fastRetry()

	require.NoError(t, s.Save(ctx, []byte("cp")))
	assert.Equal(t, 3, bucket.puts)
	assert.Equal(t, "cp", string(bucket.values["checkpoint"]))
}

func TestKVStore_SaveGivesUp(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	s := newKVStore(bucket, "")
	s.retry = fastRetry()

	err := s.Save(context.Background(), []byte("cp"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}

func TestKVKey(t *testing.T) {
	assert.Equal(t, "checkpoint", kvKey(""))
	assert.Equal(t, "blog.example.com", kvKey("blog.example.com"))
	assert.Equal(t, "a_b_c", kvKey("a b*c"))
}
