package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"dashfeed/internal/metrics"
)

// DefaultNamespace prefixes every durable key written by this package.
const DefaultNamespace = "dashfeed:"

// Storage is the durable key/value primitive. Implementations may fail on any
// call (quota, permissions, connectivity); the durable tier absorbs those failures.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StorageError describes a failed durable-tier operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: durable %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache: durable %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DurableTier namespaces and serialises entries on top of a Storage.
type DurableTier struct {
	storage  Storage
	prefix   string
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewDurableTier wraps storage. An empty prefix falls back to DefaultNamespace.
func NewDurableTier(storage Storage, prefix string) *DurableTier {
	if prefix == "" {
		prefix = DefaultNamespace
	}
	return &DurableTier{storage: storage, prefix: prefix, logger: slog.Default()}
}

// Prefix returns the namespace marker applied to every key.
func (d *DurableTier) Prefix() string {
	return d.prefix
}

func (d *DurableTier) key(fingerprint string) string {
	return d.prefix + fingerprint
}

// Get returns the stored entry, or false on absence or any failure.
func (d *DurableTier) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	entry, ok, err := d.load(ctx, fingerprint)
	if err != nil {
		d.absorb(err)
		d.recorder.ObserveCacheLookup(metrics.TierDurable, metrics.CacheLookupError)
		return Entry{}, false
	}
	return entry, ok
}

// Put stores the entry. Failures are logged and dropped.
func (d *DurableTier) Put(ctx context.Context, entry Entry) {
	if err := d.save(ctx, entry); err != nil {
		d.absorb(err)
		d.recorder.ObserveCacheStore(metrics.TierDurable, metrics.CacheStoreError)
		return
	}
	d.recorder.ObserveCacheStore(metrics.TierDurable, metrics.CacheStoreStored)
}

// Clear deletes every namespaced key; unrelated keys in the same storage survive.
func (d *DurableTier) Clear(ctx context.Context) {
	keys, err := d.storage.Keys(ctx, d.prefix)
	if err != nil {
		d.absorb(&StorageError{Op: "keys", Err: err})
		return
	}
	for _, key := range keys {
		if err := d.storage.Delete(ctx, key); err != nil {
			d.absorb(&StorageError{Op: "delete", Key: key, Err: err})
		}
	}
}

// Stats counts namespaced keys and approximates their size as key plus value bytes.
func (d *DurableTier) Stats(ctx context.Context) (count int, approxBytes int64) {
	keys, err := d.storage.Keys(ctx, d.prefix)
	if err != nil {
		d.absorb(&StorageError{Op: "keys", Err: err})
		return 0, 0
	}
	for _, key := range keys {
		raw, ok, err := d.storage.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		count++
		approxBytes += int64(len(key) + len(raw))
	}
	return count, approxBytes
}

func (d *DurableTier) load(ctx context.Context, fingerprint string) (Entry, bool, error) {
	key := d.key(fingerprint)
	raw, ok, err := d.storage.Get(ctx, key)
	if err != nil {
		return Entry{}, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, &StorageError{Op: "decode", Key: key, Err: err}
	}
	entry.Fingerprint = fingerprint
	return entry, true, nil
}

func (d *DurableTier) save(ctx context.Context, entry Entry) error {
	key := d.key(entry.Fingerprint)
	raw, err := json.Marshal(entry)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}
	if err := d.storage.Set(ctx, key, raw); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (d *DurableTier) absorb(err error) {
	d.logger.Warn("durable cache tier degraded", slog.String("error", err.Error()))
}

func hasNamespace(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
