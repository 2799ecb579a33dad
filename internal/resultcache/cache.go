// Package resultcache fronts expensive operations with a distributed
// key-value cache. Payloads above a size threshold are gzip-compressed; the
// compression flag travels as a one-byte header on the stored value, so
// decoding never depends on the key shape. The cache is an optimization:
// a backend failure is reported as ErrCacheUnavailable and callers are
// expected to fall through to the source of truth.
package resultcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/docvault/internal/common"
)

// Value header tags. Stored as the first byte of every entry.
const (
	tagRaw  byte = 0x00
	tagGzip byte = 0x01
)

// RedisAPI is the subset of the go-redis client the cache uses.
// *redis.Client satisfies it.
type RedisAPI interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Options tunes the cache. Zero values fall back to the defaults below.
type Options struct {
	// OperationTimeout bounds every backend call. The cache must never
	// stall its caller: a slow backend is the same as an unavailable one.
	OperationTimeout time.Duration

	// CompressionThreshold is the payload size in bytes above which
	// entries are gzip-compressed before storage.
	CompressionThreshold int
}

const (
	defaultOperationTimeout     = 500 * time.Millisecond
	defaultCompressionThreshold = 1024
)

type Cache struct {
	rdb       RedisAPI
	timeout   time.Duration
	threshold int
}

func New(rdb RedisAPI, opts Options) *Cache {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = defaultCompressionThreshold
	}
	return &Cache{rdb: rdb, timeout: opts.OperationTimeout, threshold: opts.CompressionThreshold}
}

// Set stores payload under key with the given TTL, compressing when the
// payload exceeds the threshold and compression actually shrinks it.
func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", common.ErrInvalidInput)
	}

	entry, err := encode(payload, c.threshold)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, entry, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", common.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Get returns (payload, true, nil) on a hit and (nil, false, nil) on a miss.
// Backend failures return ErrCacheUnavailable; callers treat those the same
// as a miss but may want to log them.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("%w: empty cache key", common.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q: %v", common.ErrCacheUnavailable, key, err)
	}

	payload, err := decode(entry)
	if err != nil {
		// A corrupt entry is useless; report it as a miss so the caller
		// regenerates and overwrites it.
		return nil, false, nil
	}
	return payload, true, nil
}

// Remove drops the entry. Removing a missing key is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", common.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %q: %v", common.ErrCacheUnavailable, key, err)
	}
	return nil
}

func encode(payload []byte, threshold int) ([]byte, error) {
	if len(payload) <= threshold {
		return append([]byte{tagRaw}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(tagGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}

	// Incompressible payloads stay raw.
	if buf.Len() >= len(payload)+1 {
		return append([]byte{tagRaw}, payload...), nil
	}
	return buf.Bytes(), nil
}

func decode(entry []byte) ([]byte, error) {
	if len(entry) < 1 {
		return nil, errors.New("empty cache entry")
	}

	tag, body := entry[0], entry[1:]
	switch tag {
	case tagRaw:
		return body, nil
	case tagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompressing cache entry: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unknown cache entry tag %#x", tag)
	}
}
