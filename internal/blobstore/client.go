// Package blobstore stores encrypted document blobs in an S3-compatible
// backend. Every byte written here is ciphertext: the client encrypts on
// upload, records the wrapped data key and a SHA-256 checksum as object
// metadata, and verifies the checksum before decrypting on download.
//
// All network calls run under bounded exponential retry composed with a
// shared circuit breaker; see resilience.go.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/logging"
)

// Object metadata keys. S3 prefixes these with x-amz-meta- on the wire.
const (
	metaWrappedKey = "wrapped-key"
	metaChecksum   = "checksum-sha256"
)

// S3API is the subset of the AWS S3 client the blob store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Encrypter is the slice of the encryption engine the blob store needs.
// *cryptox.Engine satisfies it.
type Encrypter interface {
	EncryptDocument(ctx context.Context, plaintext []byte) (ciphertext, wrappedKey []byte, err error)
	DecryptDocument(ctx context.Context, ciphertext, wrappedKey []byte) ([]byte, error)
}

// Options tunes the client. Zero values fall back to the defaults below.
type Options struct {
	Bucket string

	// Replica enables best-effort cross-region replication after a
	// successful primary write. Nil disables it.
	Replica       S3API
	ReplicaBucket string

	// OperationTimeout bounds each individual network attempt.
	OperationTimeout time.Duration

	// Retry policy: exponential backoff starting at RetryBase, capped at
	// RetryCap, at most MaxRetries retries after the first attempt.
	RetryBase  time.Duration
	RetryCap   time.Duration
	MaxRetries uint64

	// ReplicationTimeout bounds the detached replica write.
	ReplicationTimeout time.Duration
}

const (
	defaultOperationTimeout   = 10 * time.Second
	defaultRetryBase          = 200 * time.Millisecond
	defaultRetryCap           = 5 * time.Second
	defaultMaxRetries         = 3
	defaultReplicationTimeout = 30 * time.Second
)

type Client struct {
	api     S3API
	crypt   Encrypter
	breaker *Breaker
	logger  logging.Logger

	bucket        string
	replica       S3API
	replicaBucket string

	timeout        time.Duration
	retryBase      time.Duration
	retryCap       time.Duration
	maxRetries     uint64
	replicaTimeout time.Duration

	locks pathLocks
}

func NewClient(api S3API, crypt Encrypter, breaker *Breaker, opts Options, logger logging.Logger) *Client {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = defaultRetryCap
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.ReplicationTimeout <= 0 {
		opts.ReplicationTimeout = defaultReplicationTimeout
	}

	return &Client{
		api:            api,
		crypt:          crypt,
		breaker:        breaker,
		logger:         logger.With("component", "blobstore"),
		bucket:         opts.Bucket,
		replica:        opts.Replica,
		replicaBucket:  opts.ReplicaBucket,
		timeout:        opts.OperationTimeout,
		retryBase:      opts.RetryBase,
		retryCap:       opts.RetryCap,
		maxRetries:     opts.MaxRetries,
		replicaTimeout: opts.ReplicationTimeout,
	}
}

// Upload encrypts plaintext, computes a checksum over the ciphertext, and
// writes the object with the wrapped key and checksum attached as metadata.
// It returns the stored path and the hex SHA-256 of the stored ciphertext.
// Uploads to the same path are serialized; different paths run in parallel.
//
// The plaintext buffer is consumed: the encryption engine zeroes it.
func (c *Client) Upload(ctx context.Context, plaintext []byte, path, contentType string) (storedPath, checksum string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("%w: empty path", common.ErrInvalidInput)
	}

	unlock := c.locks.lock(path)
	defer unlock()

	ciphertext, wrappedKey, err := c.crypt.EncryptDocument(ctx, plaintext)
	if err != nil {
		return "", "", fmt.Errorf("encrypting %q: %w", path, err)
	}

	sum := sha256.Sum256(ciphertext)
	checksum = hex.EncodeToString(sum[:])

	metadata := map[string]string{
		metaWrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		metaChecksum:   checksum,
	}

	_, err = execute(ctx, c, "put "+path, func(ctx context.Context) (struct{}, error) {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(c.bucket),
			Key:                  aws.String(path),
			Body:                 bytes.NewReader(ciphertext),
			ContentType:          aws.String(contentType),
			Metadata:             metadata,
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		return struct{}{}, err
	})
	if err != nil {
		return "", "", err
	}

	if c.replica != nil {
		c.replicate(path, contentType, ciphertext, metadata)
	}

	return path, checksum, nil
}

// replicate writes the ciphertext to the replica bucket on a detached
// context. Failure is logged and never reaches the Upload caller.
func (c *Client) replicate(path, contentType string, ciphertext []byte, metadata map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.replicaTimeout)
		defer cancel()

		_, err := c.replica.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(c.replicaBucket),
			Key:                  aws.String(path),
			Body:                 bytes.NewReader(ciphertext),
			ContentType:          aws.String(contentType),
			Metadata:             metadata,
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		if err != nil {
			c.logger.Warn(ctx, "replication failed", "path", path, "error", err)
		}
	}()
}

type fetched struct {
	body     []byte
	metadata map[string]string
}

// Download reads the object, verifies the ciphertext checksum against the
// stored metadata, and decrypts. A checksum mismatch is fatal and never
// retried: it means corruption or tampering, not transient load.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", common.ErrInvalidInput)
	}

	obj, err := execute(ctx, c, "get "+path, func(ctx context.Context) (fetched, error) {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return fetched{}, mapNotFound(err)
		}
		defer out.Body.Close()

		body, err := io.ReadAll(out.Body)
		if err != nil {
			return fetched{}, err
		}
		return fetched{body: body, metadata: out.Metadata}, nil
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(obj.body)
	if got, want := hex.EncodeToString(sum[:]), obj.metadata[metaChecksum]; got != want {
		return nil, fmt.Errorf("%w: %q: checksum %s, stored %s", common.ErrIntegrityCheckFailed, path, got, want)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(obj.metadata[metaWrappedKey])
	if err != nil || len(wrappedKey) == 0 {
		return nil, fmt.Errorf("%w: %q: missing or malformed wrapped key", common.ErrDecryptionFailed, path)
	}

	plaintext, err := c.crypt.DecryptDocument(ctx, obj.body, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting %q: %w", path, err)
	}
	return plaintext, nil
}

// Delete removes the object if it exists. Deleting a missing object returns
// false without error, so the operation is idempotent.
func (c *Client) Delete(ctx context.Context, path string) (bool, error) {
	exists, err := c.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	_, err = execute(ctx, c, "delete "+path, func(ctx context.Context) (struct{}, error) {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(path),
		})
		return struct{}{}, err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether the object is present.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.head(ctx, path)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMetadata returns the object's user metadata, including the stored
// checksum and the base64 wrapped key.
func (c *Client) GetMetadata(ctx context.Context, path string) (map[string]string, error) {
	out, err := c.head(ctx, path)
	if err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (c *Client) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", common.ErrInvalidInput)
	}
	return execute(ctx, c, "head "+path, func(ctx context.Context) (*s3.HeadObjectOutput, error) {
		out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return nil, mapNotFound(err)
		}
		return out, nil
	})
}

// mapNotFound converts the backend's missing-object errors into the shared
// ErrNotFound sentinel so callers and the retry layer treat them as a normal
// outcome.
func mapNotFound(err error) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", common.ErrNotFound, err)
	}
	// HeadObject surfaces 404 without a modeled type in some backends.
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %v", common.ErrNotFound, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "NotFound" {
		return fmt.Errorf("%w: %v", common.ErrNotFound, err)
	}
	return err
}

// pathLocks serializes uploads per logical path. Locks are refcounted and
// removed from the registry when the last holder releases, so the map does
// not grow with the number of paths ever seen.
type pathLocks struct {
	mu sync.Mutex
	m  map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func (l *pathLocks) lock(path string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*pathLock)
	}
	entry, ok := l.m[path]
	if !ok {
		entry = &pathLock{}
		l.m[path] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.m, path)
		}
		l.mu.Unlock()
	}
}
