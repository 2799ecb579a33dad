// Package keysvc wraps the remote key management service. It hands out
// per-document data keys for envelope encryption and encrypts/decrypts small
// payloads (such as file names) directly, without an envelope.
package keysvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/semaphore"

	"github.com/dmitrijs2005/docvault/internal/common"
)

// MaxDirectPayload is the largest payload the remote service encrypts
// directly. Larger data must go through envelope encryption.
const MaxDirectPayload = 4096

// KMSAPI is the subset of the AWS KMS client the key service uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// DataKey holds both forms of a per-document key. Plaintext lives only in
// process memory; the caller must Wipe it as soon as encryption is done.
// Wrapped is the ciphertext form persisted alongside the blob.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// Wipe zeroes the plaintext form. The wrapped form is not sensitive.
func (k *DataKey) Wipe() {
	common.WipeByteArray(k.Plaintext)
}

// Options tunes the client. Zero values fall back to the defaults below.
type Options struct {
	// KeyID is the master key id or alias used to wrap data keys.
	KeyID string

	// OperationTimeout bounds each remote call.
	OperationTimeout time.Duration

	// AcquireWait bounds how long a caller waits for a concurrency slot
	// before failing with ErrRateLimitExceeded.
	AcquireWait time.Duration

	// Concurrency ceilings per logical operation type.
	MaxConcurrentGenerate int64
	MaxConcurrentEncrypt  int64
	MaxConcurrentDecrypt  int64
}

const (
	defaultOperationTimeout = 5 * time.Second
	defaultAcquireWait      = 2 * time.Second
	defaultConcurrency      = 16
)

// Client is a rate-limited key service client. Each logical operation type
// has its own concurrency ceiling so a flood of one operation cannot starve
// the others.
type Client struct {
	api     KMSAPI
	keyID   string
	timeout time.Duration
	wait    time.Duration

	genSem *semaphore.Weighted
	encSem *semaphore.Weighted
	decSem *semaphore.Weighted
}

func NewClient(api KMSAPI, opts Options) *Client {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = defaultAcquireWait
	}
	if opts.MaxConcurrentGenerate <= 0 {
		opts.MaxConcurrentGenerate = defaultConcurrency
	}
	if opts.MaxConcurrentEncrypt <= 0 {
		opts.MaxConcurrentEncrypt = defaultConcurrency
	}
	if opts.MaxConcurrentDecrypt <= 0 {
		opts.MaxConcurrentDecrypt = defaultConcurrency
	}

	return &Client{
		api:     api,
		keyID:   opts.KeyID,
		timeout: opts.OperationTimeout,
		wait:    opts.AcquireWait,
		genSem:  semaphore.NewWeighted(opts.MaxConcurrentGenerate),
		encSem:  semaphore.NewWeighted(opts.MaxConcurrentEncrypt),
		decSem:  semaphore.NewWeighted(opts.MaxConcurrentDecrypt),
	}
}

// GenerateDataKey requests a fresh 256-bit data key from the remote service
// and returns both its plaintext and wrapped forms.
func (c *Client) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	release, err := c.acquire(ctx, c.genSem)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(c.keyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, classify("generate data key", err)
	}

	return &DataKey{Plaintext: out.Plaintext, Wrapped: out.CiphertextBlob}, nil
}

// Encrypt encrypts a small payload (≤ MaxDirectPayload bytes) directly with
// the master key and returns the ciphertext.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext) > MaxDirectPayload {
		return nil, fmt.Errorf("%w: direct payload must be 1..%d bytes, got %d",
			common.ErrInvalidInput, MaxDirectPayload, len(plaintext))
	}

	release, err := c.acquire(ctx, c.encSem)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.api.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, classify("encrypt", err)
	}

	return out.CiphertextBlob, nil
}

// Decrypt reverses Encrypt. Also used to unwrap data keys, since the wrapped
// form is plain KMS ciphertext.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", common.ErrInvalidInput)
	}

	release, err := c.acquire(ctx, c.decSem)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, classify("decrypt", err)
	}

	return out.Plaintext, nil
}

// acquire takes a slot on the given semaphore, waiting at most c.wait.
// An expired wait means the ceiling is saturated: the caller gets
// ErrRateLimitExceeded instead of blocking indefinitely.
func (c *Client) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no slot within %v", common.ErrRateLimitExceeded, c.wait)
	}
	return func() { sem.Release(1) }, nil
}

// classify maps a remote error onto the shared taxonomy: authorization
// failures become ErrKeyServiceDenied, everything else (throttling, network,
// 5xx) becomes ErrKeyServiceUnavailable.
func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedException", "DisabledException":
			return fmt.Errorf("%w: %s: %v", common.ErrKeyServiceDenied, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", common.ErrKeyServiceUnavailable, op, err)
}
