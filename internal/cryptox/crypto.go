// Package cryptox performs envelope encryption of document bytes: each
// document gets a fresh data key from the key service, the bytes are sealed
// with AES-256-GCM, and only the wrapped form of the key leaves the process.
// Document names are small enough to go through the key service directly.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/keysvc"
)

// KeyProvider is the slice of the key service the engine needs.
// *keysvc.Client satisfies it.
type KeyProvider interface {
	GenerateDataKey(ctx context.Context) (*keysvc.DataKey, error)
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Engine struct {
	keys KeyProvider
}

func NewEngine(keys KeyProvider) *Engine {
	return &Engine{keys: keys}
}

// EncryptDocument seals plaintext with a fresh data key and returns the
// ciphertext (nonce prepended) together with the wrapped key. The wrapped
// key is never reused: every call obtains its own.
//
// The input buffer is zeroed before the call returns, on success and on
// every failure path. Callers needing the plaintext afterwards must pass a
// copy.
func (e *Engine) EncryptDocument(ctx context.Context, plaintext []byte) (ciphertext, wrappedKey []byte, err error) {
	defer common.WipeByteArray(plaintext)

	key, err := e.keys.GenerateDataKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining data key: %w", err)
	}
	defer key.Wipe()

	block, err := aes.NewCipher(key.Plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("gcm init: %w", err)
	}

	nonce := common.GenerateRandByteArray(aesgcm.NonceSize())

	// Seal appends to nonce, so the wire form is nonce || ciphertext || tag.
	out := aesgcm.Seal(nonce, nonce, plaintext, nil)

	return out, key.Wrapped, nil
}

// DecryptDocument unwraps the data key via the key service and opens the
// ciphertext produced by EncryptDocument. Malformed or truncated input and
// unwrap failures surface as ErrDecryptionFailed.
func (e *Engine) DecryptDocument(ctx context.Context, ciphertext, wrappedKey []byte) ([]byte, error) {
	keyBytes, err := e.keys.Decrypt(ctx, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping data key: %v", common.ErrDecryptionFailed, err)
	}
	defer common.WipeByteArray(keyBytes)

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", common.ErrDecryptionFailed, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init: %v", common.ErrDecryptionFailed, err)
	}

	if len(ciphertext) < aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", common.ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:aesgcm.NonceSize()], ciphertext[aesgcm.NonceSize():]

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// EncryptName encrypts a document name through the key service's direct
// small-payload path.
func (e *Engine) EncryptName(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", common.ErrInvalidInput)
	}
	return e.keys.Encrypt(ctx, []byte(name))
}

// DecryptName reverses EncryptName.
func (e *Engine) DecryptName(ctx context.Context, wrapped []byte) (string, error) {
	plain, err := e.keys.Decrypt(ctx, wrapped)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
