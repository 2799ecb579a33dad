package cryptox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/keysvc"
)

// fakeKeys is an in-memory key provider: "wrapping" is a table lookup keyed
// by an opaque handle, so no real KMS is needed.
type fakeKeys struct {
	mu      sync.Mutex
	seq     int
	keys    map[string][]byte // wrapped handle -> plaintext key
	genErr  error
	decErr  error
	wrapped [][]byte // every wrapped key ever issued, for uniqueness checks
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{keys: map[string][]byte{}}
}

func (f *fakeKeys) GenerateDataKey(ctx context.Context) (*keysvc.DataKey, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := fmt.Sprintf("wrapped-%d", f.seq)
	key := common.GenerateRandByteArray(32)
	f.keys[handle] = append([]byte(nil), key...)
	f.wrapped = append(f.wrapped, []byte(handle))
	return &keysvc.DataKey{Plaintext: key, Wrapped: []byte(handle)}, nil
}

func (f *fakeKeys) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("name:"), plaintext...), nil
}

func (f *fakeKeys) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if f.decErr != nil {
		return nil, f.decErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.keys[string(ciphertext)]; ok {
		return append([]byte(nil), key...), nil
	}
	if rest, ok := bytes.CutPrefix(ciphertext, []byte("name:")); ok {
		return rest, nil
	}
	return nil, errors.New("unknown ciphertext")
}

func TestEncryptDecryptDocument_RoundTrip(t *testing.T) {
	e := NewEngine(newFakeKeys())
	ctx := context.Background()

	cases := [][]byte{
		{},
		[]byte("x"),
		[]byte("ten bytes!"),
		common.GenerateRandByteArray(2 * 1024 * 1024),
	}

	for _, original := range cases {
		// EncryptDocument wipes its input, so hand it a copy.
		input := append([]byte(nil), original...)

		ciphertext, wrappedKey, err := e.EncryptDocument(ctx, input)
		require.NoError(t, err)

		plaintext, err := e.DecryptDocument(ctx, ciphertext, wrappedKey)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(original, plaintext), "round trip mismatch for %d bytes", len(original))
	}
}

func TestEncryptDocument_WipesInputBuffer(t *testing.T) {
	e := NewEngine(newFakeKeys())

	input := []byte("sensitive bytes")
	_, _, err := e.EncryptDocument(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, len(input)), input, "input must be zeroed")
}

func TestEncryptDocument_WipesInputOnFailure(t *testing.T) {
	keys := newFakeKeys()
	keys.genErr = errors.New("kms down")
	e := NewEngine(keys)

	input := []byte("sensitive bytes")
	_, _, err := e.EncryptDocument(context.Background(), input)
	require.Error(t, err)

	assert.Equal(t, make([]byte, len(input)), input, "input must be zeroed even on failure")
}

func TestEncryptDocument_FreshKeyPerCall(t *testing.T) {
	keys := newFakeKeys()
	e := NewEngine(keys)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := e.EncryptDocument(ctx, []byte("same input"))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, w := range keys.wrapped {
		seen[string(w)] = true
	}
	assert.Len(t, seen, 3, "keys must never be reused across documents")
}

func TestDecryptDocument_TamperedCiphertext(t *testing.T) {
	e := NewEngine(newFakeKeys())
	ctx := context.Background()

	ciphertext, wrappedKey, err := e.EncryptDocument(ctx, []byte("hello world"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01

	_, err = e.DecryptDocument(ctx, ciphertext, wrappedKey)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestDecryptDocument_TruncatedCiphertext(t *testing.T) {
	e := NewEngine(newFakeKeys())

	_, err := e.DecryptDocument(context.Background(), []byte{1, 2, 3}, []byte("wrapped-1"))
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestDecryptDocument_UnwrapFailure(t *testing.T) {
	keys := newFakeKeys()
	e := NewEngine(keys)
	ctx := context.Background()

	ciphertext, wrappedKey, err := e.EncryptDocument(ctx, []byte("hello"))
	require.NoError(t, err)

	keys.decErr = errors.New("kms down")
	_, err = e.DecryptDocument(ctx, ciphertext, wrappedKey)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestEncryptDecryptName(t *testing.T) {
	e := NewEngine(newFakeKeys())
	ctx := context.Background()

	wrapped, err := e.EncryptName(ctx, "passport.pdf")
	require.NoError(t, err)

	name, err := e.DecryptName(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, "passport.pdf", name)
}

func TestEncryptName_Empty(t *testing.T) {
	e := NewEngine(newFakeKeys())

	_, err := e.EncryptName(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
