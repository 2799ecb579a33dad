package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
)

func discardSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
