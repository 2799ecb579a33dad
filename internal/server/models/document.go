// Package models defines server-side data models persisted in the database.
package models

import "time"

// Document describes server-side metadata for one stored document. The
// encrypted content itself lives in object storage under StoragePath.
type Document struct {
	// ID is the server-assigned document id (UUID).
	ID string
	// UserID is the owner of the document.
	UserID string
	// EncryptedName is the display name, encrypted via the key service
	// before it touches the database.
	EncryptedName []byte
	// Type is the category tag ("password", "invoice", ...) that is also
	// encoded into the storage path.
	Type string
	// ContentType is the MIME type of the plaintext content.
	ContentType string
	// StoragePath is the object-storage key of the ciphertext blob.
	StoragePath string
	// Checksum is the hex SHA-256 of the stored ciphertext.
	Checksum string

	CreatedAt time.Time
	UpdatedAt time.Time
}
