package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// ErrNotFound is returned when the keyring holds no item for a reference.
var ErrNotFound = errors.New("credential not found")

// KeyringSource reads secrets from the system keyring. It never writes.
type KeyringSource struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// under fileDir when no native backend is available.
func OpenKeyring(fileDir string) (*KeyringSource, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringSource(ring), nil
}

// NewKeyringSource wraps an already opened keyring.
func NewKeyringSource(ring keyring.Keyring) *KeyringSource {
	return &KeyringSource{ring: ring}
}

// Lookup returns the secret stored under ref.
func (k *KeyringSource) Lookup(ref string) (string, error) {
	item, err := k.ring.Get(ref)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", ref, err)
	}
	return string(item.Data), nil
}
