package engine

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Encryption-at-rest is delegated to the wrapped engine's file-level hook:
// the adapter hands it a master key, the engine issues a fresh data key per
// rotation window, records each file's key id next to the file and decrypts
// transparently on read. Callers never see key material; their only contact
// with encryption is the KeyManager they inject.

// Recognized encryption_method values. The AES variants select the master
// key length; the engine runs AES-CTR underneath.
const (
	EncryptionPlaintext = "plaintext"
	EncryptionAES128    = "aes-128-ctr"
	EncryptionAES192    = "aes-192-ctr"
	EncryptionAES256    = "aes-256-ctr"
)

// KeyManager is the external key-management service. MasterKey is called at
// open and must return key material of the length the configured method
// demands. Errors abort the triggering operation; the engine never falls
// back to writing plaintext.
type KeyManager interface {
	// MasterKey returns the current master key for this engine instance.
	MasterKey() ([]byte, error)
}

// StaticKeyManager serves a fixed key. Suitable for tests and single-node
// deployments where the key is provisioned out of band.
type StaticKeyManager struct {
	Key []byte
}

func (m *StaticKeyManager) MasterKey() ([]byte, error) {
	if len(m.Key) == 0 {
		return nil, fmt.Errorf("no key provisioned")
	}
	return m.Key, nil
}

func keyLengthFor(method string) (int, error) {
	switch method {
	case EncryptionPlaintext, "":
		return 0, nil
	case EncryptionAES128:
		return 16, nil
	case EncryptionAES192:
		return 24, nil
	case EncryptionAES256:
		return 32, nil
	default:
		return 0, fmt.Errorf("unknown encryption_method %q", method)
	}
}

// applyEncryption installs the encryption hook on the native options. A key
// manager failure or a key of the wrong length surfaces as
// EncryptionKeyError and fails the open.
func applyEncryption(opts badger.Options, o *Options) (badger.Options, error) {
	keyLen, err := keyLengthFor(o.EncryptionMethod)
	if err != nil {
		return opts, &EncryptionKeyError{Method: o.EncryptionMethod, Err: err}
	}
	if keyLen == 0 {
		return opts, nil
	}

	key, err := o.KeyManager.MasterKey()
	if err != nil {
		return opts, &EncryptionKeyError{Method: o.EncryptionMethod, Err: err}
	}
	if len(key) != keyLen {
		return opts, &EncryptionKeyError{
			Method: o.EncryptionMethod,
			Err:    fmt.Errorf("key manager returned %d bytes, method needs %d", len(key), keyLen),
		}
	}

	opts = opts.WithEncryptionKey(key)
	opts = opts.WithEncryptionKeyRotationDuration(o.KeyRotationInterval)
	// The native engine refuses encryption without an index cache, since
	// decrypted index blocks must live somewhere bounded.
	if opts.IndexCacheSize <= 0 {
		opts = opts.WithIndexCacheSize(64 << 20)
	}
	return opts, nil
}
