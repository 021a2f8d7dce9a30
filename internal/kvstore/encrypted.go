package kvstore

import (
	"context"
	"errors"

	"github.com/fernet/fernet-go"
)

// ErrDecrypt is returned when a stored blob fails Fernet verification.
var ErrDecrypt = errors.New("kvstore: blob failed verification")

// Encrypted seals every value with Fernet before handing it to the inner
// store. Tokens never expire.
type Encrypted struct {
	inner Store
	keys  []*fernet.Key // keys[0] encrypts; all keys may decrypt
}

// NewEncrypted parses one or more base64 Fernet keys. The first encrypts.
func NewEncrypted(inner Store, keys ...string) (*Encrypted, error) {
	if len(keys) == 0 {
		return nil, errors.New("kvstore: at least one fernet key is required")
	}
	parsed, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return nil, err
	}
	return &Encrypted{inner: inner, keys: parsed}, nil
}

func (e *Encrypted) Get(ctx context.Context, key string) (string, error) {
	tok, err := e.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(tok), 0, e.keys)
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

func (e *Encrypted) Set(ctx context.Context, key, value string) error {
	tok, err := fernet.EncryptAndSign([]byte(value), e.keys[0])
	if err != nil {
		return err
	}
	return e.inner.Set(ctx, key, string(tok))
}

// Update decrypts the current blob for fn and seals its result. A blob that
// fails verification is handed to fn as unset.
func (e *Encrypted) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return e.inner.Update(ctx, key, func(tok string, found bool) (string, error) {
		cur := ""
		if found {
			if msg := fernet.VerifyAndDecrypt([]byte(tok), 0, e.keys); msg != nil {
				cur = string(msg)
			} else {
				found = false
			}
		}
		next, err := fn(cur, found)
		if err != nil {
			return "", err
		}
		sealed, err := fernet.EncryptAndSign([]byte(next), e.keys[0])
		if err != nil {
			return "", err
		}
		return string(sealed), nil
	})
}
