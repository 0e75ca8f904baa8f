package udsclient

import (
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// CMACKey derives a security access key as the AES-CMAC of the seed. secret
// is a 16, 24 or 32 byte AES key.
func CMACKey(secret, seed []byte) ([]byte, error) {
	cm, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	if _, err := cm.Write(seed); err != nil {
		return nil, err
	}
	return cm.Sum(nil), nil
}

// CMACKeyFunc adapts CMACKey for Unlock.
func CMACKeyFunc(secret []byte) func(seed []byte) ([]byte, error) {
	return func(seed []byte) ([]byte, error) { return CMACKey(secret, seed) }
}
