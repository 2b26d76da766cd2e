package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// newKeyring parses data as a binary OpenPGP private keyring, falling back
// to ASCII-armored.
func newKeyring(data []byte) (*Keyring, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("pipeline: read PGP keyring: %w", err)
		}
	}
	return &Keyring{entities: entities}, nil
}

// Keyring decrypts the PGP-encrypted, base64-encoded AES key envelope that
// arrives on the Aes-Key request header. The service's private key never
// leaves this process.
type Keyring struct {
	entities openpgp.EntityList
}

// NewKeyring loads an ASCII-armored or binary OpenPGP private keyring from r.
func NewKeyring(r io.Reader) (*Keyring, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read PGP keyring: %w", err)
	}
	return newKeyring(data)
}

// DecryptAESKeyHeader decodes the base64 Aes-Key header and decrypts it
// against the service keyring, returning the raw AES-256 key bytes.
func (k *Keyring) DecryptAESKeyHeader(header string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("pipeline: base64-decode Aes-Key header: %w", err)
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), k.entities, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decrypt Aes-Key header: %w", err)
	}
	key, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read decrypted key: %w", err)
	}
	return key, nil
}

// DecodeAESIVHeader decodes the optional Aes-Iv header, which is sent as
// plain base64 (it need not be kept secret, only unpredictable).
func DecodeAESIVHeader(header string) ([]byte, error) {
	if header == "" {
		return nil, nil
	}
	iv, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("pipeline: base64-decode Aes-Iv header: %w", err)
	}
	return iv, nil
}
