package qsdk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "qmesh"

	// SecretEnv overrides the keyring for the daemon signing secret, for
	// machines without a keyring service.
	SecretEnv = "QMESH_API_SECRET"
)

// normalizeKey converts a daemon address into a stable key name for keyring
// storage, so 127.0.0.1:7878/ and 127.0.0.1:7878 share an entry.
func normalizeKey(addr string) string {
	s := strings.TrimSpace(addr)
	s = strings.TrimRight(s, "/")
	s = strings.ToLower(s)
	return s
}

func secretKey(addr string) string {
	return "secret:" + normalizeKey(addr)
}

// SaveToken stores a client token for the daemon at addr in the OS keyring.
func SaveToken(addr string, token string) error {
	return keyring.Set(keyringService, normalizeKey(addr), token)
}

// LoadToken retrieves the client token stored for addr.
func LoadToken(addr string) (string, error) {
	return keyring.Get(keyringService, normalizeKey(addr))
}

// DeleteToken removes the client token for addr.
func DeleteToken(addr string) error {
	return keyring.Delete(keyringService, normalizeKey(addr))
}

// LoadSecret returns the signing secret of the daemon at addr. The SecretEnv
// variable wins over the keyring. A missing secret is generated and stored
// when create is set.
func LoadSecret(addr string, create bool) ([]byte, error) {
	if env := os.Getenv(SecretEnv); env != "" {
		return []byte(env), nil
	}
	enc, err := keyring.Get(keyringService, secretKey(addr))
	if err == nil {
		return base64.StdEncoding.DecodeString(enc)
	}
	if !errors.Is(err, keyring.ErrNotFound) || !create {
		return nil, fmt.Errorf("loading api secret: %w", err)
	}
	return RotateSecret(addr)
}

// RotateSecret replaces the signing secret for addr. Tokens signed with the
// previous secret stop verifying.
func RotateSecret(addr string) ([]byte, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, secretKey(addr), base64.StdEncoding.EncodeToString(secret)); err != nil {
		return nil, fmt.Errorf("storing api secret: %w", err)
	}
	return secret, nil
}
