package data

import (
	"encoding/base64"
	"fmt"
)

// cipher obfuscates stored values with a repeating-key XOR tied to the
// machine identity, then base64-encodes the result. This is deliberately NOT
// authenticated encryption: it keeps casual readers out of the database file
// and ties values to the machine, nothing more. Do not store secrets that
// need confidentiality against a local attacker.
type cipher struct {
	key []byte
}

func newCipher(key string) *cipher {
	if key == "" {
		key = "overseer-fallback-key"
	}
	return &cipher{key: []byte(key)}
}

// Encrypt obfuscates a UTF-8 string. The transform is its own inverse over
// the raw bytes, so multibyte content round-trips exactly.
func (c *cipher) Encrypt(plain string) string {
	data := []byte(plain)
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt.
func (c *cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return string(out), nil
}
