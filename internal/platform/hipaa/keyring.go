package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FieldEncryptor encrypts and decrypts single PHI values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var errShortCiphertext = errors.New("ciphertext shorter than nonce")

// PHIEncryptor is AES-256-GCM under a single key. Output is
// base64(nonce || sealed).
type PHIEncryptor struct {
	aead cipher.AEAD
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi key: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("phi nonce: %w", err)
	}
	buf = e.aead.Seal(buf, buf, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt fails on any authentication error and never returns partial
// plaintext.
func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi ciphertext encoding: %w", err)
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return "", errShortCiphertext
	}
	plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("phi open: %w", err)
	}
	return string(plain), nil
}

// Keyring encrypts with the current key version and decrypts any version it
// holds. Ciphertext is "v<version>:<base64>". Values without a version tag
// predate rotation and are tried against the current key.
type Keyring struct {
	version int
	keys    map[int]*PHIEncryptor
}

// NewKeyring builds a keyring. previous maps retired versions to their keys;
// an entry for the current version is ignored.
func NewKeyring(current []byte, version int, previous map[int][]byte) (*Keyring, error) {
	if version <= 0 {
		return nil, fmt.Errorf("key version must be positive, got %d", version)
	}
	k := &Keyring{version: version, keys: make(map[int]*PHIEncryptor, len(previous)+1)}
	enc, err := NewPHIEncryptor(current)
	if err != nil {
		return nil, fmt.Errorf("current key v%d: %w", version, err)
	}
	k.keys[version] = enc
	for v, key := range previous {
		if v == version {
			continue
		}
		enc, err := NewPHIEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", v, err)
		}
		k.keys[v] = enc
	}
	return k, nil
}

// Version is the key version new ciphertext is written with.
func (k *Keyring) Version() int { return k.version }

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	ct, err := k.keys[k.version].Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(k.version) + ":" + ct, nil
}

func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	version, body, tagged := splitVersion(ciphertext)
	if !tagged {
		return k.keys[k.version].Decrypt(ciphertext)
	}
	enc, ok := k.keys[version]
	if !ok {
		return "", fmt.Errorf("no key for version %d", version)
	}
	return enc.Decrypt(body)
}

// Stale reports whether ciphertext was written under a version other than
// the current one, including untagged legacy values.
func (k *Keyring) Stale(ciphertext string) bool {
	version, _, tagged := splitVersion(ciphertext)
	return !tagged || version != k.version
}

func splitVersion(s string) (int, string, bool) {
	tag, body, ok := strings.Cut(s, ":")
	if !ok || len(tag) < 2 || tag[0] != 'v' {
		return 0, "", false
	}
	version, err := strconv.Atoi(tag[1:])
	if err != nil {
		return 0, "", false
	}
	return version, body, true
}

// ParsePreviousKeys reads HIPAA_PREVIOUS_KEYS: comma-separated
// "v<version>:<hex key>" entries. The leading "v" is optional.
func ParsePreviousKeys(raw string) (map[int][]byte, error) {
	keys := make(map[int][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tag, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q: want version:hexkey", entry)
		}
		version, err := strconv.Atoi(strings.TrimPrefix(tag, "v"))
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("entry %q: bad version", entry)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("key v%d: not hex: %w", version, err)
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("key v%d listed twice", version)
		}
		keys[version] = key
	}
	return keys, nil
}
