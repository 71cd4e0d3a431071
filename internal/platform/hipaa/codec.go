package hipaa

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
)

// Encrypted values are stored as a two-key object {"$phi": <ciphertext>,
// "$enc": "string"|"json"}. A string can never take that shape, and intake
// rejects user objects with "$"-prefixed keys, so stored plaintext is never
// mistaken for ciphertext. "$enc" restores the original JSON type.
const (
	sealedKey  = "$phi"
	sealedKind = "$enc"
	kindString = "string"
	kindJSON   = "json"

	// ReservedKeyPrefix marks keys that user-supplied PHI objects may not use.
	ReservedKeyPrefix = "$"
)

// Codec encrypts and decrypts the designated PHI fields of a record. When
// encryption is disabled both directions are identity functions for values
// that are not sealed.
type Codec struct {
	encryptor FieldEncryptor
	keyring   *Keyring
	enabled   bool
}

// CodecConfig holds the HIPAA_* settings the codec is built from.
type CodecConfig struct {
	Enabled      bool
	Key          string // 64 hex chars
	KeyVersion   int
	PreviousKeys string // "v1:hex,v2:hex"
}

// NewCodec builds a codec from configuration. An enabled codec with a missing
// or malformed key is a startup error.
func NewCodec(cfg CodecConfig, logger zerolog.Logger) (*Codec, error) {
	if !cfg.Enabled {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_ENABLED is false")
		return &Codec{}, nil
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is required when encryption is enabled")
	}

	keyBytes, err := hex.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	version := cfg.KeyVersion
	if version <= 0 {
		version = 1
	}
	previous, err := ParsePreviousKeys(cfg.PreviousKeys)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: %w", err)
	}
	ring, err := NewKeyring(keyBytes, version, previous)
	if err != nil {
		return nil, err
	}

	logger.Info().Int("key_version", version).Int("previous_keys", len(previous)).
		Msg("PHI field-level encryption enabled")
	return &Codec{encryptor: ring, keyring: ring, enabled: true}, nil
}

// NewCodecWithEncryptor returns an enabled codec around enc.
func NewCodecWithEncryptor(enc FieldEncryptor) *Codec {
	c := &Codec{encryptor: enc, enabled: enc != nil}
	if ring, ok := enc.(*Keyring); ok {
		c.keyring = ring
	}
	return c
}

// Enabled reports whether values are encrypted on write.
func (c *Codec) Enabled() bool {
	return c.enabled
}

// EncryptFields returns a copy of rec where every listed field is replaced by
// its sealed ciphertext. Fields absent from rec and nil values are left
// untouched.
func (c *Codec) EncryptFields(rec map[string]any, fields []string) (map[string]any, error) {
	out := cloneRecord(rec)
	if !c.enabled || out == nil {
		return out, nil
	}
	for _, f := range fields {
		v, ok := out[f]
		if !ok || v == nil {
			continue
		}
		enc, err := c.encryptValue(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", f, err)
		}
		out[f] = enc
	}
	return out, nil
}

// DecryptFields reverses EncryptFields. Values that are not sealed are
// returned as-is. A sealed value that cannot be decrypted yields
// apperr.ErrDataIntegrity and no partial record.
func (c *Codec) DecryptFields(rec map[string]any, fields []string) (map[string]any, error) {
	out := cloneRecord(rec)
	if out == nil {
		return nil, nil
	}
	for _, f := range fields {
		ct, kind, ok := unseal(out[f])
		if !ok {
			continue
		}
		v, err := c.decryptValue(ct, kind)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrDataIntegrity, "phi_decrypt_failed",
				"stored record could not be decrypted", fmt.Errorf("field %s: %w", f, err))
		}
		out[f] = v
	}
	return out, nil
}

// NeedsReEncryption reports whether any listed field is plaintext or was
// encrypted with a retired key.
func (c *Codec) NeedsReEncryption(rec map[string]any, fields []string) bool {
	if !c.enabled {
		return false
	}
	for _, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		ct, _, sealed := unseal(v)
		if !sealed {
			return true
		}
		if c.keyring != nil && c.keyring.Stale(ct) {
			return true
		}
	}
	return false
}

func (c *Codec) encryptValue(v any) (map[string]any, error) {
	kind, plain := kindString, ""
	if str, ok := v.(string); ok {
		plain = str
	} else {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		kind, plain = kindJSON, string(raw)
	}
	ct, err := c.encryptor.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	return map[string]any{sealedKey: ct, sealedKind: kind}, nil
}

func (c *Codec) decryptValue(ct, kind string) (any, error) {
	if !c.enabled {
		return nil, fmt.Errorf("value is encrypted but no key is configured")
	}
	plain, err := c.encryptor.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	if kind == kindString {
		return plain, nil
	}
	var v any
	if err := json.Unmarshal([]byte(plain), &v); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return v, nil
}

// IsSealed reports whether v has the shape of an encrypted field value.
func IsSealed(v any) bool {
	_, _, ok := unseal(v)
	return ok
}

func unseal(v any) (ct, kind string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 2 {
		return "", "", false
	}
	ct, ctOK := m[sealedKey].(string)
	kind, kindOK := m[sealedKind].(string)
	if !ctOK || !kindOK || ct == "" || (kind != kindString && kind != kindJSON) {
		return "", "", false
	}
	return ct, kind, true
}

func cloneRecord(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
