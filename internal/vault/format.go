package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Blob markers. Every stored blob starts with 'C' 'V' <scheme> <version>.
var (
	markerKeyring  = [4]byte{'C', 'V', 'K', 1} // OS keyring data key, AES-GCM, CBOR
	markerLegacy   = [4]byte{'C', 'V', 'M', 1} // machine seed, PBKDF2, AES-GCM, JSON (read-only)
	markerMachine  = [4]byte{'C', 'V', 'M', 2} // machine seed, scrypt, AES-GCM, CBOR
	markerPassword = [4]byte{'C', 'V', 'P', 1} // age scrypt passphrase, CBOR
)

const (
	markerLen = 4
	saltLen   = 16
	keyLen    = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	legacyIterations = 100000
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Scheme names the encryption scheme of a blob.
type Scheme string

const (
	SchemeKeyring  Scheme = "keyring"
	SchemeLegacy   Scheme = "machine-v1"
	SchemeMachine  Scheme = "machine-v2"
	SchemePassword Scheme = "password"
)

// DetectScheme reads the marker at the head of blob.
func DetectScheme(blob []byte) (Scheme, error) {
	if len(blob) < markerLen {
		return "", ErrUnknownFormat
	}
	var m [4]byte
	copy(m[:], blob[:markerLen])
	switch m {
	case markerKeyring:
		return SchemeKeyring, nil
	case markerLegacy:
		return SchemeLegacy, nil
	case markerMachine:
		return SchemeMachine, nil
	case markerPassword:
		return SchemePassword, nil
	default:
		return "", ErrUnknownFormat
	}
}

func encodeConfig(cfg Config) ([]byte, error) {
	if cfg == nil {
		cfg = Config{}
	}
	return cborEnc.Marshal(map[string]any(cfg))
}

func decodeConfig(data []byte) (Config, error) {
	var m map[string]any
	if err := cborDec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Config(m), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// AES-GCM
// ═══════════════════════════════════════════════════════════════════════════════

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrCorrupt
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return pt, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEMES
// ═══════════════════════════════════════════════════════════════════════════════

func sealWithDataKey(dataKey []byte, cfg Config) ([]byte, error) {
	pt, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	sealed, err := gcmSeal(dataKey, pt)
	if err != nil {
		return nil, err
	}
	return append(markerKeyring[:], sealed...), nil
}

func openWithDataKey(dataKey, blob []byte) (Config, error) {
	pt, err := gcmOpen(dataKey, blob[markerLen:])
	if err != nil {
		return nil, err
	}
	return decodeConfig(pt)
}

func sealWithSeed(seed []byte, cfg Config) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key(seed, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	pt, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	sealed, err := gcmSeal(key, pt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, markerLen+saltLen+len(sealed))
	out = append(out, markerMachine[:]...)
	out = append(out, salt...)
	return append(out, sealed...), nil
}

func openWithSeed(seed, blob []byte) (Config, error) {
	body := blob[markerLen:]
	if len(body) < saltLen {
		return nil, ErrCorrupt
	}
	key, err := scrypt.Key(seed, body[:saltLen], scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	pt, err := gcmOpen(key, body[saltLen:])
	if err != nil {
		return nil, err
	}
	return decodeConfig(pt)
}

// openLegacy reads blobs written before the scrypt/CBOR format.
func openLegacy(seed, blob []byte) (Config, error) {
	body := blob[markerLen:]
	if len(body) < saltLen {
		return nil, ErrCorrupt
	}
	key := legacyKey(seed, body[:saltLen])
	pt, err := gcmOpen(key, body[saltLen:])
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(pt, &m); err != nil {
		return nil, fmt.Errorf("decode legacy config: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Config(m), nil
}

func legacyKey(seed, salt []byte) []byte {
	return pbkdf2.Key(seed, salt, legacyIterations, keyLen, sha256.New)
}

func sealWithPassword(password string, workFactor int, cfg Config) ([]byte, error) {
	r, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	if workFactor > 0 {
		r.SetWorkFactor(workFactor)
	}
	pt, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(markerPassword[:])
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(pt); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func openWithPassword(password string, blob []byte) (Config, error) {
	id, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(blob[markerLen:]), id)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	pt, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return decodeConfig(pt)
}
