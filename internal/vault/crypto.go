package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// KeyClass selects which master key encrypts a value. Token material
// and other personal data are encrypted under separate keys so one key
// compromise does not expose the other class.
type KeyClass string

const (
	KeyClassToken    KeyClass = "token"
	KeyClassPersonal KeyClass = "personal"
)

// ErrCipherFormat reports stored ciphertext that does not decode into
// exactly salt, IV, auth tag and ciphertext.
var ErrCipherFormat = errors.New("vault: malformed ciphertext")

const (
	partDelim = ":"
	saltSize  = 16
	keySize   = 32
	gcmTagLen = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Cipher encrypts values at rest with AES-256-GCM under per-record
// keys derived from a random salt and the class master key.
type Cipher struct {
	keys map[KeyClass][]byte
}

// NewCipher builds a Cipher from hex-encoded 32-byte master keys.
func NewCipher(tokenKeyHex, personalKeyHex string) (*Cipher, error) {
	keys := make(map[KeyClass][]byte, 2)
	for class, keyHex := range map[KeyClass]string{
		KeyClassToken:    tokenKeyHex,
		KeyClassPersonal: personalKeyHex,
	} {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("vault: decode %s master key: %w", class, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("vault: %s master key must be %d bytes, got %d", class, keySize, len(key))
		}
		keys[class] = key
	}
	return &Cipher{keys: keys}, nil
}

// Encrypt seals plaintext and returns salt:iv:tag:ciphertext, each
// component hex-encoded.
func (c *Cipher) Encrypt(class KeyClass, plaintext string) (string, error) {
	master, ok := c.keys[class]
	if !ok {
		return "", fmt.Errorf("vault: unknown key class %q", class)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}

	gcm, err := newGCM(master, salt)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, partDelim), nil
}

// Decrypt reverses Encrypt. It fails closed: a missing component, a
// decode failure or an auth tag mismatch all return an error rather
// than partial plaintext.
func (c *Cipher) Decrypt(class KeyClass, encoded string) (string, error) {
	master, ok := c.keys[class]
	if !ok {
		return "", fmt.Errorf("vault: unknown key class %q", class)
	}

	parts := strings.Split(encoded, partDelim)
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: expected 4 components, got %d", ErrCipherFormat, len(parts))
	}

	decoded := make([][]byte, 4)
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: empty component %d", ErrCipherFormat, i)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("%w: component %d is not hex", ErrCipherFormat, i)
		}
		decoded[i] = b
	}
	salt, iv, tag, ct := decoded[0], decoded[1], decoded[2], decoded[3]

	gcm, err := newGCM(master, salt)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagLen {
		return "", fmt.Errorf("%w: bad component length", ErrCipherFormat)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(master, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(master, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init GCM: %w", err)
	}
	return gcm, nil
}
