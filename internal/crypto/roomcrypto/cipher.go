// Package roomcrypto implements the room cipher: key generation, sealing and opening of chat payloads.
package roomcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/eph/internal/errs"
	"github.com/and161185/eph/internal/model"
)

// Cipher is the contract the protocol needs from a cryptography provider.
type Cipher interface {
	// GenerateKeyPair creates a fresh room key bundle.
	GenerateKeyPair() (model.RoomKeys, error)
	// Encrypt seals plaintext for the room.
	Encrypt(plaintext []byte, keys model.RoomKeys) (string, error)
	// Decrypt opens a ciphertext produced by Encrypt with the same keys.
	Decrypt(ciphertext string, keys model.RoomKeys) ([]byte, error)
}

// Params
const (
	DefaultScheme = "Ed25519"

	saltLen   = 16
	keyLen    = chacha20poly1305.KeySize
	envPrefix = "eph1."
)

var b64 = base64.RawURLEncoding

// envelope is the wire form of a sealed payload.
type envelope struct {
	Salt  []byte `cbor:"s"`
	Nonce []byte `cbor:"iv"`
	CT    []byte `cbor:"ct"`
	Sig   []byte `cbor:"sig"`
}

// Pair seals with XChaCha20-Poly1305 under an HKDF key derived from the
// X25519 half of the bundle and signs with the signature half.
type Pair struct {
	scheme sign.Scheme
}

var _ Cipher = (*Pair)(nil)

// NewPair returns a cipher using the named circl signature scheme ("" = Ed25519).
func NewPair(schemeName string) (*Pair, error) {
	if schemeName == "" {
		schemeName = DefaultScheme
	}
	sch := schemes.ByName(schemeName)
	if sch == nil {
		return nil, fmt.Errorf("unknown signature scheme %q", schemeName)
	}
	return &Pair{scheme: sch}, nil
}

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair creates signing and encryption halves.
func (p *Pair) GenerateKeyPair() (model.RoomKeys, error) {
	pk, sk, err := p.scheme.GenerateKey()
	if err != nil {
		return model.RoomKeys{}, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return model.RoomKeys{}, err
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return model.RoomKeys{}, err
	}

	epriv, err := Rand(curve25519.ScalarSize)
	if err != nil {
		return model.RoomKeys{}, err
	}
	epub, err := curve25519.X25519(epriv, curve25519.Basepoint)
	if err != nil {
		return model.RoomKeys{}, err
	}

	return model.RoomKeys{
		Pub:   b64.EncodeToString(pub),
		Priv:  b64.EncodeToString(priv),
		EPub:  b64.EncodeToString(epub),
		EPriv: b64.EncodeToString(epriv),
	}, nil
}

// Encrypt seals plaintext and returns a printable ciphertext.
func (p *Pair) Encrypt(plaintext []byte, keys model.RoomKeys) (string, error) {
	k, err := p.parse(keys, true)
	if err != nil {
		return "", err
	}
	salt, err := Rand(saltLen)
	if err != nil {
		return "", err
	}
	key, err := deriveKey(k.epriv, salt, k.epub)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	env := envelope{Salt: salt, Nonce: nonce, CT: aead.Seal(nil, nonce, plaintext, k.epub)}
	env.Sig = p.scheme.Sign(k.sk, signed(env), nil)

	raw, err := cbor.Marshal(env)
	if err != nil {
		return "", err
	}
	return envPrefix + b64.EncodeToString(raw), nil
}

// Decrypt verifies and opens a ciphertext. Any failure is reported as errs.ErrDecryption.
func (p *Pair) Decrypt(ciphertext string, keys model.RoomKeys) ([]byte, error) {
	pt, err := p.open(ciphertext, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	return pt, nil
}

func (p *Pair) open(ciphertext string, keys model.RoomKeys) ([]byte, error) {
	body, ok := strings.CutPrefix(ciphertext, envPrefix)
	if !ok {
		return nil, errors.New("unknown envelope")
	}
	raw, err := b64.DecodeString(body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if len(env.Salt) != saltLen || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("envelope too short")
	}

	k, err := p.parse(keys, false)
	if err != nil {
		return nil, err
	}
	if !p.scheme.Verify(k.pk, signed(env), env.Sig, nil) {
		return nil, errors.New("bad signature")
	}
	key, err := deriveKey(k.epriv, env.Salt, k.epub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.CT, k.epub)
}

type parsedKeys struct {
	pk    sign.PublicKey
	sk    sign.PrivateKey
	epub  []byte
	epriv []byte
}

func (p *Pair) parse(keys model.RoomKeys, withPrivate bool) (parsedKeys, error) {
	var out parsedKeys

	pub, err := b64.DecodeString(keys.Pub)
	if err != nil {
		return out, fmt.Errorf("pub: %w", err)
	}
	if out.pk, err = p.scheme.UnmarshalBinaryPublicKey(pub); err != nil {
		return out, fmt.Errorf("pub: %w", err)
	}
	if withPrivate {
		priv, err := b64.DecodeString(keys.Priv)
		if err != nil {
			return out, fmt.Errorf("priv: %w", err)
		}
		if out.sk, err = p.scheme.UnmarshalBinaryPrivateKey(priv); err != nil {
			return out, fmt.Errorf("priv: %w", err)
		}
	}
	if out.epub, err = b64.DecodeString(keys.EPub); err != nil || len(out.epub) != curve25519.PointSize {
		return out, errors.New("epub: bad key")
	}
	if out.epriv, err = b64.DecodeString(keys.EPriv); err != nil || len(out.epriv) != curve25519.ScalarSize {
		return out, errors.New("epriv: bad key")
	}
	return out, nil
}

// deriveKey derives the content key via HKDF-SHA256 with epub as info.
func deriveKey(epriv, salt, epub []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, epriv, salt, epub)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func signed(env envelope) []byte {
	out := make([]byte, 0, len(env.Salt)+len(env.Nonce)+len(env.CT))
	out = append(out, env.Salt...)
	out = append(out, env.Nonce...)
	return append(out, env.CT...)
}
