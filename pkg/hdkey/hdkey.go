// Package hdkey implements watch-only BIP32 child key derivation and BIP84
// (witness v0) address encoding from an extended public key. It never handles
// private key material: parsing rejects serialized private keys outright.
package hdkey

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160"
)

const (
	// HardenedKeyStart is the first hardened child index. Hardened derivation
	// requires the private key, which this package never has.
	HardenedKeyStart uint32 = 0x80000000

	serializedKeyLen = 78

	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

var (
	ErrInvalidKey    = errors.New("invalid extended key encoding")
	ErrBadChecksum   = errors.New("extended key checksum mismatch")
	ErrPrivateKey    = errors.New("extended key contains private key material")
	ErrHardenedChild = errors.New("cannot derive hardened child from a public key")
	// ErrInvalidChild is returned when IL >= curve order or the derived point
	// is infinity. Per BIP32 callers should skip to the next index.
	ErrInvalidChild = errors.New("derived child key is invalid")
)

// Recognized version bytes. Anything else (including BIP49 ypub/upub) is
// rejected rather than guessed at.
var (
	versionXpub = []byte{0x04, 0x88, 0xb2, 0x1e}
	versionTpub = []byte{0x04, 0x35, 0x87, 0xcf}
	versionZpub = []byte{0x04, 0xb2, 0x47, 0x46}
	versionVpub = []byte{0x04, 0x5f, 0x1c, 0xf6}

	versionXprv = []byte{0x04, 0x88, 0xad, 0xe4}
	versionTprv = []byte{0x04, 0x35, 0x83, 0x94}
	versionZprv = []byte{0x04, 0xb2, 0x43, 0x0c}
	versionVprv = []byte{0x04, 0x5f, 0x18, 0xbc}
)

// ExtendedKey is a parsed public-only extended key.
type ExtendedKey struct {
	version   []byte
	depth     uint8
	parentFP  []byte
	childNum  uint32
	chainCode []byte
	pubKey    []byte // 33-byte compressed
	network   string
}

// ParseExtendedKey decodes and validates a base58check-serialized extended
// public key (xpub/tpub/zpub/vpub).
func ParseExtendedKey(encoded string) (*ExtendedKey, error) {
	decoded := base58.Decode(encoded)
	if len(decoded) != serializedKeyLen+4 {
		return nil, fmt.Errorf("%w: wrong length %d", ErrInvalidKey, len(decoded))
	}

	payload := decoded[:serializedKeyLen]
	checksum := decoded[serializedKeyLen:]
	expected := doubleSHA256(payload)[:4]
	if !bytes.Equal(checksum, expected) {
		return nil, ErrBadChecksum
	}

	version := payload[:4]
	for _, prv := range [][]byte{versionXprv, versionTprv, versionZprv, versionVprv} {
		if bytes.Equal(version, prv) {
			return nil, ErrPrivateKey
		}
	}

	var network string
	switch {
	case bytes.Equal(version, versionXpub), bytes.Equal(version, versionZpub):
		network = NetworkMainnet
	case bytes.Equal(version, versionTpub), bytes.Equal(version, versionVpub):
		network = NetworkTestnet
	default:
		return nil, fmt.Errorf("%w: unknown version bytes %x", ErrInvalidKey, version)
	}

	keyData := payload[45:78]
	if keyData[0] != 0x02 && keyData[0] != 0x03 {
		return nil, fmt.Errorf("%w: key data is not a compressed public key", ErrInvalidKey)
	}
	if _, err := secp256k1.ParsePubKey(keyData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	k := &ExtendedKey{
		version:   append([]byte(nil), version...),
		depth:     payload[4],
		parentFP:  append([]byte(nil), payload[5:9]...),
		childNum:  binary.BigEndian.Uint32(payload[9:13]),
		chainCode: append([]byte(nil), payload[13:45]...),
		pubKey:    append([]byte(nil), keyData...),
		network:   network,
	}
	return k, nil
}

func (k *ExtendedKey) Network() string { return k.network }
func (k *ExtendedKey) Depth() uint8    { return k.depth }
func (k *ExtendedKey) Index() uint32   { return k.childNum }

// PubKeyBytes returns the compressed public key of this node.
func (k *ExtendedKey) PubKeyBytes() []byte {
	return append([]byte(nil), k.pubKey...)
}

// Fingerprint returns the first four bytes of HASH160 of the public key,
// used to identify a stored key without revealing it.
func (k *ExtendedKey) Fingerprint() string {
	return fmt.Sprintf("%x", hash160(k.pubKey)[:4])
}

// Child derives the non-hardened child key at index i:
//
//	I  = HMAC-SHA512(chainCode, serP(K) || ser32(i))
//	Ki = point(IL) + K
//
// The scalar tweak is real secp256k1 point addition. When IL is not a valid
// scalar or Ki is the point at infinity, ErrInvalidChild is returned and the
// caller must move on to the next index.
func (k *ExtendedKey) Child(i uint32) (*ExtendedKey, error) {
	if i >= HardenedKeyStart {
		return nil, ErrHardenedChild
	}

	data := make([]byte, 37)
	copy(data, k.pubKey)
	binary.BigEndian.PutUint32(data[33:], i)

	mac := hmac.New(sha512.New, k.chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	il, childChain := sum[:32], sum[32:]

	var ilScalar secp256k1.ModNScalar
	if overflow := ilScalar.SetByteSlice(il); overflow {
		return nil, ErrInvalidChild
	}

	parentPub, err := secp256k1.ParsePubKey(k.pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var ilJ, parentJ, childJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&ilScalar, &ilJ)
	parentPub.AsJacobian(&parentJ)
	secp256k1.AddNonConst(&ilJ, &parentJ, &childJ)
	if (childJ.X.IsZero() && childJ.Y.IsZero()) || childJ.Z.IsZero() {
		return nil, ErrInvalidChild
	}
	childJ.ToAffine()
	childPub := secp256k1.NewPublicKey(&childJ.X, &childJ.Y)

	return &ExtendedKey{
		version:   k.version,
		depth:     k.depth + 1,
		parentFP:  hash160(k.pubKey)[:4],
		childNum:  i,
		chainCode: append([]byte(nil), childChain...),
		pubKey:    childPub.SerializeCompressed(),
		network:   k.network,
	}, nil
}

// Address encodes this key as a witness v0 bech32 address:
// RIPEMD160(SHA256(pubkey)) wrapped in a version-0 witness program.
func (k *ExtendedKey) Address() (string, error) {
	hrp := "bc"
	if k.network == NetworkTestnet {
		hrp = "tb"
	}

	program, err := bech32.ConvertBits(hash160(k.pubKey), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert witness program: %w", err)
	}

	addr, err := bech32.Encode(hrp, append([]byte{0x00}, program...))
	if err != nil {
		return "", fmt.Errorf("failed to encode bech32 address: %w", err)
	}
	return addr, nil
}

// DeriveAddress derives the receiving address at the given index, one
// non-hardened step below the supplied key. Deterministic: the same inputs
// always produce the same address.
func DeriveAddress(encoded string, index uint32) (string, error) {
	key, err := ParseExtendedKey(encoded)
	if err != nil {
		return "", err
	}

	child, err := key.Child(index)
	if err != nil {
		return "", err
	}
	return child.Address()
}

func hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
