package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcutil/base58"
)

// tronAddressPrefix is the version byte Tron-family chains prepend to the
// 20-byte hash160 before Base58Check encoding.
const tronAddressPrefix = 0x41

// Address is a Tron-family account identifier: one prefix byte plus a
// 20-byte hash160, 21 bytes total. This widens the teacher's
// Address [20]byte (core/common_structs.go) by the Tron version byte.
type Address [21]byte

// Hash is a 32-byte cryptographic hash, matching the teacher's Hash type.
type Hash [32]byte

var ZeroAddress Address
var ZeroHash Hash

// String renders the address in Base58Check form, the wire format used by
// Tron-family explorers and wallets.
func (a Address) String() string {
	sum := checksum(a[:])
	full := append(append([]byte{}, a[:]...), sum...)
	return base58.Encode(full)
}

// Hex renders the address as a 0x-prefixed hex string, used internally for
// index keys and log lines where Base58's variable width is inconvenient.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// ParseAddress decodes a Base58Check Tron address into an Address.
func ParseAddress(s string) (Address, error) {
	raw := base58.Decode(s)
	if len(raw) != 25 {
		return Address{}, errors.New("core: invalid address length")
	}
	body, sum := raw[:21], raw[21:]
	if !bytes.Equal(checksum(body), sum) {
		return Address{}, errors.New("core: invalid address checksum")
	}
	var a Address
	copy(a[:], body)
	return a, nil
}

// ParseAddressHex decodes a 0x-prefixed (or bare) 21-byte hex address, the
// shape the upstream node's JSON-RPC responses use for "to"/"owner_address".
func ParseAddressHex(s string) (Address, error) {
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}
	if len(b) == 20 {
		b = append([]byte{tronAddressPrefix}, b...)
	}
	if len(b) != 21 {
		return Address{}, errors.New("core: invalid hex address length")
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func checksum(body []byte) []byte {
	h1 := sha256.Sum256(body)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// String renders a Hash as 0x-prefixed hex.
func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// ParseHash decodes a 0x-prefixed (or bare) 32-byte hex hash.
func ParseHash(s string) (Hash, error) {
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != 32 {
		return Hash{}, errors.New("core: invalid hash length")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
