// Package address derives deterministic payment addresses from a wallet
// seed and an allocator-assigned index.
//
// Derivation is blake2b over the seed and the big-endian index, so a given
// (seed, index) pair always yields the same address and distinct indices
// yield distinct addresses. The allocator's never-reuse guarantee therefore
// translates directly into never-reused addresses.
package address

import (
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	payguard "github.com/meshpay/payguard"
)

// SeedLength is the required seed length in hex characters (32 bytes).
const SeedLength = 64

// Prefix is prepended to every derived address.
const Prefix = "nano_"

// addressEncoding is the ledger's base32 alphabet (no 0, 2, l or v).
var addressEncoding = base32.NewEncoding("13456789abcdefghijkmnopqrstuwxyz").WithPadding(base32.NoPadding)

// ValidateSeed checks that the seed is a 64-character hex string.
func ValidateSeed(seed string) error {
	if len(seed) != SeedLength {
		return payguard.Errorf(payguard.CodeInvalidSeed, "seed must be %d hex characters, got %d", SeedLength, len(seed))
	}
	if _, err := hex.DecodeString(seed); err != nil {
		return payguard.Errorf(payguard.CodeInvalidSeed, "seed is not valid hex: %w", err)
	}
	return nil
}

// Derive returns the payment address for the given seed and index.
func Derive(seed string, index uint32) (string, error) {
	if err := ValidateSeed(seed); err != nil {
		return "", err
	}
	raw, _ := hex.DecodeString(seed)

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write(raw)
	h.Write(idx[:])
	digest := h.Sum(nil)

	return Prefix + strings.ToLower(addressEncoding.EncodeToString(digest)), nil
}

// NewDeriver validates the seed once and returns a payguard.AddressDeriver
// bound to it.
func NewDeriver(seed string) (payguard.AddressDeriver, error) {
	if err := ValidateSeed(seed); err != nil {
		return nil, err
	}
	return func(index uint32) (string, error) {
		return Derive(seed, index)
	}, nil
}
