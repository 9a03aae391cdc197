package ethsig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidEncoding  = errors.New("invalid signature encoding")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAddressMismatch  = errors.New("recovered address mismatch")
)

// ParseAddress validates a 0x-prefixed hex address and returns its checksummed
// form.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// TextHash hashes message the way wallet signing prompts do (EIP-191 personal
// messages), so signatures produced by personal_sign recover correctly.
func TextHash(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

// Recover returns the address that signed message with the given 65-byte hex
// signature. Wallets emit V as 27/28; both that and the raw 0/1 form are
// accepted.
func Recover(message, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signatureHex))
	if err != nil {
		return common.Address{}, ErrInvalidEncoding
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidEncoding
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrInvalidEncoding
	}
	pub, err := crypto.SigToPub(TextHash(message), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonal checks that signatureHex over message recovers to claimed.
// Address comparison is case-insensitive on the hex form.
func VerifyPersonal(claimed, message, signatureHex string) error {
	want, err := ParseAddress(claimed)
	if err != nil {
		return err
	}
	got, err := Recover(message, signatureHex)
	if err != nil {
		return err
	}
	if got != want {
		return ErrAddressMismatch
	}
	return nil
}

// Equal reports whether two hex addresses name the same account, ignoring
// checksum casing.
func Equal(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}
