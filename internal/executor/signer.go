package executor

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-191 personal signatures over keccak256(apiId || callData).
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the signer's account.
func (s *Signer) Address() common.Address { return s.address }

// Sign returns the 0x-encoded 65-byte signature with v in {27, 28}.
func (s *Signer) Sign(apiID string, callData []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(callDigest(apiID, callData)), s.key)
	if err != nil {
		return "", fmt.Errorf("sign call: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the account that produced signature for the call.
// Providers use it to check that a request came from the marketplace.
func RecoverSigner(apiID string, callData []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(callDigest(apiID, callData)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func callDigest(apiID string, callData []byte) []byte {
	return crypto.Keccak256([]byte(apiID), callData)
}
