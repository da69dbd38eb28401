// Package crypto provides private key management and secp256k1 signing
// for cancellation confirmations.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 private key and signs arbitrary payloads with a
// keccak256 digest. The operator's address is derived once at construction.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key, with or without
// a 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    ethcrypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// GenerateSigner creates a Signer with a freshly generated private key.
// Useful for paper mode and tests where no operator key is configured.
func GenerateSigner() (*Signer, error) {
	privateKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    ethcrypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the checksummed address corresponding to the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign computes the keccak256 digest of data and signs it, returning the
// 65-byte recoverable signature as a 0x-prefixed hex string.
func (s *Signer) Sign(data []byte) (string, error) {
	digest := ethcrypto.Keccak256(data)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify checks that sigHex is a valid signature over data produced by the
// key behind address. The signature must be the 65-byte recoverable form
// returned by Sign.
func Verify(data []byte, sigHex string, address string) (bool, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	digest := ethcrypto.Keccak256(data)
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false, fmt.Errorf("recovering public key: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return recovered == common.HexToAddress(address), nil
}
