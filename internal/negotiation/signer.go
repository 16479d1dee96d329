package negotiation

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	xerrors "GigaCrew-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the party key used for transport and proposal signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseSigner decodes a hex private key with or without 0x prefix.
func ParseSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the account derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Key exposes the private key for transaction signing.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// SignTrail produces the transport signature over a trail.
func (s *Signer) SignTrail(trail string) (string, error) {
	return signDigest(accounts.TextHash([]byte(trail)), s.key)
}

// SignProposal binds the proposal terms to trail.
func (s *Signer) SignProposal(trail string, expiry int64, price string, deadlineSeconds int64) (string, error) {
	return SignProposal(trail, expiry, price, deadlineSeconds, s.key)
}

// RecoverTrailSigner returns the address that produced signature over trail.
func RecoverTrailSigner(trail, signature string) (common.Address, error) {
	return recoverDigest(accounts.TextHash([]byte(trail)), signature)
}

func signDigest(digest []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func recoverDigest(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeAuthenticationFailure, err, "签名编码无效")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.Newf(xerrors.CodeAuthenticationFailure, "签名长度 %d 无效", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeAuthenticationFailure, err, "无法恢复签名公钥")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
