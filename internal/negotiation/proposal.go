package negotiation

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	xerrors "GigaCrew-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProposalDomain prefixes every packed proposal encoding.
const ProposalDomain = "GigaCrewProposal"

// ProposalTTLSeconds is how long a freshly issued proposal stays valid.
const ProposalTTLSeconds int64 = 300

// ProposalDigest hashes the packed encoding
// domain ‖ bytes32(trail) ‖ uint256(expiry) ‖ uint256(price) ‖ uint256(deadlineSeconds).
func ProposalDigest(trail string, expiry int64, price string, deadlineSeconds int64) ([]byte, error) {
	trailBytes, err := trailHash(trail)
	if err != nil {
		return nil, err
	}
	if expiry < 0 || deadlineSeconds < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "expiry 与 deadline 不能为负数")
	}
	if !ValidPrice(price) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "price %q 必须为整数", price)
	}
	priceInt, ok := new(big.Int).SetString(price, 10)
	if !ok || priceInt.BitLen() > 256 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "price %q 超出 uint256 范围", price)
	}

	packed := make([]byte, 0, len(ProposalDomain)+32*4)
	packed = append(packed, ProposalDomain...)
	packed = append(packed, trailBytes.Bytes()...)
	packed = append(packed, math.U256Bytes(big.NewInt(expiry))...)
	packed = append(packed, math.U256Bytes(priceInt)...)
	packed = append(packed, math.U256Bytes(big.NewInt(deadlineSeconds))...)
	return crypto.Keccak256(packed), nil
}

// SignProposal signs the proposal digest with key. The digest is wrapped in
// the EIP-191 personal message prefix before signing.
func SignProposal(trail string, expiry int64, price string, deadlineSeconds int64, key *ecdsa.PrivateKey) (string, error) {
	digest, err := ProposalDigest(trail, expiry, price, deadlineSeconds)
	if err != nil {
		return "", err
	}
	return signDigest(accounts.TextHash(digest), key)
}

// VerifyProposal reports whether signature commits expectedSigner to the
// given terms at trail.
func VerifyProposal(trail string, expiry int64, price string, deadlineSeconds int64, signature string, expectedSigner common.Address) bool {
	signer, err := RecoverProposalSigner(trail, expiry, price, deadlineSeconds, signature)
	if err != nil {
		return false
	}
	return signer == expectedSigner
}

// RecoverProposalSigner returns the address that signed the proposal terms.
func RecoverProposalSigner(trail string, expiry int64, price string, deadlineSeconds int64, signature string) (common.Address, error) {
	digest, err := ProposalDigest(trail, expiry, price, deadlineSeconds)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(accounts.TextHash(digest), signature)
}

// trailHash converts a 32-byte hex trail into a hash. The genesis sentinel
// and other short values are rejected.
func trailHash(trail string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(trail)), "0x")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, xerrors.Newf(xerrors.CodeInvalidArgument, "trail %q 不是 32 字节哈希", trail)
	}
	for _, r := range raw {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return common.Hash{}, xerrors.Newf(xerrors.CodeInvalidArgument, "trail %q 含有非十六进制字符", trail)
		}
	}
	return common.HexToHash(raw), nil
}

// OrderIDBytes converts an order identifier (an accepted trail) into the
// bytes32 used on the ledger.
func OrderIDBytes(orderID string) ([32]byte, error) {
	hash, err := trailHash(orderID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("订单号无效: %w", err)
	}
	return hash, nil
}
