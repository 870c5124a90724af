// Package signature authenticates user-initiated mutations. Every mutating
// request carries a wallet signature over a canonical digest of its fields;
// the recovered signer must match the claimed address and the timestamp must
// be fresh.
package signature

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/domain"
)

// SignedRequest is the signed envelope of a user-initiated operation
type SignedRequest struct {
	// TimestampMs is the client's signing time in unix milliseconds
	TimestampMs int64
	Operation   string
	Amount      decimal.Decimal
	Address     string
	Description string
	TokenType   domain.TokenType
	// Signature is the hex-encoded 65-byte secp256k1 signature over Digest
	Signature string
}

// Digest is the canonical message the wallet signs
func (r *SignedRequest) Digest() []byte {
	msg := fmt.Sprintf("%d:%s:%s:%s:%s:%s",
		r.TimestampMs, r.Operation, r.Amount.String(),
		strings.ToLower(r.Address), r.Description, r.TokenType)
	return crypto.Keccak256([]byte(msg))
}

// Verifier checks signed requests against the claimed wallet address
type Verifier struct {
	clock    adapter.Clock
	freshFor time.Duration
}

// NewVerifier creates a signature verifier; freshFor bounds how old a signed
// timestamp may be
func NewVerifier(clock adapter.Clock, freshFor time.Duration) *Verifier {
	return &Verifier{clock: clock, freshFor: freshFor}
}

// Verify recovers the signer from the request signature. Stale or future
// timestamps fail with ErrInvalidTransaction, a signer mismatch with
// ErrInvalidSignature.
func (v *Verifier) Verify(req *SignedRequest) error {
	signedAt := time.UnixMilli(req.TimestampMs)
	age := v.clock.Now().Sub(signedAt)
	if age > v.freshFor || age < -v.freshFor {
		return fmt.Errorf("%w: signature timestamp outside freshness window", domain.ErrInvalidTransaction)
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", domain.ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: unexpected signature length %d", domain.ErrInvalidSignature, len(sig))
	}

	// wallets produce V as 27/28 per the legacy convention
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(personalDigest(req.Digest()), sig)
	if err != nil {
		return fmt.Errorf("%w: signature recovery failed", domain.ErrInvalidSignature)
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), req.Address) {
		return fmt.Errorf("%w: signer %s does not match claimed address", domain.ErrInvalidSignature, recovered.Hex())
	}
	return nil
}

// personalDigest applies the EIP-191 personal-message prefix the wallet's
// personal_sign adds before signing
func personalDigest(digest []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(digest), digest)
	return crypto.Keccak256([]byte(prefixed))
}
