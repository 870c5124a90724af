// Package chain verifies externally submitted token transactions against the
// blockchain: transfer decoding, finalization depth and network fee extraction.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
)

// transferEventSignature is keccak256("Transfer(address,address,uint256)"),
// shared by every ERC-20 contract
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenTransfer is a decoded ERC-20 transfer from a mined transaction
type TokenTransfer struct {
	Valid       bool
	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal
}

// Finalization reports the chain-side outcome of a submitted transaction
type Finalization struct {
	// Status is PENDING while unconfirmed, CONFIRMED once the required
	// confirmation depth is reached, FAILED when the transaction reverted
	Status domain.TxStatus
	Fee    decimal.Decimal
	Reason string
}

// Verifier is the chain collaborator consumed by the transaction state machine
//
//go:generate mockgen -source=verifier.go -destination=../mocks/chain.go -package=mocks -mock_names=Verifier=MockVerifier
type Verifier interface {
	// VerifyTokenTransfer decodes the token transfer carried by hash
	VerifyTokenTransfer(ctx context.Context, hash string) (*TokenTransfer, error)

	// IsTransactionFinalized reports whether hash has reached the required
	// confirmation depth; submittedAtMs is the caller's submission timestamp
	IsTransactionFinalized(ctx context.Context, hash string, submittedAtMs int64) (*Finalization, error)

	// VerifyChainTransfer decodes the transfer and checks its destination
	// matches the expected account for the token type
	VerifyChainTransfer(ctx context.Context, hash string, tokenType domain.TokenType) (*TokenTransfer, error)
}

type ethVerifier struct {
	client adapter.EthClient
	cfg    *config.ChainConfig
}

// NewEthVerifier creates a Verifier over an Ethereum-compatible chain
func NewEthVerifier(client adapter.EthClient, cfg *config.ChainConfig) Verifier {
	return &ethVerifier{client: client, cfg: cfg}
}

// VerifyTokenTransfer decodes the token transfer carried by hash
func (v *ethVerifier) VerifyTokenTransfer(ctx context.Context, hash string) (*TokenTransfer, error) {
	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TokenTransfer{Valid: false}, nil
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return &TokenTransfer{Valid: false}, nil
	}

	transfer := v.decodeTransferLog(receipt)
	if transfer == nil {
		return &TokenTransfer{Valid: false}, nil
	}
	return transfer, nil
}

// IsTransactionFinalized reports the finalization state of hash
func (v *ethVerifier) IsTransactionFinalized(ctx context.Context, hash string, _ int64) (*Finalization, error) {
	txHash := common.HexToHash(hash)

	_, pending, err := v.client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// not yet propagated; the caller's retry window bounds how long
			// we keep reporting PENDING
			return &Finalization{Status: domain.TxStatusPending}, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if pending {
		return &Finalization{Status: domain.TxStatusPending}, nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Finalization{Status: domain.TxStatusPending}, nil
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Finalization{
			Status: domain.TxStatusFailed,
			Fee:    v.networkFee(receipt),
			Reason: "transaction reverted",
		}, nil
	}

	head, err := v.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	if depth.Cmp(new(big.Int).SetUint64(v.cfg.Confirmations)) < 0 {
		return &Finalization{Status: domain.TxStatusPending}, nil
	}

	return &Finalization{
		Status: domain.TxStatusConfirmed,
		Fee:    v.networkFee(receipt),
	}, nil
}

// VerifyChainTransfer decodes the transfer and checks the destination matches
// the expected account for the token type
func (v *ethVerifier) VerifyChainTransfer(ctx context.Context, hash string, tokenType domain.TokenType) (*TokenTransfer, error) {
	transfer, err := v.VerifyTokenTransfer(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !transfer.Valid {
		return transfer, nil
	}

	expected := v.cfg.HotWalletAddress
	if tokenType == domain.TokenTypeLocked {
		// locked purchases burn the token instead of moving it to custody
		expected = v.cfg.BurnAddress
	}
	if !strings.EqualFold(transfer.ToAddress, expected) {
		return &TokenTransfer{Valid: false, FromAddress: transfer.FromAddress, ToAddress: transfer.ToAddress, Amount: transfer.Amount}, nil
	}

	return transfer, nil
}

// decodeTransferLog finds the ERC-20 Transfer event emitted by the configured
// token contract. ERC-721 transfers share the signature but carry 4 topics, so
// the topic count disambiguates.
func (v *ethVerifier) decodeTransferLog(receipt *types.Receipt) *TokenTransfer {
	contract := common.HexToAddress(v.cfg.TokenContract)

	for _, vLog := range receipt.Logs {
		if vLog.Address != contract {
			continue
		}
		if len(vLog.Topics) != 3 || vLog.Topics[0] != transferEventSignature {
			continue
		}
		if len(vLog.Data) < 32 {
			continue
		}

		value := new(big.Int).SetBytes(vLog.Data[0:32])
		return &TokenTransfer{
			Valid:       true,
			FromAddress: common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			ToAddress:   common.BytesToAddress(vLog.Topics[2].Bytes()).Hex(),
			Amount:      decimal.NewFromBigInt(value, -v.cfg.TokenDecimals),
		}
	}
	return nil
}

// networkFee is gasUsed * effectiveGasPrice expressed in whole native tokens
func (v *ethVerifier) networkFee(receipt *types.Receipt) decimal.Decimal {
	if receipt.EffectiveGasPrice == nil {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	return decimal.NewFromBigInt(wei, -18)
}
