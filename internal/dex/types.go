package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// QuoteRequest identifies one trade to price.
type QuoteRequest struct {
	FromToken string  `json:"from_token"`
	ToToken   string  `json:"to_token"`
	Amount    string  `json:"amount"` // smallest unit, base-10
	Slippage  float64 `json:"slippage"`
}

// Quote is the aggregator's answer for a QuoteRequest.
type Quote struct {
	FromToken    string   `json:"from_token"`
	ToToken      string   `json:"to_token"`
	FromAmount   string   `json:"from_amount"`
	ToAmount     string   `json:"to_amount"`
	ExchangeRate float64  `json:"exchange_rate"`
	EstimatedGas uint64   `json:"estimated_gas"`
	Route        []string `json:"route"`
}

// SwapRequest identifies one swap to execute on behalf of a recipient.
type SwapRequest struct {
	QuoteRequest
	Recipient string `json:"recipient"`
}

// TxPayload is a ready-to-sign transaction returned by the aggregator's
// swap-build endpoint.
type TxPayload struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the minimal confirmation result the orchestrator needs.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64 // 1 = success, matches go-ethereum receipt status
	BlockNumber uint64
	GasUsed     uint64
}

// SwapResult is the terminal outcome of ExecuteSwap.
type SwapResult struct {
	TxHash      string `json:"tx_hash,omitempty"`
	ToAmount    string `json:"to_amount,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
}

// Aggregator is the remote swap-aggregator boundary.
type Aggregator interface {
	// GetQuote prices a trade for the given wallet.
	GetQuote(ctx context.Context, req QuoteRequest, wallet common.Address) (*Quote, error)

	// BuildSwap returns a ready-to-sign swap transaction.
	BuildSwap(ctx context.Context, req SwapRequest, wallet common.Address) (*TxPayload, error)

	// RouterAddress is the contract spending the input token; allowance
	// checks and approvals target it.
	RouterAddress() common.Address
}

// Wallet is the opaque sign-and-broadcast capability. The underlying RPC
// client and key management are out of scope; the orchestrator only needs
// balances, allowances and tx submission.
type Wallet interface {
	Address() common.Address
	BalanceOf(ctx context.Context, token common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	SendTransaction(ctx context.Context, payload TxPayload) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}
