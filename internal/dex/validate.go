package dex

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// maxSlippage rejects configurations that would accept losing half the trade.
const maxSlippage = 0.5

// validateQuoteRequest checks addresses, amount and slippage before any
// remote call is made.
func validateQuoteRequest(req QuoteRequest) (*big.Int, error) {
	if !common.IsHexAddress(req.FromToken) {
		return nil, errs.Newf(errs.KindSwapValidation, "invalid from token address: %s", req.FromToken)
	}
	if !common.IsHexAddress(req.ToToken) {
		return nil, errs.Newf(errs.KindSwapValidation, "invalid to token address: %s", req.ToToken)
	}
	if req.FromToken == req.ToToken {
		return nil, errs.New(errs.KindSwapValidation, "from and to tokens are identical")
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errs.Newf(errs.KindSwapValidation, "invalid amount: %q", req.Amount)
	}

	if req.Slippage <= 0 || req.Slippage > maxSlippage {
		return nil, errs.Newf(errs.KindSwapValidation, "slippage %.4f outside (0, %.1f]", req.Slippage, maxSlippage)
	}
	return amount, nil
}

// validateSwapRequest re-validates the complete request before any mutation.
func validateSwapRequest(req SwapRequest) (*big.Int, error) {
	amount, err := validateQuoteRequest(req.QuoteRequest)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, errs.Newf(errs.KindSwapValidation, "invalid recipient address: %s", req.Recipient)
	}
	return amount, nil
}

// simulatePayload is the cheap local gate run before submission: an empty
// destination or calldata can only burn gas, so it aborts the swap.
func simulatePayload(payload *TxPayload) error {
	if payload == nil || payload.To == (common.Address{}) {
		return errs.New(errs.KindSwapValidation, "swap transaction has no destination").
			WithSuggestion("re-request the quote; the aggregator returned an unusable transaction")
	}
	if len(payload.Data) == 0 {
		return errs.New(errs.KindSwapValidation, "swap transaction has empty calldata").
			WithSuggestion("re-request the quote; the aggregator returned an unusable transaction")
	}
	return nil
}
