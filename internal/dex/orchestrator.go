// Package dex drives a swap through its state machine: quote, approval
// check, transaction build, local simulation, submission and confirmation.
// Remote aggregator calls go through the retry engine and a circuit breaker;
// every terminal transition is published on the event bus.
package dex

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/h10086733/xlayer-402/internal/breaker"
	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/eventbus"
	"github.com/h10086733/xlayer-402/internal/quotecache"
	"github.com/h10086733/xlayer-402/internal/retry"
)

// DefaultQuoteTTL is how long a fetched quote stays valid in the cache when
// no TTL is configured.
const DefaultQuoteTTL = 30 * time.Second

// Orchestrator executes quotes and swaps. All dependencies are provided at
// construction; there is no hidden shared state.
type Orchestrator struct {
	aggregator Aggregator
	wallet     Wallet
	cache      *quotecache.Cache
	brk        *breaker.Breaker
	bus        *eventbus.Bus
	metrics    *Metrics
	log        *zap.Logger

	retryOpts           retry.Options
	quoteTTL            time.Duration
	confirmationTimeout time.Duration
}

// Config assembles an Orchestrator.
type Config struct {
	Aggregator Aggregator
	// Wallet may be nil; ExecuteSwap then fails fast with a validation error.
	Wallet              Wallet
	Cache               *quotecache.Cache
	Breaker             *breaker.Breaker
	Bus                 *eventbus.Bus
	Metrics             *Metrics
	Logger              *zap.Logger
	RetryOpts           retry.Options
	QuoteTTL            time.Duration
	ConfirmationTimeout time.Duration
}

// New creates a swap orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultQuoteTTL
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	if cfg.RetryOpts.Policy == retry.PolicyFixed && cfg.RetryOpts.BaseDelay == 0 {
		cfg.RetryOpts.Policy = retry.PolicyJittered
	}
	return &Orchestrator{
		aggregator:          cfg.Aggregator,
		wallet:              cfg.Wallet,
		cache:               cfg.Cache,
		brk:                 cfg.Breaker,
		bus:                 cfg.Bus,
		metrics:             cfg.Metrics,
		log:                 cfg.Logger,
		retryOpts:           cfg.RetryOpts,
		quoteTTL:            cfg.QuoteTTL,
		confirmationTimeout: cfg.ConfirmationTimeout,
	}
}

// Metrics exposes the running swap statistics.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// GetQuote validates the request, consults the cache, and otherwise fetches
// from the aggregator through the retry engine and circuit breaker.
func (o *Orchestrator) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if _, err := validateQuoteRequest(req); err != nil {
		return nil, err
	}

	o.publish(eventbus.Event{Type: eventbus.EventQuoteRequested, Data: map[string]interface{}{
		"from_token": req.FromToken,
		"to_token":   req.ToToken,
		"amount":     req.Amount,
	}})

	key := quotecache.QuoteKey(req.FromToken, req.ToToken, req.Amount, req.Slippage)
	if o.cache != nil {
		if cached, ok := o.cache.Get(key); ok {
			quote := cached.(*Quote)
			o.publish(eventbus.Event{Type: eventbus.EventQuoteReceived, Data: map[string]interface{}{"cached": true}})
			return quote, nil
		}
	}

	var wallet common.Address
	if o.wallet != nil {
		wallet = o.wallet.Address()
	}

	var quote *Quote
	res := retry.Do(ctx, func(ctx context.Context) error {
		return o.protect(ctx, func(ctx context.Context) error {
			q, err := o.aggregator.GetQuote(ctx, req, wallet)
			if err != nil {
				return err
			}
			quote = q
			return nil
		})
	}, o.retryOpts)
	if res.Err != nil {
		o.publish(eventbus.Event{Type: eventbus.EventQuoteFailed, Data: map[string]interface{}{
			"error":    res.Err.Error(),
			"attempts": res.Attempts,
		}})
		return nil, res.Err
	}

	if o.cache != nil {
		o.cache.Set(key, quote, o.quoteTTL)
	}
	o.publish(eventbus.Event{Type: eventbus.EventQuoteReceived, Data: map[string]interface{}{"cached": false}})
	return quote, nil
}

// ExecuteSwap drives one swap to a terminal state. The original error of a
// failed leg is preserved on the returned error chain.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	start := time.Now()
	result, amount, err := o.executeSwap(ctx, req)
	if err != nil {
		o.metrics.RecordFailure(err)
		o.publish(eventbus.Event{Type: eventbus.EventSwapFailed, Data: map[string]interface{}{
			"error": err.Error(),
			"kind":  string(errs.KindOf(err)),
		}})
		return nil, err
	}
	o.metrics.RecordSuccess(amount, result.GasUsed, time.Since(start))
	o.publish(eventbus.Event{
		Type:        eventbus.EventSwapCompleted,
		TxHash:      result.TxHash,
		BlockNumber: result.BlockNumber,
	})
	return result, nil
}

func (o *Orchestrator) executeSwap(ctx context.Context, req SwapRequest) (*SwapResult, *big.Int, error) {
	if o.wallet == nil {
		return nil, nil, errs.New(errs.KindSwapValidation, "no signer configured for swap execution")
	}

	amount, err := validateSwapRequest(req)
	if err != nil {
		return nil, nil, err
	}

	quote, err := o.GetQuote(ctx, req.QuoteRequest)
	if err != nil {
		return nil, nil, err
	}

	o.publish(eventbus.Event{Type: eventbus.EventSwapInitiated, Data: map[string]interface{}{
		"from_token": req.FromToken,
		"to_token":   req.ToToken,
		"amount":     req.Amount,
	}})

	fromToken := common.HexToAddress(req.FromToken)

	balance, err := o.wallet.BalanceOf(ctx, fromToken)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindNetworkError, "balance check failed", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, nil, errs.Newf(errs.KindInsufficientBalance,
			"balance %s below required %s", balance.String(), amount.String()).
			WithSuggestion("fund the wallet before retrying the swap")
	}

	if err := o.ensureAllowance(ctx, fromToken, amount); err != nil {
		return nil, nil, err
	}

	var payload *TxPayload
	res := retry.Do(ctx, func(ctx context.Context) error {
		return o.protect(ctx, func(ctx context.Context) error {
			p, err := o.aggregator.BuildSwap(ctx, req, o.wallet.Address())
			if err != nil {
				return err
			}
			payload = p
			return nil
		})
	}, o.retryOpts)
	if res.Err != nil {
		return nil, nil, res.Err
	}

	o.publish(eventbus.Event{Type: eventbus.EventSimulationStarted})
	if err := simulatePayload(payload); err != nil {
		return nil, nil, err
	}
	o.publish(eventbus.Event{Type: eventbus.EventSimulationCompleted})

	txHash, err := o.wallet.SendTransaction(ctx, *payload)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindTransactionFailed, "swap submission failed", err)
	}
	o.publish(eventbus.Event{Type: eventbus.EventTransactionSubmitted, TxHash: txHash.Hex()})

	receipt, err := o.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, nil, err
	}

	o.log.Info("swap confirmed",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed))

	return &SwapResult{
		TxHash:      txHash.Hex(),
		ToAmount:    quote.ToAmount,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, amount, nil
}

// ensureAllowance checks the router's allowance on the input token and runs
// the approval flow when it falls short, waiting for the approval to confirm.
func (o *Orchestrator) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	spender := o.aggregator.RouterAddress()

	allowance, err := o.wallet.Allowance(ctx, token, spender)
	if err != nil {
		return errs.Wrap(errs.KindNetworkError, "allowance check failed", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	o.publish(eventbus.Event{Type: eventbus.EventApprovalRequired, Data: map[string]interface{}{
		"token":     token.Hex(),
		"spender":   spender.Hex(),
		"allowance": allowance.String(),
		"required":  amount.String(),
	}})

	approveHash, err := o.wallet.Approve(ctx, token, spender, amount)
	if err != nil {
		return errs.Wrap(errs.KindInsufficientAllowance, "approval submission failed", err)
	}

	if _, err := o.waitForReceipt(ctx, approveHash); err != nil {
		return err
	}

	o.publish(eventbus.Event{Type: eventbus.EventApprovalCompleted, TxHash: approveHash.Hex()})
	return nil
}

// waitForReceipt blocks until the transaction confirms or the confirmation
// timeout elapses. A receipt with failure status is terminal.
func (o *Orchestrator) waitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.confirmationTimeout)
	defer cancel()

	receipt, err := o.wallet.WaitForReceipt(waitCtx, hash)
	if err != nil {
		if waitCtx.Err() != nil {
			return nil, errs.Wrap(errs.KindDeadlineExceeded, "transaction confirmation timed out", err).
				WithDetails(map[string]interface{}{"tx_hash": hash.Hex()})
		}
		return nil, errs.Wrap(errs.KindNetworkError, "confirmation wait failed", err)
	}
	if receipt.Status != 1 {
		o.publish(eventbus.Event{Type: eventbus.EventTransactionFailed, TxHash: hash.Hex(), BlockNumber: receipt.BlockNumber})
		return nil, errs.Newf(errs.KindTransactionFailed, "transaction %s reverted on chain", hash.Hex()).
			WithDetails(map[string]interface{}{"block": receipt.BlockNumber})
	}
	o.publish(eventbus.Event{Type: eventbus.EventTransactionConfirmed, TxHash: hash.Hex(), BlockNumber: receipt.BlockNumber})
	return receipt, nil
}

// protect routes a call through the circuit breaker when one is configured.
func (o *Orchestrator) protect(ctx context.Context, op func(ctx context.Context) error) error {
	if o.brk == nil {
		return op(ctx)
	}
	return o.brk.Execute(ctx, op)
}

func (o *Orchestrator) publish(evt eventbus.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}
