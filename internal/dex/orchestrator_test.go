package dex

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h10086733/xlayer-402/internal/breaker"
	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/eventbus"
	"github.com/h10086733/xlayer-402/internal/quotecache"
	"github.com/h10086733/xlayer-402/internal/retry"
)

var (
	tokenA    = "0x1111111111111111111111111111111111111111"
	tokenB    = "0x2222222222222222222222222222222222222222"
	recipient = "0x3333333333333333333333333333333333333333"
	routerHex = "0x4444444444444444444444444444444444444444"
)

type mockAggregator struct {
	mu         sync.Mutex
	quoteCalls int
	buildCalls int
	quoteErr   error
	quoteErrs  []error // consumed per call before quoteErr
	buildErr   error
	payload    *TxPayload
}

func (m *mockAggregator) GetQuote(ctx context.Context, req QuoteRequest, wallet common.Address) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteCalls++
	if len(m.quoteErrs) > 0 {
		err := m.quoteErrs[0]
		m.quoteErrs = m.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return &Quote{
		FromToken:    req.FromToken,
		ToToken:      req.ToToken,
		FromAmount:   req.Amount,
		ToAmount:     "990000",
		ExchangeRate: 0.99,
		EstimatedGas: 210000,
		Route:        []string{req.FromToken, req.ToToken},
	}, nil
}

func (m *mockAggregator) BuildSwap(ctx context.Context, req SwapRequest, wallet common.Address) (*TxPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildCalls++
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	if m.payload != nil {
		return m.payload, nil
	}
	return &TxPayload{
		To:       common.HexToAddress(routerHex),
		Data:     []byte{0x12, 0x34},
		Value:    big.NewInt(0),
		GasLimit: 250000,
	}, nil
}

func (m *mockAggregator) RouterAddress() common.Address {
	return common.HexToAddress(routerHex)
}

type mockWallet struct {
	balance       *big.Int
	allowance     *big.Int
	approveCalls  int
	sendCalls     int
	receiptStatus uint64
	sendErr       error
}

func (m *mockWallet) Address() common.Address {
	return common.HexToAddress("0x5555555555555555555555555555555555555555")
}

func (m *mockWallet) BalanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockWallet) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	return m.allowance, nil
}

func (m *mockWallet) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	m.approveCalls++
	m.allowance = amount
	return common.HexToHash("0xaaaa"), nil
}

func (m *mockWallet) SendTransaction(ctx context.Context, payload TxPayload) (common.Hash, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return common.Hash{}, m.sendErr
	}
	return common.HexToHash("0xbbbb"), nil
}

func (m *mockWallet) WaitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	status := m.receiptStatus
	return &Receipt{TxHash: hash, Status: status, BlockNumber: 123, GasUsed: 180000}, nil
}

func healthyWallet() *mockWallet {
	return &mockWallet{
		balance:       big.NewInt(10_000_000),
		allowance:     big.NewInt(10_000_000),
		receiptStatus: 1,
	}
}

func quoteReq() QuoteRequest {
	return QuoteRequest{FromToken: tokenA, ToToken: tokenB, Amount: "1000000", Slippage: 0.005}
}

func swapReq() SwapRequest {
	return SwapRequest{QuoteRequest: quoteReq(), Recipient: recipient}
}

func newOrchestrator(agg Aggregator, wallet Wallet, bus *eventbus.Bus) *Orchestrator {
	cache := quotecache.New(16, quotecache.PolicyLRU)
	return New(Config{
		Aggregator:          agg,
		Wallet:              wallet,
		Cache:               cache,
		Bus:                 bus,
		RetryOpts:           retry.Options{MaxAttempts: 3, BaseDelay: time.Millisecond},
		ConfirmationTimeout: time.Second,
	})
}

func eventTypes(bus *eventbus.Bus) []string {
	history := bus.History()
	types := make([]string, 0, len(history))
	// History is newest first; reverse into publish order.
	for i := len(history) - 1; i >= 0; i-- {
		types = append(types, history[i].Type)
	}
	return types
}

func TestGetQuoteValidation(t *testing.T) {
	o := newOrchestrator(&mockAggregator{}, nil, nil)

	cases := []QuoteRequest{
		{FromToken: "bogus", ToToken: tokenB, Amount: "1", Slippage: 0.005},
		{FromToken: tokenA, ToToken: "bogus", Amount: "1", Slippage: 0.005},
		{FromToken: tokenA, ToToken: tokenA, Amount: "1", Slippage: 0.005},
		{FromToken: tokenA, ToToken: tokenB, Amount: "0", Slippage: 0.005},
		{FromToken: tokenA, ToToken: tokenB, Amount: "-5", Slippage: 0.005},
		{FromToken: tokenA, ToToken: tokenB, Amount: "abc", Slippage: 0.005},
		{FromToken: tokenA, ToToken: tokenB, Amount: "1", Slippage: 0},
		{FromToken: tokenA, ToToken: tokenB, Amount: "1", Slippage: 0.9},
	}
	for _, req := range cases {
		_, err := o.GetQuote(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, errs.KindSwapValidation, errs.KindOf(err))
	}
}

func TestGetQuoteCacheHitSkipsAggregator(t *testing.T) {
	agg := &mockAggregator{}
	o := newOrchestrator(agg, nil, nil)
	ctx := context.Background()

	first, err := o.GetQuote(ctx, quoteReq())
	require.NoError(t, err)

	second, err := o.GetQuote(ctx, quoteReq())
	require.NoError(t, err)

	assert.Equal(t, 1, agg.quoteCalls, "second lookup served from cache")
	assert.Equal(t, first.ToAmount, second.ToAmount)
}

func TestGetQuoteHonorsConfiguredTTL(t *testing.T) {
	agg := &mockAggregator{}
	o := New(Config{
		Aggregator: agg,
		Cache:      quotecache.New(16, quotecache.PolicyLRU),
		RetryOpts:  retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond},
		QuoteTTL:   time.Nanosecond,
	})
	ctx := context.Background()

	_, err := o.GetQuote(ctx, quoteReq())
	require.NoError(t, err)

	// The configured TTL has elapsed, so the cached quote is a miss.
	time.Sleep(time.Millisecond)
	_, err = o.GetQuote(ctx, quoteReq())
	require.NoError(t, err)
	assert.Equal(t, 2, agg.quoteCalls, "expired quote refetched from aggregator")
}

func TestGetQuoteRetriesTransientFailures(t *testing.T) {
	agg := &mockAggregator{quoteErrs: []error{
		errs.New(errs.KindNetworkError, "timeout"),
		errs.New(errs.KindNetworkError, "timeout"),
	}}
	o := newOrchestrator(agg, nil, nil)

	quote, err := o.GetQuote(context.Background(), quoteReq())
	require.NoError(t, err)
	assert.Equal(t, "990000", quote.ToAmount)
	assert.Equal(t, 3, agg.quoteCalls)
}

func TestGetQuoteDoesNotRetryTerminalFailures(t *testing.T) {
	agg := &mockAggregator{quoteErr: errs.New(errs.KindLiquidityInsufficient, "no route")}
	bus := eventbus.New(16)
	o := newOrchestrator(agg, nil, bus)

	_, err := o.GetQuote(context.Background(), quoteReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindLiquidityInsufficient, errs.KindOf(err))
	assert.Equal(t, 1, agg.quoteCalls)
	assert.Contains(t, eventTypes(bus), eventbus.EventQuoteFailed)
}

func TestExecuteSwapHappyPath(t *testing.T) {
	agg := &mockAggregator{}
	wallet := healthyWallet()
	bus := eventbus.New(32)
	o := newOrchestrator(agg, wallet, bus)

	result, err := o.ExecuteSwap(context.Background(), swapReq())
	require.NoError(t, err)
	assert.Equal(t, "990000", result.ToAmount)
	assert.Equal(t, uint64(123), result.BlockNumber)
	assert.NotEmpty(t, result.TxHash)

	types := eventTypes(bus)
	assert.Equal(t, []string{
		eventbus.EventQuoteRequested,
		eventbus.EventQuoteReceived,
		eventbus.EventSwapInitiated,
		eventbus.EventSimulationStarted,
		eventbus.EventSimulationCompleted,
		eventbus.EventTransactionSubmitted,
		eventbus.EventTransactionConfirmed,
		eventbus.EventSwapCompleted,
	}, types)

	snap := o.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.Equal(t, "1000000", snap.Volume)
	assert.InDelta(t, 180000, snap.AvgGas, 0.1)
}

func TestExecuteSwapApprovalBranch(t *testing.T) {
	agg := &mockAggregator{}
	wallet := healthyWallet()
	wallet.allowance = big.NewInt(0)
	bus := eventbus.New(32)
	o := newOrchestrator(agg, wallet, bus)

	_, err := o.ExecuteSwap(context.Background(), swapReq())
	require.NoError(t, err)
	assert.Equal(t, 1, wallet.approveCalls)

	types := eventTypes(bus)
	assert.Contains(t, types, eventbus.EventApprovalRequired)
	assert.Contains(t, types, eventbus.EventApprovalCompleted)
}

func TestExecuteSwapInsufficientBalance(t *testing.T) {
	wallet := healthyWallet()
	wallet.balance = big.NewInt(10)
	o := newOrchestrator(&mockAggregator{}, wallet, nil)

	_, err := o.ExecuteSwap(context.Background(), swapReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindInsufficientBalance, errs.KindOf(err))
	assert.Equal(t, 0, wallet.sendCalls)
}

func TestExecuteSwapSimulationAbortsBeforeSubmission(t *testing.T) {
	agg := &mockAggregator{payload: &TxPayload{To: common.HexToAddress(routerHex), Data: nil, Value: big.NewInt(0)}}
	wallet := healthyWallet()
	o := newOrchestrator(agg, wallet, nil)

	_, err := o.ExecuteSwap(context.Background(), swapReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindSwapValidation, errs.KindOf(err))
	assert.Equal(t, 0, wallet.sendCalls, "simulation failure must abort before gas is spent")
}

func TestExecuteSwapRevertedReceiptIsTerminal(t *testing.T) {
	wallet := healthyWallet()
	wallet.receiptStatus = 0
	bus := eventbus.New(32)
	o := newOrchestrator(&mockAggregator{}, wallet, bus)

	_, err := o.ExecuteSwap(context.Background(), swapReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindTransactionFailed, errs.KindOf(err))

	types := eventTypes(bus)
	assert.Contains(t, types, eventbus.EventTransactionFailed)
	assert.Contains(t, types, eventbus.EventSwapFailed)

	snap := o.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.ErrorCounts[errs.KindTransactionFailed])
}

func TestExecuteSwapRequiresSigner(t *testing.T) {
	o := newOrchestrator(&mockAggregator{}, nil, nil)

	_, err := o.ExecuteSwap(context.Background(), swapReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindSwapValidation, errs.KindOf(err))
}

func TestGetQuoteCircuitBreakerFastFails(t *testing.T) {
	agg := &mockAggregator{quoteErr: errs.New(errs.KindNetworkError, "down")}
	brk := breaker.New("aggregator", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	cache := quotecache.New(16, quotecache.PolicyLRU)
	o := New(Config{
		Aggregator: agg,
		Cache:      cache,
		Breaker:    brk,
		RetryOpts:  retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := o.GetQuote(ctx, quoteReq())
		require.Error(t, err)
	}
	assert.Equal(t, 2, agg.quoteCalls)

	// Circuit is open: the aggregator is no longer invoked.
	_, err := o.GetQuote(ctx, quoteReq())
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.Equal(t, 2, agg.quoteCalls)
}
