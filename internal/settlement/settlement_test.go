package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h10086733/xlayer-402/internal/dex"
	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/ledger"
)

type mockProvider struct {
	mu    sync.Mutex
	calls int
	resp  *ProviderResponse
	err   error
}

func (m *mockProvider) Settle(ctx context.Context, payload, requirements json.RawMessage) (*ProviderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.resp != nil {
		return m.resp, nil
	}
	return &ProviderResponse{Results: []AttemptResult{{Success: true, Transaction: "0xsettle"}}}, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSwapper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSwapper) ExecuteSwap(ctx context.Context, req dex.SwapRequest) (*dex.SwapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &dex.SwapResult{TxHash: "0xswap", ToAmount: "990000", BlockNumber: 42, GasUsed: 180000}, nil
}

func (m *mockSwapper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

const mintTemplate = "token-mint"

func newPipeline(led ledger.Ledger, provider Provider, swapper Swapper, maxMint int64) *Orchestrator {
	return New(Config{
		Ledger:   led,
		Provider: provider,
		Swapper:  swapper,
		Templates: map[string]ledger.TemplateQuotaConfig{
			mintTemplate: {
				MaxMintCount: maxMint,
				MintEnabled:  true,
				TokenName:    "Layer Token",
				TokenSymbol:  "LYR",
				TokenAddress: "0x9999999999999999999999999999999999999999",
			},
			"pay-only": {},
		},
		PaymentAsset: "0x8888888888888888888888888888888888888888",
		Slippage:     0.005,
	})
}

func settleReq(nonce string) Request {
	return Request{
		Nonce:          nonce,
		FromAddress:    "0x1111111111111111111111111111111111111111",
		ToAddress:      "0x2222222222222222222222222222222222222222",
		Value:          "1000000",
		TemplateID:     mintTemplate,
		PaymentPayload: json.RawMessage(`{"signature":"0xsig"}`),
		Requirements:   json.RawMessage(`{"scheme":"exact"}`),
	}
}

func TestSettleMintsLastQuotaSlot(t *testing.T) {
	led := ledger.NewMemoryLedger()
	provider := &mockProvider{}
	swapper := &mockSwapper{}
	pipeline := newPipeline(led, provider, swapper, 10)
	ctx := context.Background()

	// Consume 9 of 10 slots up front.
	for i := 0; i < 9; i++ {
		_, err := led.IncrementMintCount(ctx, mintTemplate, 0)
		require.NoError(t, err)
	}

	outcome, err := pipeline.Settle(ctx, settleReq("abc"))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "0xsettle", outcome.Transaction)

	require.NotNil(t, outcome.Mint)
	assert.True(t, outcome.Mint.Success)
	assert.Equal(t, int64(1), outcome.Mint.MintCount)
	assert.Equal(t, int64(10), outcome.Mint.CurrentCount)
	assert.Equal(t, "0xswap", outcome.Mint.TxHash)

	count, err := led.GetMintCount(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	records, err := led.GetMintRecords(ctx, settleReq("abc").FromAddress)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusCompleted, records[0].Status)

	// Replay with the same nonce: rejected, counter untouched, no extra
	// provider call side effects beyond the gate.
	_, err = pipeline.Settle(ctx, settleReq("abc"))
	require.Error(t, err)
	assert.Equal(t, errs.KindDuplicateNonce, errs.KindOf(err))

	count, err = led.GetMintCount(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	assert.Equal(t, 1, provider.callCount())
}

func TestSettleQuotaExhaustedSkipsProvider(t *testing.T) {
	led := ledger.NewMemoryLedger()
	provider := &mockProvider{}
	pipeline := newPipeline(led, provider, &mockSwapper{}, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := led.IncrementMintCount(ctx, mintTemplate, 0)
		require.NoError(t, err)
	}

	_, err := pipeline.Settle(ctx, settleReq("n1"))
	require.Error(t, err)
	assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))

	var tagged *errs.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, int64(10), tagged.Details["current_count"])
	assert.Equal(t, int64(10), tagged.Details["max_count"])

	assert.Equal(t, 0, provider.callCount(), "settlement step skipped entirely")
}

func TestSettleSwapFailureKeepsPayment(t *testing.T) {
	led := ledger.NewMemoryLedger()
	swapper := &mockSwapper{err: errs.New(errs.KindSlippageExceeded, "price moved")}
	pipeline := newPipeline(led, &mockProvider{}, swapper, 10)
	ctx := context.Background()

	outcome, err := pipeline.Settle(ctx, settleReq("n2"))
	require.NoError(t, err, "swap failure must not fail the payment leg")
	assert.True(t, outcome.Success)

	require.NotNil(t, outcome.Mint)
	assert.False(t, outcome.Mint.Success)
	assert.Equal(t, errs.KindSlippageExceeded, outcome.Mint.ErrorKind)
	assert.Equal(t, int64(0), outcome.Mint.MintCount)

	// Payment record persisted despite the failed swap.
	exists, err := led.NonceExists(ctx, "n2")
	require.NoError(t, err)
	assert.True(t, exists)

	// The quota slot stays consumed; the failed record is the audit trail.
	count, err := led.GetMintCount(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	records, err := led.GetMintRecords(ctx, settleReq("n2").FromAddress)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "price moved")
}

func TestSettleProviderAllFalseIsSettlementFailed(t *testing.T) {
	led := ledger.NewMemoryLedger()
	provider := &mockProvider{resp: &ProviderResponse{Results: []AttemptResult{
		{Success: false, ErrorReason: "authorization expired"},
		{Success: false, ErrorReason: "authorization expired"},
	}}}
	pipeline := newPipeline(led, provider, &mockSwapper{}, 10)
	ctx := context.Background()

	_, err := pipeline.Settle(ctx, settleReq("n3"))
	require.Error(t, err)
	assert.Equal(t, errs.KindSettlementFailed, errs.KindOf(err))

	// Nothing persisted: the nonce stays available for a corrected retry.
	exists, err := led.NonceExists(ctx, "n3")
	require.NoError(t, err)
	assert.False(t, exists)

	count, err := led.GetMintCount(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSettleProviderErrorPropagates(t *testing.T) {
	led := ledger.NewMemoryLedger()
	provider := &mockProvider{err: errs.New(errs.KindNetworkError, "connection reset")}
	pipeline := newPipeline(led, provider, &mockSwapper{}, 10)

	_, err := pipeline.Settle(context.Background(), settleReq("n4"))
	require.Error(t, err)
	assert.Equal(t, errs.KindNetworkError, errs.KindOf(err))
	assert.Equal(t, 1, provider.callCount(), "the pipeline never re-issues a settle call")
}

func TestSettlePayOnlyTemplateSkipsMint(t *testing.T) {
	led := ledger.NewMemoryLedger()
	swapper := &mockSwapper{}
	pipeline := newPipeline(led, &mockProvider{}, swapper, 10)

	req := settleReq("n5")
	req.TemplateID = "pay-only"
	outcome, err := pipeline.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Nil(t, outcome.Mint)
	assert.Equal(t, 0, swapper.callCount())
}

func TestSettleConcurrentSameNonce(t *testing.T) {
	led := ledger.NewMemoryLedger()
	pipeline := newPipeline(led, &mockProvider{}, &mockSwapper{}, 100)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, callers)
	errors := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errors[i] = pipeline.Settle(ctx, settleReq("shared"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range outcomes {
		if errors[i] == nil {
			winners++
		} else {
			assert.Equal(t, errs.KindDuplicateNonce, errs.KindOf(errors[i]))
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller settles a nonce")
}

func TestSettleConcurrentQuotaNeverOvermints(t *testing.T) {
	const maxMint = int64(5)
	const callers = 20

	led := ledger.NewMemoryLedger()
	swapper := &mockSwapper{}
	pipeline := newPipeline(led, &mockProvider{}, swapper, maxMint)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, callers)
	errors := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errors[i] = pipeline.Settle(ctx, settleReq(fmt.Sprintf("nonce-%d", i)))
		}(i)
	}
	wg.Wait()

	minted := 0
	for i := range outcomes {
		if errors[i] == nil && outcomes[i].Mint != nil && outcomes[i].Mint.Success {
			minted++
		}
	}

	count, err := led.GetMintCount(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, maxMint, count, "counter settles at exactly the cap")
	assert.Equal(t, int(maxMint), minted, "exactly maxMint requests mint")
	assert.Equal(t, int(maxMint), swapper.callCount(), "losers never reach the swap")
}

func TestMintProgress(t *testing.T) {
	led := ledger.NewMemoryLedger()
	pipeline := newPipeline(led, &mockProvider{}, &mockSwapper{}, 10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := led.IncrementMintCount(ctx, mintTemplate, 0)
		require.NoError(t, err)
	}

	progress, err := pipeline.MintProgress(ctx, mintTemplate)
	require.NoError(t, err)
	assert.Equal(t, int64(4), progress.CurrentCount)
	assert.Equal(t, int64(10), progress.MaxCount)
	assert.Equal(t, int64(6), progress.Remaining)
	assert.InDelta(t, 40.0, progress.Percent, 0.01)
}

func TestProviderResponseSucceeded(t *testing.T) {
	assert.False(t, (&ProviderResponse{}).Succeeded())
	assert.False(t, (&ProviderResponse{Results: []AttemptResult{{Success: false}}}).Succeeded())
	assert.True(t, (&ProviderResponse{Results: []AttemptResult{
		{Success: false},
		{Success: true, Transaction: "0x1"},
	}}).Succeeded())
	assert.Equal(t, "0x1", (&ProviderResponse{Results: []AttemptResult{
		{Success: false},
		{Success: true, Transaction: "0x1"},
	}}).Transaction())
}
