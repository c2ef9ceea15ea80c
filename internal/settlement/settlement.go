// Package settlement runs the top-level payment pipeline: idempotency gate,
// quota gate, external settlement, durable payment record, and the optional
// mint/swap leg. Payment and mint outcomes are reported independently; a
// failed swap never rolls back a settled payment.
package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/h10086733/xlayer-402/internal/dex"
	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/ledger"
)

// Request is one verified payment authorization to settle. Signature and
// schema checks happened upstream; this pipeline trusts them.
type Request struct {
	Nonce       string `json:"nonce"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Value       string `json:"value"`
	TemplateID  string `json:"template_id"`

	// Opaque provider inputs, forwarded verbatim.
	PaymentPayload json.RawMessage `json:"payment_payload"`
	Requirements   json.RawMessage `json:"requirements"`
}

// MintOutcome reports the mint/swap leg of a settlement.
type MintOutcome struct {
	Success      bool      `json:"success"`
	MintCount    int64     `json:"mint_count"` // tokens minted by this request
	CurrentCount int64     `json:"current_count"`
	MaxCount     int64     `json:"max_count"`
	TxHash       string    `json:"tx_hash,omitempty"`
	RecordID     string    `json:"record_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    errs.Kind `json:"error_kind,omitempty"`
}

// Outcome reports both legs of a settlement. Success covers the payment leg
// only; inspect Mint for the mint leg.
type Outcome struct {
	Success     bool                  `json:"success"`
	Transaction string                `json:"transaction,omitempty"`
	Payment     *ledger.PaymentRecord `json:"payment,omitempty"`
	Mint        *MintOutcome          `json:"mint_record,omitempty"`
}

// Swapper is the mint leg's execution boundary, satisfied by *dex.Orchestrator.
type Swapper interface {
	ExecuteSwap(ctx context.Context, req dex.SwapRequest) (*dex.SwapResult, error)
}

// Config assembles an Orchestrator.
type Config struct {
	Ledger   ledger.Ledger
	Provider Provider
	// Swapper may be nil; mint-enabled templates then record failed mints.
	Swapper Swapper
	// Templates are per-template defaults used on first reference. Unknown
	// templates fall back to DefaultTemplate.
	Templates       map[string]ledger.TemplateQuotaConfig
	DefaultTemplate ledger.TemplateQuotaConfig
	// PaymentAsset is the token settlement delivers, the swap input.
	PaymentAsset string
	// Slippage applied to mint swaps.
	Slippage float64
	Logger   *zap.Logger
	Tracker  *errs.Tracker
}

// Orchestrator is the settlement pipeline. All collaborators are injected at
// construction.
type Orchestrator struct {
	ledger       ledger.Ledger
	provider     Provider
	swapper      Swapper
	templates    map[string]ledger.TemplateQuotaConfig
	defaultTmpl  ledger.TemplateQuotaConfig
	paymentAsset string
	slippage     float64
	log          *zap.Logger
	tracker      *errs.Tracker
}

// New creates a settlement orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = errs.NewTracker(64)
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = 0.005
	}
	return &Orchestrator{
		ledger:       cfg.Ledger,
		provider:     cfg.Provider,
		swapper:      cfg.Swapper,
		templates:    cfg.Templates,
		defaultTmpl:  cfg.DefaultTemplate,
		paymentAsset: cfg.PaymentAsset,
		slippage:     cfg.Slippage,
		log:          cfg.Logger,
		tracker:      cfg.Tracker,
	}
}

// Tracker exposes the aggregate error view.
func (o *Orchestrator) Tracker() *errs.Tracker { return o.tracker }

// Settle runs the pipeline for one request. A returned error means the
// payment leg failed and nothing was settled from the caller's perspective;
// mint-leg failures are reported inside a successful Outcome.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (*Outcome, error) {
	outcome, err := o.settle(ctx, req)
	if err != nil {
		o.tracker.Record(err)
		o.log.Warn("settlement rejected",
			zap.String("nonce", req.Nonce),
			zap.String("template_id", req.TemplateID),
			zap.String("kind", string(errs.KindOf(err))),
			zap.Error(err))
	}
	return outcome, err
}

func (o *Orchestrator) settle(ctx context.Context, req Request) (*Outcome, error) {
	// Cheap short-circuit; the atomic RecordPayment below is the real gate.
	exists, err := o.ledger.NonceExists(ctx, req.Nonce)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.Newf(errs.KindDuplicateNonce, "payment nonce %s already processed", req.Nonce)
	}

	cfg, err := o.templateConfig(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	// Quota pre-check happens before the provider is ever contacted.
	if cfg.MaxMintCount > 0 {
		count, err := o.ledger.GetMintCount(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if count >= cfg.MaxMintCount {
			return nil, errs.Newf(errs.KindQuotaExceeded, "template %s mint quota exhausted", req.TemplateID).
				WithDetails(map[string]interface{}{
					"current_count": count,
					"max_count":     cfg.MaxMintCount,
				})
		}
	}

	// Exactly one provider call per request. Never retried here: once the
	// request may have reached the provider, a re-issue risks double
	// settlement. Transport retries live inside the provider client, gated
	// by idempotency keys the provider honors.
	resp, err := o.provider.Settle(ctx, req.PaymentPayload, req.Requirements)
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded() {
		reason := "all settlement attempts failed"
		if len(resp.Results) > 0 && resp.Results[0].ErrorReason != "" {
			reason = resp.Results[0].ErrorReason
		}
		return nil, errs.New(errs.KindSettlementFailed, reason)
	}

	record := ledger.PaymentRecord{
		Nonce:       req.Nonce,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Value:       req.Value,
		TemplateID:  req.TemplateID,
		CreatedAt:   time.Now(),
		Status:      ledger.StatusCompleted,
	}
	if err := o.ledger.RecordPayment(ctx, record); err != nil {
		// A concurrent request with the same nonce won the atomic write.
		return nil, err
	}

	outcome := &Outcome{
		Success:     true,
		Transaction: resp.Transaction(),
		Payment:     &record,
	}

	if cfg.MintEnabled {
		outcome.Mint = o.mint(ctx, req, cfg)
	}
	return outcome, nil
}

// mint runs the mint leg. It never fails the settlement; every path appends
// a MintRecord so paid-but-unminted users stay auditable.
func (o *Orchestrator) mint(ctx context.Context, req Request, cfg ledger.TemplateQuotaConfig) *MintOutcome {
	// The capped increment is the real quota gate: losers of the race past
	// the pre-check fail here with the authoritative current count, and the
	// counter never overshoots the cap.
	newCount, err := o.ledger.IncrementMintCount(ctx, req.TemplateID, cfg.MaxMintCount)
	if err != nil {
		return o.mintFailed(ctx, req, cfg, newCount, err)
	}

	if o.swapper == nil {
		err := errs.New(errs.KindUnknown, "mint requested but no swap orchestrator configured")
		return o.mintFailed(ctx, req, cfg, newCount, err)
	}

	swapRes, err := o.swapper.ExecuteSwap(ctx, dex.SwapRequest{
		QuoteRequest: dex.QuoteRequest{
			FromToken: o.paymentAsset,
			ToToken:   cfg.TokenAddress,
			Amount:    req.Value,
			Slippage:  o.slippage,
		},
		Recipient: req.FromAddress,
	})
	if err != nil {
		// Deliberate policy: the quota slot is not reclaimed. The failed
		// record below is the reconciliation hook for operators.
		return o.mintFailed(ctx, req, cfg, newCount, err)
	}

	rec := ledger.MintRecord{
		ID:          uuid.NewString(),
		TemplateID:  req.TemplateID,
		UserAddress: req.FromAddress,
		TxHash:      swapRes.TxHash,
		Status:      ledger.StatusCompleted,
		CreatedAt:   time.Now(),
	}
	o.appendRecord(ctx, req.FromAddress, rec)

	return &MintOutcome{
		Success:      true,
		MintCount:    1,
		CurrentCount: newCount,
		MaxCount:     cfg.MaxMintCount,
		TxHash:       swapRes.TxHash,
		RecordID:     rec.ID,
	}
}

func (o *Orchestrator) mintFailed(ctx context.Context, req Request, cfg ledger.TemplateQuotaConfig, current int64, cause error) *MintOutcome {
	o.tracker.Record(cause)

	rec := ledger.MintRecord{
		ID:           uuid.NewString(),
		TemplateID:   req.TemplateID,
		UserAddress:  req.FromAddress,
		Status:       ledger.StatusFailed,
		ErrorMessage: cause.Error(),
		CreatedAt:    time.Now(),
	}
	o.appendRecord(ctx, req.FromAddress, rec)

	o.log.Warn("mint leg failed",
		zap.String("nonce", req.Nonce),
		zap.String("template_id", req.TemplateID),
		zap.String("kind", string(errs.KindOf(cause))),
		zap.Error(cause))

	return &MintOutcome{
		Success:      false,
		CurrentCount: current,
		MaxCount:     cfg.MaxMintCount,
		RecordID:     rec.ID,
		Error:        cause.Error(),
		ErrorKind:    errs.KindOf(cause),
	}
}

func (o *Orchestrator) appendRecord(ctx context.Context, address string, rec ledger.MintRecord) {
	if err := o.ledger.AppendMintRecord(ctx, address, rec); err != nil {
		o.log.Error("failed to append mint record",
			zap.String("user_address", address),
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) templateConfig(ctx context.Context, templateID string) (ledger.TemplateQuotaConfig, error) {
	def, ok := o.templates[templateID]
	if !ok {
		def = o.defaultTmpl
	}
	def.TemplateID = templateID
	return o.ledger.GetOrInitTemplateConfig(ctx, templateID, def)
}

// Progress is the read-only mint progress projection for a template.
type Progress struct {
	TemplateID   string  `json:"template_id"`
	CurrentCount int64   `json:"current_count"`
	MaxCount     int64   `json:"max_count"`
	Remaining    int64   `json:"remaining"`
	Percent      float64 `json:"percent"`
}

// MintProgress reports how much of a template's quota is consumed.
func (o *Orchestrator) MintProgress(ctx context.Context, templateID string) (*Progress, error) {
	cfg, err := o.templateConfig(ctx, templateID)
	if err != nil {
		return nil, err
	}
	count, err := o.ledger.GetMintCount(ctx, templateID)
	if err != nil {
		return nil, err
	}

	p := &Progress{TemplateID: templateID, CurrentCount: count, MaxCount: cfg.MaxMintCount}
	if cfg.MaxMintCount > 0 {
		p.Remaining = cfg.MaxMintCount - count
		if p.Remaining < 0 {
			p.Remaining = 0
		}
		p.Percent = float64(count) / float64(cfg.MaxMintCount) * 100
	}
	return p, nil
}

// MintRecords returns a user's mint history, newest first.
func (o *Orchestrator) MintRecords(ctx context.Context, address string) ([]ledger.MintRecord, error) {
	return o.ledger.GetMintRecords(ctx, address)
}
