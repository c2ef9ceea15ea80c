// Package ledger provides the durable idempotency and quota store for the
// settlement pipeline. All cross-request atomicity in the system lives here:
// nonce dedup is an atomic create-if-absent and the mint counter is an atomic
// increment, so concurrent requests racing on the same nonce or template are
// serialized by the backing store, not by process-local locks.
package ledger

import (
	"context"
	"time"
)

// Record statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PaymentRecord is created exactly once per nonce, immutable afterwards.
type PaymentRecord struct {
	Nonce       string    `json:"nonce"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Value       string    `json:"value"`
	TemplateID  string    `json:"template_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}

// MintRecord is appended per mint attempt, success or failure, so
// paid-but-unminted users can be reconciled out of band.
type MintRecord struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"template_id"`
	UserAddress  string    `json:"user_address"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TemplateQuotaConfig is lazily created on first reference to a template.
// MaxMintCount zero means the template is uncapped.
type TemplateQuotaConfig struct {
	TemplateID   string `json:"template_id"`
	MaxMintCount int64  `json:"max_mint_count"`
	MintEnabled  bool   `json:"mint_enabled"`
	TokenName    string `json:"token_name"`
	TokenSymbol  string `json:"token_symbol"`
	TokenAddress string `json:"token_address"`
}

// PaymentNonceTTL bounds how long a nonce blocks replays. Signed payment
// authorizations carry their own validity window well inside 24h.
const PaymentNonceTTL = 24 * time.Hour

// MintRecordsLimit caps the per-user record list, newest first.
const MintRecordsLimit = 50

// Ledger is the store contract consumed by the orchestrators.
//
// RecordPayment and IncrementMintCount are the only operations that need
// true atomicity from the backing store; everything else tolerates
// read-your-writes consistency.
type Ledger interface {
	// NonceExists reports whether a payment record exists for the nonce.
	// Cheap pre-check only; RecordPayment is the authoritative gate.
	NonceExists(ctx context.Context, nonce string) (bool, error)

	// RecordPayment atomically creates the payment record for its nonce.
	// Returns a duplicate_nonce error if one already exists; check-and-set,
	// never check-then-set.
	RecordPayment(ctx context.Context, record PaymentRecord) error

	// GetMintCount returns the current mint counter for a template.
	GetMintCount(ctx context.Context, templateID string) (int64, error)

	// IncrementMintCount atomically increments the template counter and
	// returns the post-increment value, which is authoritative even when
	// requests raced past the pre-check. A positive max caps the counter:
	// an increment that would exceed it does not happen and a
	// quota_exceeded error carrying the current count is returned, so the
	// counter never overshoots, even transiently.
	IncrementMintCount(ctx context.Context, templateID string, max int64) (int64, error)

	// AppendMintRecord prepends a record to the user's list, trimmed to
	// the most recent MintRecordsLimit entries.
	AppendMintRecord(ctx context.Context, userAddress string, record MintRecord) error

	// GetMintRecords returns the user's records, newest first.
	GetMintRecords(ctx context.Context, userAddress string) ([]MintRecord, error)

	// GetOrInitTemplateConfig returns the template config, creating the
	// given default on first reference. Concurrent initializers converge
	// to a single stored config via conditional create.
	GetOrInitTemplateConfig(ctx context.Context, templateID string, def TemplateQuotaConfig) (TemplateQuotaConfig, error)
}
