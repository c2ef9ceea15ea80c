package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// MemoryLedger is an in-memory Ledger with the same atomicity semantics as
// the Redis implementation, guarded by a single mutex. Suitable for tests
// and single-instance development; state is lost on restart.
type MemoryLedger struct {
	mu       sync.Mutex
	payments map[string]PaymentRecord
	expiry   map[string]time.Time
	counts   map[string]int64
	records  map[string][]MintRecord
	configs  map[string]TemplateQuotaConfig
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		payments: make(map[string]PaymentRecord),
		expiry:   make(map[string]time.Time),
		counts:   make(map[string]int64),
		records:  make(map[string][]MintRecord),
		configs:  make(map[string]TemplateQuotaConfig),
	}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) NonceExists(ctx context.Context, nonce string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.payments[nonce]
	if ok && time.Now().After(l.expiry[nonce]) {
		delete(l.payments, nonce)
		delete(l.expiry, nonce)
		return false, nil
	}
	return ok, nil
}

func (l *MemoryLedger) RecordPayment(ctx context.Context, record PaymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.payments[record.Nonce]; ok {
		if time.Now().Before(l.expiry[existing.Nonce]) {
			return errs.Newf(errs.KindDuplicateNonce, "payment nonce %s already processed", record.Nonce)
		}
	}
	l.payments[record.Nonce] = record
	l.expiry[record.Nonce] = time.Now().Add(PaymentNonceTTL)
	return nil
}

func (l *MemoryLedger) GetMintCount(ctx context.Context, templateID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[templateID], nil
}

func (l *MemoryLedger) IncrementMintCount(ctx context.Context, templateID string, max int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.counts[templateID]
	if max > 0 && count >= max {
		return count, errs.Newf(errs.KindQuotaExceeded, "mint counter for %s is at its cap", templateID).
			WithDetails(map[string]interface{}{"current_count": count, "max_count": max})
	}
	l.counts[templateID] = count + 1
	return count + 1, nil
}

func (l *MemoryLedger) AppendMintRecord(ctx context.Context, userAddress string, record MintRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := append([]MintRecord{record}, l.records[userAddress]...)
	if len(list) > MintRecordsLimit {
		list = list[:MintRecordsLimit]
	}
	l.records[userAddress] = list
	return nil
}

func (l *MemoryLedger) GetMintRecords(ctx context.Context, userAddress string) ([]MintRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]MintRecord, len(l.records[userAddress]))
	copy(out, l.records[userAddress])
	return out, nil
}

func (l *MemoryLedger) GetOrInitTemplateConfig(ctx context.Context, templateID string, def TemplateQuotaConfig) (TemplateQuotaConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg, ok := l.configs[templateID]; ok {
		return cfg, nil
	}
	l.configs[templateID] = def
	return def, nil
}
