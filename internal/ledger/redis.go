package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// Key layout. The counter and nonce keys are the atomicity-critical ones:
// INCR and SET NX are single Redis commands, so two racing requests are
// serialized server-side.
func mintCountKey(templateID string) string { return fmt.Sprintf("mint:%s:count", templateID) }
func mintRecordsKey(address string) string  { return fmt.Sprintf("mint:records:%s", address) }
func paymentNonceKey(nonce string) string   { return fmt.Sprintf("payment:nonce:%s", nonce) }
func templateConfigKey(id string) string    { return fmt.Sprintf("template:config:%s", id) }

// RedisLedger implements Ledger on a Redis backend.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a ledger backed by the given Redis instance.
func NewRedisLedger(addr, password string, db int) *RedisLedger {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLedger{client: client}
}

// NewRedisLedgerFromClient wraps an existing client, mainly for tests.
func NewRedisLedgerFromClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

var _ Ledger = (*RedisLedger)(nil)

// Ping checks store connectivity for health reporting.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) NonceExists(ctx context.Context, nonce string) (bool, error) {
	n, err := l.client.Exists(ctx, paymentNonceKey(nonce)).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindNetworkError, "ledger exists check failed", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) RecordPayment(ctx context.Context, record PaymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	// SET NX is the atomic check-and-set closing the same-nonce race.
	ok, err := l.client.SetNX(ctx, paymentNonceKey(record.Nonce), data, PaymentNonceTTL).Result()
	if err != nil {
		return errs.Wrap(errs.KindNetworkError, "ledger payment write failed", err)
	}
	if !ok {
		return errs.Newf(errs.KindDuplicateNonce, "payment nonce %s already processed", record.Nonce)
	}
	return nil
}

func (l *RedisLedger) GetMintCount(ctx context.Context, templateID string) (int64, error) {
	n, err := l.client.Get(ctx, mintCountKey(templateID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindNetworkError, "ledger count read failed", err)
	}
	return n, nil
}

// cappedIncr increments the counter only while below the cap, returning
// {count, ok}. Runs server-side so racing requests serialize on Redis.
var cappedIncr = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if max > 0 and count >= max then
	return {count, 0}
end
return {redis.call('INCR', KEYS[1]), 1}
`)

func (l *RedisLedger) IncrementMintCount(ctx context.Context, templateID string, max int64) (int64, error) {
	if max <= 0 {
		n, err := l.client.Incr(ctx, mintCountKey(templateID)).Result()
		if err != nil {
			return 0, errs.Wrap(errs.KindNetworkError, "ledger count increment failed", err)
		}
		return n, nil
	}

	res, err := cappedIncr.Run(ctx, l.client, []string{mintCountKey(templateID)}, max).Slice()
	if err != nil {
		return 0, errs.Wrap(errs.KindNetworkError, "ledger count increment failed", err)
	}
	count, _ := res[0].(int64)
	ok, _ := res[1].(int64)
	if ok == 0 {
		return count, errs.Newf(errs.KindQuotaExceeded, "mint counter for %s is at its cap", templateID).
			WithDetails(map[string]interface{}{"current_count": count, "max_count": max})
	}
	return count, nil
}

func (l *RedisLedger) AppendMintRecord(ctx context.Context, userAddress string, record MintRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal mint record: %w", err)
	}

	key := mintRecordsKey(userAddress)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, MintRecordsLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.KindNetworkError, "ledger record append failed", err)
	}
	return nil
}

func (l *RedisLedger) GetMintRecords(ctx context.Context, userAddress string) ([]MintRecord, error) {
	items, err := l.client.LRange(ctx, mintRecordsKey(userAddress), 0, MintRecordsLimit-1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindNetworkError, "ledger record read failed", err)
	}

	records := make([]MintRecord, 0, len(items))
	for _, item := range items {
		var rec MintRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue // skip malformed entries rather than failing the read
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *RedisLedger) GetOrInitTemplateConfig(ctx context.Context, templateID string, def TemplateQuotaConfig) (TemplateQuotaConfig, error) {
	key := templateConfigKey(templateID)

	data, err := json.Marshal(def)
	if err != nil {
		return TemplateQuotaConfig{}, fmt.Errorf("failed to marshal template config: %w", err)
	}

	// Conditional create: the race winner's config sticks, losers read it back.
	if _, err := l.client.SetNX(ctx, key, data, 0).Result(); err != nil {
		return TemplateQuotaConfig{}, errs.Wrap(errs.KindNetworkError, "ledger config init failed", err)
	}

	raw, err := l.client.Get(ctx, key).Result()
	if err != nil {
		return TemplateQuotaConfig{}, errs.Wrap(errs.KindNetworkError, "ledger config read failed", err)
	}

	var cfg TemplateQuotaConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return TemplateQuotaConfig{}, fmt.Errorf("failed to unmarshal template config: %w", err)
	}
	return cfg, nil
}
