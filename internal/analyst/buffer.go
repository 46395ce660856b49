package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"forecastloop/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const bufferTTL = 7 * 24 * time.Hour

// DissentBuffer accumulates one day's dissent records and contribution P&L per fork until the
// daily rollup purges them.
type DissentBuffer interface {
	// AddBatch writes everything in the batch or nothing.
	AddBatch(ctx context.Context, batch Batch) error
	Dissents(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.DissentRecord, error)
	Contributions(ctx context.Context, fork domain.Fork, date time.Time) (map[string]decimal.Decimal, error)
	Purge(ctx context.Context, fork domain.Fork, date time.Time) error
}

// Batch is what one resolved ensemble call adds to a fork's day.
type Batch struct {
	Fork          domain.Fork
	Date          time.Time
	Contributions map[string]decimal.Decimal
	Dissents      []domain.DissentRecord
}

func dayKey(date time.Time) string {
	return date.UTC().Format("2006-01-02")
}

type RedisDissentBuffer struct {
	client *redis.Client
	prefix string
}

func NewRedisDissentBuffer(client *redis.Client) *RedisDissentBuffer {
	return &RedisDissentBuffer{client: client, prefix: "analyst"}
}

func (b *RedisDissentBuffer) dissentKey(fork domain.Fork, date time.Time) string {
	return fmt.Sprintf("%s:dissent:%s:%s", b.prefix, fork, dayKey(date))
}

func (b *RedisDissentBuffer) contribKey(fork domain.Fork, date time.Time) string {
	return fmt.Sprintf("%s:contrib:%s:%s", b.prefix, fork, dayKey(date))
}

func (b *RedisDissentBuffer) AddBatch(ctx context.Context, batch Batch) error {
	payloads := make([]any, 0, len(batch.Dissents))
	for _, rec := range batch.Dissents {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal dissent record: %w", err)
		}
		payloads = append(payloads, payload)
	}
	dissentKey := b.dissentKey(batch.Fork, batch.Date)
	contribKey := b.contribKey(batch.Fork, batch.Date)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for analyst, pnl := range batch.Contributions {
			pipe.HIncrByFloat(ctx, contribKey, analyst, pnl.InexactFloat64())
		}
		if len(batch.Contributions) > 0 {
			pipe.Expire(ctx, contribKey, bufferTTL)
		}
		if len(payloads) > 0 {
			pipe.RPush(ctx, dissentKey, payloads...)
			pipe.Expire(ctx, dissentKey, bufferTTL)
		}
		return nil
	})
	return err
}

func (b *RedisDissentBuffer) Dissents(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.DissentRecord, error) {
	raw, err := b.client.LRange(ctx, b.dissentKey(fork, date), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.DissentRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.DissentRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode dissent record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *RedisDissentBuffer) Contributions(ctx context.Context, fork domain.Fork, date time.Time) (map[string]decimal.Decimal, error) {
	raw, err := b.client.HGetAll(ctx, b.contribKey(fork, date)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for analyst, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("decode contribution for %s: %w", analyst, err)
		}
		out[analyst] = d
	}
	return out, nil
}

func (b *RedisDissentBuffer) Purge(ctx context.Context, fork domain.Fork, date time.Time) error {
	return b.client.Del(ctx, b.dissentKey(fork, date), b.contribKey(fork, date)).Err()
}

// MemoryDissentBuffer is the process-local buffer used when Redis is not configured.
type MemoryDissentBuffer struct {
	mu       sync.Mutex
	dissents map[string][]domain.DissentRecord
	contribs map[string]map[string]decimal.Decimal
}

func NewMemoryDissentBuffer() *MemoryDissentBuffer {
	return &MemoryDissentBuffer{
		dissents: make(map[string][]domain.DissentRecord),
		contribs: make(map[string]map[string]decimal.Decimal),
	}
}

func memKey(fork domain.Fork, date time.Time) string {
	return string(fork) + ":" + dayKey(date)
}

func (b *MemoryDissentBuffer) AddBatch(_ context.Context, batch Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memKey(batch.Fork, batch.Date)
	if len(batch.Contributions) > 0 && b.contribs[k] == nil {
		b.contribs[k] = make(map[string]decimal.Decimal)
	}
	for analyst, pnl := range batch.Contributions {
		b.contribs[k][analyst] = b.contribs[k][analyst].Add(pnl)
	}
	b.dissents[k] = append(b.dissents[k], batch.Dissents...)
	return nil
}

func (b *MemoryDissentBuffer) Dissents(_ context.Context, fork domain.Fork, date time.Time) ([]domain.DissentRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.DissentRecord{}, b.dissents[memKey(fork, date)]...), nil
}

func (b *MemoryDissentBuffer) Contributions(_ context.Context, fork domain.Fork, date time.Time) (map[string]decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for k, v := range b.contribs[memKey(fork, date)] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryDissentBuffer) Purge(_ context.Context, fork domain.Fork, date time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memKey(fork, date)
	delete(b.dissents, k)
	delete(b.contribs, k)
	return nil
}
