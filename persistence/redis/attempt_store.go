package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	contributor "github.com/tranvictor/contributor"
)

// Key prefixes for attempt storage
const (
	attemptKeyPrefix       = "contributor:attempt:"          // attempt data by id
	attemptPendingSetKey   = "contributor:attempt:pending"   // ids of submitted attempts awaiting confirmation
	attemptWalletKeyPrefix = "contributor:attempt:wallet:"   // ids by wallet, scored by created_at
	attemptTimestampKey    = "contributor:attempt:timestamp" // ids scored by created_at for cleanup
)

const (
	rejectedIDPrefix = "rejected:"
	maxWatchRetries  = 10
)

// statusPriority orders attempt statuses. Higher is more final and is never overwritten.
var statusPriority = map[contributor.AttemptStatus]int{
	contributor.AttemptStatusPending:   1,
	contributor.AttemptStatusRejected:  2,
	contributor.AttemptStatusConfirmed: 2,
	contributor.AttemptStatusFailed:    2,
}

// AttemptStore journals contribution attempts in Redis.
// It implements the contributor.AttemptJournal interface.
//
// Records do not expire. Use DeleteOlderThan for periodic cleanup.
type AttemptStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ contributor.AttemptJournal = (*AttemptStore)(nil)

// AttemptStoreOption configures an AttemptStore.
type AttemptStoreOption func(*AttemptStore)

// WithKeyPrefix sets a custom prefix for all Redis keys.
func WithKeyPrefix(prefix string) AttemptStoreOption {
	return func(s *AttemptStore) {
		s.keyPrefix = prefix
	}
}

// NewAttemptStore creates a new Redis-based attempt journal.
func NewAttemptStore(client redis.UniversalClient, opts ...AttemptStoreOption) *AttemptStore {
	s := &AttemptStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAttemptStoreFromURL connects to the redis:// URL and pings the server.
func NewAttemptStoreFromURL(ctx context.Context, url string, opts ...AttemptStoreOption) (*AttemptStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewAttemptStore(client, opts...), nil
}

// Close releases the underlying client.
func (s *AttemptStore) Close() error {
	return s.client.Close()
}

// key returns the full Redis key with optional prefix.
func (s *AttemptStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

func (s *AttemptStore) walletKey(wallet common.Address) string {
	return s.key(attemptWalletKeyPrefix, wallet.Hex())
}

// recordID is the tx hash for submitted attempts. Rejected attempts have no
// hash so they are keyed by wallet, creation time and attempt number.
func recordID(rec *contributor.AttemptRecord) string {
	if rec.TxHash != (common.Hash{}) {
		return rec.TxHash.Hex()
	}
	return rejectedIDPrefix + rec.Wallet.Hex() + ":" +
		strconv.FormatInt(rec.CreatedAt.UnixNano(), 10) + ":" +
		strconv.FormatUint(rec.Attempt, 10)
}

// attemptData is the JSON-serializable form of AttemptRecord
type attemptData struct {
	Wallet    string `json:"wallet"`
	Label     string `json:"label"`
	Attempt   uint64 `json:"attempt"`
	Nonce     uint64 `json:"nonce"`
	TxHash    string `json:"tx_hash,omitempty"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
	GasPrice  string `json:"gas_price,omitempty"`
	MaxFee    string `json:"max_fee,omitempty"`
	TipCap    string `json:"tip_cap,omitempty"`
	Block     uint64 `json:"block,omitempty"`
	CreatedAt int64  `json:"created_at"` // Nanoseconds
	UpdatedAt int64  `json:"updated_at"` // Nanoseconds
}

// withRetry runs fn under optimistic locking, backing off with jitter while
// the watched keys keep changing underneath it.
func (s *AttemptStore) withRetry(ctx context.Context, op string, fn func(*redis.Tx) error, keys ...string) error {
	var lastErr error
	for i := 0; i < maxWatchRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("failed to %s after %d retries: %w", op, maxWatchRetries, lastErr)
}

// Record stores a new attempt. An existing record with a more final status
// is left untouched, so a late Record never undoes an earlier UpdateStatus.
func (s *AttemptStore) Record(ctx context.Context, rec *contributor.AttemptRecord) error {
	if rec == nil {
		return fmt.Errorf("attempt record cannot be nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	id := recordID(rec)
	dataKey := s.key(attemptKeyPrefix, id)

	return s.withRetry(ctx, "record attempt", func(rtx *redis.Tx) error {
		existing, err := rtx.Get(ctx, dataKey).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get existing attempt: %w", err)
		}
		if err != redis.Nil {
			prev, parseErr := deserializeAttempt(existing)
			if parseErr == nil && isMoreFinalStatus(prev.Status, rec.Status) {
				return nil
			}
		}

		data, err := serializeAttempt(rec)
		if err != nil {
			return fmt.Errorf("failed to serialize attempt: %w", err)
		}

		score := float64(rec.CreatedAt.Unix())
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, data, 0)
			if rec.Status == contributor.AttemptStatusPending {
				pipe.SAdd(ctx, s.key(attemptPendingSetKey), id)
			} else {
				pipe.SRem(ctx, s.key(attemptPendingSetKey), id)
			}
			pipe.ZAdd(ctx, s.walletKey(rec.Wallet), redis.Z{Score: score, Member: id})
			pipe.ZAdd(ctx, s.key(attemptTimestampKey), redis.Z{Score: score, Member: id})
			return nil
		})
		return err
	}, dataKey)
}

// UpdateStatus moves a submitted attempt to a new status. Unknown hashes are
// ignored and a final status is never downgraded.
func (s *AttemptStore) UpdateStatus(ctx context.Context, hash common.Hash, status contributor.AttemptStatus, block uint64, errMsg string) error {
	id := hash.Hex()
	dataKey := s.key(attemptKeyPrefix, id)

	return s.withRetry(ctx, "update attempt status", func(rtx *redis.Tx) error {
		data, err := rtx.Get(ctx, dataKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get attempt: %w", err)
		}

		rec, err := deserializeAttempt(data)
		if err != nil {
			return fmt.Errorf("failed to deserialize attempt: %w", err)
		}
		if isMoreFinalStatus(rec.Status, status) {
			return nil
		}

		rec.Status = status
		rec.Block = block
		if errMsg != "" {
			rec.Error = errMsg
		}
		rec.UpdatedAt = time.Now()

		newData, err := serializeAttempt(rec)
		if err != nil {
			return fmt.Errorf("failed to serialize attempt: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, newData, 0)
			if status == contributor.AttemptStatusPending {
				pipe.SAdd(ctx, s.key(attemptPendingSetKey), id)
			} else {
				pipe.SRem(ctx, s.key(attemptPendingSetKey), id)
			}
			return nil
		})
		return err
	}, dataKey)
}

// isMoreFinalStatus returns true if existing is more final than next.
func isMoreFinalStatus(existing, next contributor.AttemptStatus) bool {
	return statusPriority[existing] > statusPriority[next]
}

// Get retrieves a submitted attempt by tx hash.
func (s *AttemptStore) Get(ctx context.Context, hash common.Hash) (*contributor.AttemptRecord, error) {
	data, err := s.client.Get(ctx, s.key(attemptKeyPrefix, hash.Hex())).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return deserializeAttempt(data)
}

// ListByWallet returns every attempt journaled for wallet, oldest first.
func (s *AttemptStore) ListByWallet(ctx context.Context, wallet common.Address) ([]*contributor.AttemptRecord, error) {
	ids, err := s.client.ZRange(ctx, s.walletKey(wallet), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet attempts: %w", err)
	}
	return s.getByIDs(ctx, ids)
}

// ListPending returns submitted attempts that never reached a final status,
// typically left behind by an interrupted run.
func (s *AttemptStore) ListPending(ctx context.Context) ([]*contributor.AttemptRecord, error) {
	ids, err := s.client.SMembers(ctx, s.key(attemptPendingSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending attempts: %w", err)
	}
	return s.getByIDs(ctx, ids)
}

func (s *AttemptStore) getByIDs(ctx context.Context, ids []string) ([]*contributor.AttemptRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(attemptKeyPrefix, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}

	result := make([]*contributor.AttemptRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // deleted between the index read and MGET
		}
		rec, err := deserializeAttempt([]byte(str))
		if err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// DeleteOlderThan removes attempts created more than age ago. Pending
// attempts are kept so an unresolved transaction is never forgotten.
func (s *AttemptStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-age).Unix(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.key(attemptTimestampKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list old attempts: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		dataKey := s.key(attemptKeyPrefix, id)
		removed := false
		err := s.withRetry(ctx, "delete attempt", func(rtx *redis.Tx) error {
			removed = false
			data, err := rtx.Get(ctx, dataKey).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get attempt: %w", err)
			}

			var wallet common.Address
			if err != redis.Nil {
				rec, parseErr := deserializeAttempt(data)
				if parseErr == nil {
					if rec.Status == contributor.AttemptStatusPending {
						return nil
					}
					wallet = rec.Wallet
				}
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, dataKey)
				pipe.ZRem(ctx, s.key(attemptTimestampKey), id)
				if wallet != (common.Address{}) {
					pipe.ZRem(ctx, s.walletKey(wallet), id)
				}
				return nil
			})
			if err == nil {
				removed = true
			}
			return err
		}, dataKey)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

func serializeAttempt(rec *contributor.AttemptRecord) ([]byte, error) {
	data := attemptData{
		Wallet:    rec.Wallet.Hex(),
		Label:     rec.Label,
		Attempt:   rec.Attempt,
		Nonce:     rec.Nonce,
		Status:    string(rec.Status),
		Outcome:   rec.Outcome,
		Error:     rec.Error,
		GasPrice:  bigString(rec.GasPrice),
		MaxFee:    bigString(rec.MaxFee),
		TipCap:    bigString(rec.TipCap),
		Block:     rec.Block,
		CreatedAt: rec.CreatedAt.UnixNano(),
		UpdatedAt: rec.UpdatedAt.UnixNano(),
	}
	if rec.TxHash != (common.Hash{}) {
		data.TxHash = rec.TxHash.Hex()
	}
	return json.Marshal(data)
}

func deserializeAttempt(raw []byte) (*contributor.AttemptRecord, error) {
	var data attemptData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	rec := &contributor.AttemptRecord{
		Wallet:    common.HexToAddress(data.Wallet),
		Label:     data.Label,
		Attempt:   data.Attempt,
		Nonce:     data.Nonce,
		Status:    contributor.AttemptStatus(data.Status),
		Outcome:   data.Outcome,
		Error:     data.Error,
		Block:     data.Block,
		CreatedAt: time.Unix(0, data.CreatedAt),
		UpdatedAt: time.Unix(0, data.UpdatedAt),
	}
	if data.TxHash != "" {
		rec.TxHash = common.HexToHash(data.TxHash)
	}

	var err error
	if rec.GasPrice, err = parseBig(data.GasPrice); err != nil {
		return nil, err
	}
	if rec.MaxFee, err = parseBig(data.MaxFee); err != nil {
		return nil, err
	}
	if rec.TipCap, err = parseBig(data.TipCap); err != nil {
		return nil, err
	}
	return rec, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
