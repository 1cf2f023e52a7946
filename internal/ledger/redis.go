package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Script status codes, the first element of every script reply.
const (
	statusOK = iota
	statusMissing
	statusInsufficient
	statusDuplicate
)

// Every script returns {status, credits, escrow, spent}. Amounts written
// back to Redis go through string.format so large values never reach
// HINCRBY in exponent form.

// authorizeScript reserves an escrow.
// Keys: [wallet, escrow, escrow_index, wallet_escrows]
// Args: [org_id, request_id, amount, created_unix_nano, opening_credits, now_unix_nano]
var authorizeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {3, 0, 0, 0}
end

if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('HSET', KEYS[1], 'credits', ARGV[5], 'escrow', '0', 'spent', '0')
end

local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local escrow = tonumber(redis.call('HGET', KEYS[1], 'escrow') or '0')
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
local amount = tonumber(ARGV[3])

if amount > credits - escrow then
    return {2, credits, escrow, spent}
end

redis.call('HINCRBY', KEYS[1], 'escrow', ARGV[3])
redis.call('HSET', KEYS[1], 'updated', ARGV[6])
redis.call('HSET', KEYS[2], 'org', ARGV[1], 'amount', ARGV[3], 'created', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[2])

return {0, credits, escrow + amount, spent}
`)

// resolveScript settles or releases an escrow. The charge is capped at what
// the wallet holds once this escrow's reservation is returned.
// Keys: [wallet, escrow, escrow_index, wallet_escrows]
// Args: [request_id, actual, now_unix_nano]
// Returns: {status, credits, escrow, spent, reserved, charged}
var resolveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
    return {1, 0, 0, 0, 0, 0}
end

local reserved = tonumber(redis.call('HGET', KEYS[2], 'amount') or '0')
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local escrow = tonumber(redis.call('HGET', KEYS[1], 'escrow') or '0')
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')

local charge = tonumber(ARGV[2])
local available = credits - (escrow - reserved)
if charge > available then
    charge = available
end
if charge < 0 then
    charge = 0
end

redis.call('HINCRBY', KEYS[1], 'credits', string.format('%d', -charge))
redis.call('HINCRBY', KEYS[1], 'escrow', string.format('%d', -reserved))
redis.call('HINCRBY', KEYS[1], 'spent', string.format('%d', charge))
redis.call('HSET', KEYS[1], 'updated', ARGV[3])
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])

return {0, credits - charge, escrow - reserved, spent + charge, reserved, charge}
`)

// topUpScript adds credits.
// Keys: [wallet]
// Args: [amount, opening_credits, now_unix_nano]
var topUpScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('HSET', KEYS[1], 'credits', ARGV[2], 'escrow', '0', 'spent', '0')
end
redis.call('HINCRBY', KEYS[1], 'credits', ARGV[1])
redis.call('HSET', KEYS[1], 'updated', ARGV[3])

local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local escrow = tonumber(redis.call('HGET', KEYS[1], 'escrow') or '0')
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
return {0, credits, escrow, spent}
`)

const (
	escrowIndexKey = "ledger:escrows"
	keyPrefix      = "ledger:"
)

// RedisStore keeps wallets in Redis so that every gateway instance shares
// one balance per organization. Each mutation is a single Lua script.
type RedisStore struct {
	client  *redis.Client
	opening Amount
}

func NewRedisStore(client *redis.Client, opening Amount) *RedisStore {
	return &RedisStore{client: client, opening: opening}
}

func walletKey(orgID string) string {
	return keyPrefix + "wallet:" + orgID
}

func walletEscrowsKey(orgID string) string {
	return walletKey(orgID) + ":escrows"
}

func escrowKey(requestID string) string {
	return keyPrefix + "escrow:" + requestID
}

func amountArg(a Amount) string {
	return strconv.FormatInt(int64(a), 10)
}

func timeArg(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func (s *RedisStore) Wallet(ctx context.Context, orgID string) (WalletState, error) {
	fields, err := s.client.HGetAll(ctx, walletKey(orgID)).Result()
	if err != nil {
		return WalletState{}, fmt.Errorf("read wallet: %w", err)
	}
	if len(fields) == 0 {
		return WalletState{OrgID: orgID, TotalCredits: s.opening, Escrows: map[string]Escrow{}}, nil
	}

	w := WalletState{
		OrgID:        orgID,
		TotalCredits: parseAmount(fields["credits"]),
		TotalEscrow:  parseAmount(fields["escrow"]),
		TotalSpent:   parseAmount(fields["spent"]),
		UpdatedAt:    parseTime(fields["updated"]),
		Escrows:      make(map[string]Escrow),
	}

	ids, err := s.client.SMembers(ctx, walletEscrowsKey(orgID)).Result()
	if err != nil {
		return WalletState{}, fmt.Errorf("read wallet escrows: %w", err)
	}
	for _, id := range ids {
		esc, err := s.Escrow(ctx, id)
		if errors.Is(err, ErrEscrowNotFound) {
			continue
		}
		if err != nil {
			return WalletState{}, err
		}
		w.Escrows[id] = esc
	}
	return w, nil
}

func (s *RedisStore) Escrow(ctx context.Context, requestID string) (Escrow, error) {
	fields, err := s.client.HGetAll(ctx, escrowKey(requestID)).Result()
	if err != nil {
		return Escrow{}, fmt.Errorf("read escrow: %w", err)
	}
	if len(fields) == 0 {
		return Escrow{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, requestID)
	}
	return Escrow{
		RequestID: requestID,
		OrgID:     fields["org"],
		Amount:    parseAmount(fields["amount"]),
		CreatedAt: parseTime(fields["created"]),
	}, nil
}

func (s *RedisStore) Authorize(ctx context.Context, esc Escrow) (WalletState, error) {
	keys := []string{walletKey(esc.OrgID), escrowKey(esc.RequestID), escrowIndexKey, walletEscrowsKey(esc.OrgID)}
	args := []interface{}{
		esc.OrgID,
		esc.RequestID,
		amountArg(esc.Amount),
		timeArg(esc.CreatedAt),
		amountArg(s.opening),
		timeArg(esc.CreatedAt),
	}

	res, err := authorizeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return WalletState{}, fmt.Errorf("authorize escrow: %w", err)
	}

	w := walletFrom(esc.OrgID, res, esc.CreatedAt)
	switch res[0] {
	case statusDuplicate:
		return WalletState{}, fmt.Errorf("%w: %s", ErrDuplicateEscrow, esc.RequestID)
	case statusInsufficient:
		return WalletState{}, &InsufficientCreditsError{OrgID: esc.OrgID, Required: esc.Amount, Available: w.Balance()}
	}
	return w, nil
}

func (s *RedisStore) Settle(ctx context.Context, requestID string, actual Amount, now time.Time) (Settlement, error) {
	return s.resolve(ctx, requestID, actual, now)
}

func (s *RedisStore) Release(ctx context.Context, requestID string, now time.Time) (Settlement, error) {
	return s.resolve(ctx, requestID, 0, now)
}

func (s *RedisStore) resolve(ctx context.Context, requestID string, actual Amount, now time.Time) (Settlement, error) {
	esc, err := s.Escrow(ctx, requestID)
	if err != nil {
		return Settlement{}, err
	}

	keys := []string{walletKey(esc.OrgID), escrowKey(requestID), escrowIndexKey, walletEscrowsKey(esc.OrgID)}
	res, err := resolveScript.Run(ctx, s.client, keys, requestID, amountArg(actual), timeArg(now)).Int64Slice()
	if err != nil {
		return Settlement{}, fmt.Errorf("resolve escrow: %w", err)
	}
	if res[0] == statusMissing {
		return Settlement{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, requestID)
	}

	charged := Amount(res[5])
	return Settlement{
		RequestID: requestID,
		OrgID:     esc.OrgID,
		Reserved:  Amount(res[4]),
		Charged:   charged,
		Shortfall: actual - charged,
		Wallet:    walletFrom(esc.OrgID, res, now),
	}, nil
}

func (s *RedisStore) TopUp(ctx context.Context, orgID string, amount Amount, now time.Time) (WalletState, error) {
	res, err := topUpScript.Run(ctx, s.client, []string{walletKey(orgID)}, amountArg(amount), amountArg(s.opening), timeArg(now)).Int64Slice()
	if err != nil {
		return WalletState{}, fmt.Errorf("top up wallet: %w", err)
	}
	return walletFrom(orgID, res, now), nil
}

func (s *RedisStore) StaleEscrows(ctx context.Context, before time.Time) ([]Escrow, error) {
	ids, err := s.client.ZRangeByScore(ctx, escrowIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + timeArg(before),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale escrows: %w", err)
	}

	out := make([]Escrow, 0, len(ids))
	for _, id := range ids {
		esc, err := s.Escrow(ctx, id)
		if errors.Is(err, ErrEscrowNotFound) {
			s.client.ZRem(ctx, escrowIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

func walletFrom(orgID string, res []int64, now time.Time) WalletState {
	return WalletState{
		OrgID:        orgID,
		TotalCredits: Amount(res[1]),
		TotalEscrow:  Amount(res[2]),
		TotalSpent:   Amount(res[3]),
		UpdatedAt:    now,
	}
}

func parseAmount(s string) Amount {
	v, _ := strconv.ParseInt(s, 10, 64)
	return Amount(v)
}

func parseTime(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}
