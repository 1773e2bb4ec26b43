/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// appendScript stores a charge once and folds it into the room's running
// total and last sequence.
//
// KEYS[1] charges hash of the room, KEYS[2] totals hash, KEYS[3] sequences hash.
// ARGV[1] seq, ARGV[2] amount, ARGV[3] room id.
var appendScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('HINCRBYFLOAT', KEYS[2], ARGV[3], ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[3], ARGV[3]) or '0')
if tonumber(ARGV[1]) > last then
  redis.call('HSET', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

// RedisStore keeps charges in Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore uses keys under prefix (e.g. "roomair:ledger").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "roomair:ledger"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) chargesKey(roomID string) string { return s.prefix + ":charges:" + roomID }
func (s *RedisStore) totalsKey() string               { return s.prefix + ":totals" }
func (s *RedisStore) seqKey() string                  { return s.prefix + ":seq" }

// Append stores the charge unless (room, seq) already exists.
func (s *RedisStore) Append(ctx context.Context, c Charge) error {
	keys := []string{s.chargesKey(c.RoomID), s.totalsKey(), s.seqKey()}
	if err := appendScript.Run(ctx, s.client, keys, c.Seq, c.Amount.String(), c.RoomID).Err(); err != nil {
		if isPermanentRedisError(err) {
			return fmt.Errorf("%w: redis append %s/%d: %w", ErrRejected, c.RoomID, c.Seq, err)
		}
		return fmt.Errorf("redis append %s/%d: %w", c.RoomID, c.Seq, err)
	}
	return nil
}

// Replies that clear once the server recovers.
var transientRedisReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN", "BUSY"}

// isPermanentRedisError reports server error replies, such as a wrong key type
// or a value the script cannot parse. Network errors are not replies.
func isPermanentRedisError(err error) bool {
	var reply redis.Error
	if !errors.As(err, &reply) {
		return false
	}
	msg := reply.Error()
	for _, prefix := range transientRedisReplies {
		if strings.HasPrefix(msg, prefix) {
			return false
		}
	}
	return true
}

// Totals sums each room's charges exactly; the float total hash is only a
// convenience for operators.
func (s *RedisStore) Totals(ctx context.Context) ([]Snapshot, error) {
	seqs, err := s.client.HGetAll(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load sequences: %w", err)
	}

	out := make([]Snapshot, 0, len(seqs))
	for roomID, rawSeq := range seqs {
		last, err := strconv.ParseInt(rawSeq, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis sequence for %s: %w", roomID, err)
		}
		amounts, err := s.client.HVals(ctx, s.chargesKey(roomID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load charges for %s: %w", roomID, err)
		}
		total := decimal.Zero
		for _, raw := range amounts {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("redis charge for %s: %w", roomID, err)
			}
			total = total.Add(amount)
		}
		out = append(out, Snapshot{RoomID: roomID, Total: total, LastSeq: last})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}
