// Package bondstore persists per-peer bonding material (LE long-term keys,
// BR/EDR link keys) across process restarts in Redis, keyed by address the
// same way aghman-gotooth/main.go keys scanned-device names by address
// ("gotooth:<addr>"). le/conn.Manager is wired to one optionally: every
// encryption-start/refresh path in spec.md §4.7 keeps working with a nil
// *Store, since bonding persistence is additive, not load-bearing.
package bondstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Load when no bond exists for the address.
var ErrNotFound = errors.New("bondstore: no bond for address")

// LTK is the subset of le/conn.LongTermKey worth persisting: the key value
// plus the rand/ediv pair needed to answer a later LE Long Term Key Request.
type LTK struct {
	Key  [16]byte `json:"key"`
	Rand uint64   `json:"rand"`
	EDiv uint16   `json:"ediv"`
}

// LinkKey is the BR/EDR analogue: the key value plus its HCI link-key type.
type LinkKey struct {
	Key  [16]byte `json:"key"`
	Type uint8    `json:"type"`
}

// Store wraps a Redis client for bonding-key persistence. The zero value is
// not usable; construct with New.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing Redis client. prefix namespaces keys the way
// aghman-gotooth's "gotooth:" prefix does ("hci:bond:" if empty).
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "hci:bond:"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(addr string, kind string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, kind, addr)
}

// SaveLTKContext persists the LE long-term key bonded to addr (its string
// form, e.g. "aa:bb:cc:dd:ee:ff/public").
func (s *Store) SaveLTKContext(ctx context.Context, addr string, ltk LTK) error {
	buf, err := json.Marshal(ltk)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(addr, "ltk"), buf, 0).Err()
}

// LoadLTKContext returns the previously bonded LE long-term key for addr, or
// ErrNotFound if none exists.
func (s *Store) LoadLTKContext(ctx context.Context, addr string) (LTK, error) {
	var ltk LTK
	raw, err := s.rdb.Get(ctx, s.key(addr, "ltk")).Result()
	if err == redis.Nil {
		return ltk, ErrNotFound
	}
	if err != nil {
		return ltk, err
	}
	if err := json.Unmarshal([]byte(raw), &ltk); err != nil {
		return ltk, err
	}
	return ltk, nil
}

// SaveLinkKeyContext persists the BR/EDR link key bonded to addr.
func (s *Store) SaveLinkKeyContext(ctx context.Context, addr string, lk LinkKey) error {
	buf, err := json.Marshal(lk)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(addr, "linkkey"), buf, 0).Err()
}

// LoadLinkKeyContext returns the previously bonded BR/EDR link key for addr, or
// ErrNotFound if none exists.
func (s *Store) LoadLinkKeyContext(ctx context.Context, addr string) (LinkKey, error) {
	var lk LinkKey
	raw, err := s.rdb.Get(ctx, s.key(addr, "linkkey")).Result()
	if err == redis.Nil {
		return lk, ErrNotFound
	}
	if err != nil {
		return lk, err
	}
	if err := json.Unmarshal([]byte(raw), &lk); err != nil {
		return lk, err
	}
	return lk, nil
}

// SaveLTK implements le/conn.BondStore against the background context, for
// callers (like le/conn.Manager) that have no request-scoped context of
// their own to thread through an event-handler callback.
func (s *Store) SaveLTK(addr string, key [16]byte, rand uint64, ediv uint16) error {
	return s.SaveLTKContext(context.Background(), addr, LTK{Key: key, Rand: rand, EDiv: ediv})
}

// SaveLinkKey implements le/conn.BondStore; see SaveLTK.
func (s *Store) SaveLinkKey(addr string, key [16]byte, keyType uint8) error {
	return s.SaveLinkKeyContext(context.Background(), addr, LinkKey{Key: key, Type: keyType})
}

// Forget removes both key kinds for addr, used when a peer is unpaired.
func (s *Store) Forget(ctx context.Context, addr string) error {
	return s.rdb.Del(ctx, s.key(addr, "ltk"), s.key(addr, "linkkey")).Err()
}
