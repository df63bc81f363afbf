package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"breakglass/pkg/session"
)

const (
	desiredPrefix  = "breakglass:desired:"
	deliveryPrefix = "breakglass:delivery:"
	sessionPrefix  = "breakglass:session:"

	DefaultDesiredTTL = 24 * time.Hour
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// DesiredLists keeps each team's working email list between chat
// interactions. Entries expire; callers treat a miss as "re-read the file".
type DesiredLists struct {
	cache Cache
	ttl   time.Duration
}

func NewDesiredLists(cache Cache, ttl time.Duration) *DesiredLists {
	if ttl <= 0 {
		ttl = DefaultDesiredTTL
	}
	return &DesiredLists{cache: cache, ttl: ttl}
}

func (d *DesiredLists) Get(ctx context.Context, team string) ([]string, bool, error) {
	raw, err := d.cache.Get(ctx, desiredPrefix+team)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var emails []string
	if err := json.Unmarshal([]byte(raw), &emails); err != nil {
		return nil, false, fmt.Errorf("decode desired list for %s: %w", team, err)
	}
	return emails, true, nil
}

func (d *DesiredLists) Put(ctx context.Context, team string, emails []string) error {
	if emails == nil {
		emails = []string{}
	}
	raw, err := json.Marshal(emails)
	if err != nil {
		return err
	}
	return d.cache.Set(ctx, desiredPrefix+team, string(raw), d.ttl)
}

func (d *DesiredLists) Delete(ctx context.Context, team string) error {
	return d.cache.Del(ctx, desiredPrefix+team)
}

// Locker is a TTL lock over Cache.SetNX. The TTL frees a key whose holder
// died without unlocking.
type Locker struct {
	cache Cache
}

func NewLocker(cache Cache) *Locker {
	return &Locker{cache: cache}
}

// TryLock returns a token naming this holder. Unlock frees the key only
// while it still carries that token, so a holder whose TTL ran out cannot
// release the lock of the next one.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.cache.DelIfValue(ctx, key, token)
	return err
}

// Deliveries remembers webhook delivery ids so a redelivered event is
// handled once.
type Deliveries struct {
	cache Cache
	ttl   time.Duration
}

func NewDeliveries(cache Cache, ttl time.Duration) *Deliveries {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Deliveries{cache: cache, ttl: ttl}
}

// First reports whether id is seen for the first time. An empty id is
// always first.
func (d *Deliveries) First(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return true, nil
	}
	return d.cache.SetNX(ctx, deliveryPrefix+id, "1", d.ttl)
}

// Forget drops id so a redelivery of it is handled again.
func (d *Deliveries) Forget(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return d.cache.Del(ctx, deliveryPrefix+id)
}

// Sessions keeps the latest request of each team where every replica can
// see it, and where it survives a restart.
type Sessions struct {
	cache Cache
	ttl   time.Duration
}

var _ session.Records = (*Sessions)(nil)

func NewSessions(cache Cache, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{cache: cache, ttl: ttl}
}

func (s *Sessions) Load(ctx context.Context, team string) (session.Session, bool, error) {
	raw, err := s.cache.Get(ctx, sessionPrefix+team)
	if errors.Is(err, ErrNotFound) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	var rec session.Session
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session for %s: %w", team, err)
	}
	return rec, true, nil
}

func (s *Sessions) Save(ctx context.Context, rec session.Session) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, sessionPrefix+rec.Team, string(raw), s.ttl)
}
