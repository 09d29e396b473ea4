package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// retention keeps expired sessions resolvable (as expired, not unknown) for
// a day before Redis reclaims them.
const retention = 24 * time.Hour

// RedisRegistry stores sessions as JSON values under their code. SETNX makes
// the code globally unique at creation; the key TTL outlives the session
// window so expiry and not-found stay distinguishable.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis builds a registry on the given client.
func NewRedis(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "rollcall:session:"
	}
	return &RedisRegistry{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) key(code string) string { return r.prefix + code }

// Create issues a fresh session code for the class, retrying on the rare
// code collision.
func (r *RedisRegistry) Create(ctx context.Context, classID string, ttl time.Duration) (Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newCode()
		if err != nil {
			return Session{}, err
		}
		now := r.now()
		s := Session{
			ID:        uuid.NewString(),
			Code:      code,
			ClassID:   classID,
			StartedAt: now,
			ExpiresAt: now.Add(ttl),
			Active:    true,
		}
		payload, err := json.Marshal(s)
		if err != nil {
			return Session{}, err
		}
		ok, err := r.client.SetNX(ctx, r.key(code), payload, ttl+retention).Result()
		if err != nil {
			return Session{}, fmt.Errorf("store session: %w", err)
		}
		if ok {
			return s, nil
		}
	}
	return Session{}, errors.New("session code space exhausted")
}

// Resolve looks up a code, distinguishing expired from unknown.
func (r *RedisRegistry) Resolve(ctx context.Context, code string) (Session, error) {
	raw, err := r.client.Get(ctx, r.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return check(s, r.now())
}

// Deactivate closes a session early, keeping it queryable until retention
// runs out.
func (r *RedisRegistry) Deactivate(ctx context.Context, code string) error {
	raw, err := r.client.Get(ctx, r.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	s.Active = false
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(code), payload, retention).Err()
}
