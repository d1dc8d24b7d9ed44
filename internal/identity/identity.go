package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/andriwidian/go-live-auction/internal/redisx"
)

var ErrNoSession = errors.New("no session for token")

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Session struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s Session) Admin() bool { return s.Role == RoleAdmin }

// Provider menjawab "siapa caller ini". Mekanisme auth (login, issuing token)
// di luar scope core; di sini cuma lookup.
type Provider interface {
	Resolve(ctx context.Context, token string) (Session, error)
}

// Redis membaca session yang ditaruh identity service di redis.
type Redis struct{ RDB *redis.Client }

var _ Provider = (*Redis)(nil)

func (p *Redis) Resolve(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoSession
	}
	raw, err := p.RDB.Get(ctx, fmt.Sprintf(redisx.KeySession, token)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("resolve session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("resolve session: %w", err)
	}
	if s.UserID == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}
