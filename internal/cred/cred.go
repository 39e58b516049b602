// Package cred keeps short-lived transfer credentials behind opaque tokens.
//
// Clients store a credential once with the "cred" command and reference the
// returned token from later submissions. Tokens expire after the configured
// TTL and are never written to the state snapshot.
package cred

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

var (
	ErrUnknownToken = errors.New("unknown or expired credential token")
	ErrNotOwner     = errors.New("credential belongs to another user")
)

// Credential what a transfer module needs to authenticate to a remote end
type Credential struct {
	Token    string    `json:"token"`
	Owner    string    `json:"owner"`
	Type     string    `json:"type"` // userinfo | bearer | x509
	Username string    `json:"username,omitempty"`
	Secret   string    `json:"-"`
	Created  time.Time `json:"created"`
}

// Env renders the credential for an external module process.
func (c Credential) Env() []string {
	env := []string{"STORK_CRED_TYPE=" + c.Type}
	if c.Username != "" {
		env = append(env, "STORK_CRED_USER="+c.Username)
	}
	if c.Secret != "" {
		env = append(env, "STORK_CRED_SECRET="+c.Secret)
	}
	return env
}

// Ad describes the credential without its secret.
func (c Credential) Ad() ad.Ad {
	return ad.Of("token", c.Token, "type", c.Type, "username", c.Username, "created", c.Created.UnixMilli())
}

// Manager token -> credential store with expiry
type Manager struct {
	cache *ttlcache.Cache[string, Credential]
}

// NewManager creates a store whose entries live for ttl.
func NewManager(ttl time.Duration) *Manager {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Credential](ttl),
		ttlcache.WithDisableTouchOnHit[string, Credential](),
	)
	return &Manager{cache: cache}
}

// Start runs the expiry loop until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.cache.Stop()
	}()
	go m.cache.Start()
}

// Put stores c under a fresh token and returns the stored credential.
func (m *Manager) Put(c Credential) Credential {
	c.Token = uuid.NewString()
	c.Created = time.Now()
	m.cache.Set(c.Token, c, ttlcache.DefaultTTL)
	return c
}

// Get returns the credential for token if owner may use it.
func (m *Manager) Get(token, owner string) (Credential, error) {
	item := m.cache.Get(token)
	if item == nil {
		return Credential{}, ErrUnknownToken
	}
	c := item.Value()
	if owner != "" && c.Owner != owner {
		return Credential{}, ErrNotOwner
	}
	return c, nil
}

// Delete forgets token.
func (m *Manager) Delete(token string) {
	m.cache.Delete(token)
}

// List returns the owner's live credentials.
func (m *Manager) List(owner string) []Credential {
	var out []Credential
	for _, item := range m.cache.Items() {
		if item.IsExpired() {
			continue
		}
		if c := item.Value(); c.Owner == owner {
			out = append(out, c)
		}
	}
	return out
}

// Len number of live tokens
func (m *Manager) Len() int {
	return m.cache.Len()
}

type ctxKey struct{}

// WithCredential attaches c to ctx for a module step.
func WithCredential(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the credential attached by WithCredential.
func FromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(Credential)
	return c, ok
}
