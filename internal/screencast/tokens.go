package screencast

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenTTL bounds how long an issued stream token stays redeemable.
const tokenTTL = 2 * time.Minute

type tokenGrant struct {
	agentID  string
	clientID string
	issuedAt time.Time
}

// TokenStore issues one-shot stream tokens bound to an (agent, client)
// pair. A token redeems exactly once.
type TokenStore struct {
	mu     sync.Mutex
	grants map[string]tokenGrant
	now    func() time.Time
}

// NewTokenStore builds an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		grants: make(map[string]tokenGrant),
		now:    time.Now,
	}
}

// SetNow overrides the clock for tests.
func (s *TokenStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Issue mints a token for the pair, pruning expired grants.
func (s *TokenStore) Issue(agentID, clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, grant := range s.grants {
		if now.Sub(grant.issuedAt) > tokenTTL {
			delete(s.grants, token)
		}
	}

	token := uuid.NewString()
	s.grants[token] = tokenGrant{agentID: agentID, clientID: clientID, issuedAt: now}
	return token
}

// Redeem consumes a token, returning its binding. A second redemption
// of the same token fails.
func (s *TokenStore) Redeem(token string) (agentID, clientID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, found := s.grants[token]
	if !found {
		return "", "", false
	}
	delete(s.grants, token)
	if s.now().Sub(grant.issuedAt) > tokenTTL {
		return "", "", false
	}
	return grant.agentID, grant.clientID, true
}

// RevokeClient drops every unredeemed token issued to a client; called
// on disconnect.
func (s *TokenStore) RevokeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, grant := range s.grants {
		if grant.clientID == clientID {
			delete(s.grants, token)
		}
	}
}
