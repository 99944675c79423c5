package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/messaging"
)

// TokenVerifier static token table implementation of messaging.AuthVerifier.
// Tokens map directly to user identities; suitable for development and tests
// where no identity provider is available.
type TokenVerifier interface {
	messaging.AuthVerifier
	// RegisterToken associate a bearer token with a user identity
	RegisterToken(token string, user messaging.UserIdentity)
	// RevokeToken drop a bearer token
	RevokeToken(token string)
}

// staticTokenVerifierImpl implements TokenVerifier
type staticTokenVerifierImpl struct {
	common.Component
	lock   sync.RWMutex
	tokens map[string]messaging.UserIdentity
}

// GetStaticTokenVerifier define a static token verifier
func GetStaticTokenVerifier(instance string) (TokenVerifier, error) {
	logTags := log.Fields{
		"module": "memstore", "component": "token-verifier", "instance": instance,
	}
	return &staticTokenVerifierImpl{
		Component: common.Component{LogTags: logTags},
		tokens:    make(map[string]messaging.UserIdentity),
	}, nil
}

// VerifyToken resolve a bearer credential into a user identity
func (v *staticTokenVerifierImpl) VerifyToken(
	ctxt context.Context, token string,
) (messaging.UserIdentity, error) {
	if token == "" {
		return messaging.UserIdentity{}, fmt.Errorf("empty credential")
	}
	v.lock.RLock()
	defer v.lock.RUnlock()
	user, ok := v.tokens[token]
	if !ok {
		return messaging.UserIdentity{}, fmt.Errorf("unknown credential")
	}
	return user, nil
}

// RegisterToken associate a bearer token with a user identity
func (v *staticTokenVerifierImpl) RegisterToken(token string, user messaging.UserIdentity) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.tokens[token] = user
}

// RevokeToken drop a bearer token
func (v *staticTokenVerifierImpl) RevokeToken(token string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	delete(v.tokens, token)
}
