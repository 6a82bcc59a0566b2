// Package auth turns bearer tokens into identities.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/jwt"
)

var ErrInvalidToken = errors.New("invalid token")

// DefaultAgentRole marks tokens issued to service-level agents.
const DefaultAgentRole = "agent"

// JWTValidator validates tokens signed with the shared secret. A token
// carrying the agent role yields an agent identity.
type JWTValidator struct {
	manager   *jwt.Manager
	agentRole string
}

func NewJWTValidator(manager *jwt.Manager, agentRole string) *JWTValidator {
	if agentRole == "" {
		agentRole = DefaultAgentRole
	}
	return &JWTValidator{manager: manager, agentRole: agentRole}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (*domain.Identity, error) {
	claims, err := v.manager.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return v.identity(claims), nil
}

func (v *JWTValidator) identity(claims *jwt.Claims) *domain.Identity {
	name := claims.Username
	if name == "" {
		name = claims.UserID
	}
	return &domain.Identity{
		UserID:   claims.UserID,
		Username: name,
		IsAgent:  claims.HasRole(v.agentRole),
	}
}

// ValidateToken satisfies the gin middleware's validator contract.
func (v *JWTValidator) ValidateToken(token string) (*jwt.Claims, error) {
	return v.manager.ValidateToken(token)
}

// AgentRole is the role that marks agent tokens.
func (v *JWTValidator) AgentRole() string {
	return v.agentRole
}
