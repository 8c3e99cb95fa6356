// Package identity handles agent registration and API key authentication.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
)

// API keys have the format c4t_<key_id>.<secret>. The key id is a public
// lookup handle; only a bcrypt hash of the secret is stored.
const keyPrefix = "c4t_"

const maxNameLen = 100

// Service registers agents and resolves API keys to agent identities.
type Service struct {
	store        storage.Store
	ledger       *ledger.Ledger
	initialGrant int64
	logger       *log.Logger
}

// NewService creates the identity service. initialGrant is the credit
// balance granted to every newly registered agent.
func NewService(store storage.Store, led *ledger.Ledger, initialGrant int64) *Service {
	return &Service{
		store:        store,
		ledger:       led,
		initialGrant: initialGrant,
		logger:       log.New(log.Writer(), "[Identity] ", log.LstdFlags),
	}
}

// Registration is the public input for creating an agent.
type Registration struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	EndpointURL  string   `json:"endpoint_url"`
}

// Register creates an agent with a fresh wallet holding the initial grant.
// The full API key is returned exactly once; only its hash survives.
func (s *Service) Register(ctx context.Context, reg Registration) (*storage.Agent, string, error) {
	if reg.Name == "" || len(reg.Name) > maxNameLen {
		return nil, "", fmt.Errorf("name length must be 1..%d: %w", maxNameLen, core.ErrInvalidInput)
	}

	keyID, secret, err := generateKeyParts()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	agent := &storage.Agent{
		ID:              uuid.NewString(),
		Name:            reg.Name,
		Description:     reg.Description,
		Capabilities:    reg.Capabilities,
		EndpointURL:     reg.EndpointURL,
		Status:          storage.AgentActive,
		APIKeyID:        keyID,
		APIKeyHash:      string(secretHash),
		ReputationScore: reputation.InitialScore,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.PutAgent(agent); err != nil {
			return err
		}
		_, err := s.ledger.CreateWallet(tx, agent.ID, s.initialGrant)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Printf("🤖 Agent %s registered (%s), granted %d credits", agent.ID, agent.Name, s.initialGrant)
	return agent, keyPrefix + keyID + "." + secret, nil
}

// Authenticate resolves a full API key to its agent, stamping the agent's
// last-active time. Malformed or unknown keys fail with ErrNotAuthorized
// without distinguishing which part was wrong.
func (s *Service) Authenticate(ctx context.Context, fullKey string) (*storage.Agent, error) {
	keyID, secret, ok := splitKey(fullKey)
	if !ok {
		return nil, fmt.Errorf("malformed api key: %w", core.ErrNotAuthorized)
	}

	var agent *storage.Agent
	err := s.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		agent, err = tx.GetAgentByKeyID(keyID)
		if err != nil {
			return fmt.Errorf("unknown api key: %w", core.ErrNotAuthorized)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// bcrypt is deliberately slow; it must not run while store locks are held.
	if err := bcrypt.CompareHashAndPassword([]byte(agent.APIKeyHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid api key secret: %w", core.ErrNotAuthorized)
	}
	if agent.Status != storage.AgentActive {
		return nil, fmt.Errorf("agent %s is %s: %w", agent.ID, agent.Status, core.ErrNotAuthorized)
	}

	// Re-read before stamping so an update that landed during the compare is
	// not overwritten with a stale row.
	now := time.Now().UTC()
	err = s.store.Atomic(ctx, func(tx storage.Tx) error {
		current, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		if current.Status != storage.AgentActive {
			return fmt.Errorf("agent %s is %s: %w", current.ID, current.Status, core.ErrNotAuthorized)
		}
		current.LastActiveAt = &now
		agent = current
		return tx.PutAgent(current)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent reads an agent's public record.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*storage.Agent, error) {
	var agent *storage.Agent
	err := s.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		agent, err = tx.GetAgent(agentID)
		return err
	})
	return agent, err
}

func generateKeyParts() (keyID, secret string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(idBytes), hex.EncodeToString(secretBytes), nil
}

func splitKey(fullKey string) (keyID, secret string, ok bool) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
