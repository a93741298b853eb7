// Package token issues provider credentials to the rest of the control
// plane. Installations hold encrypted token material; the service decrypts
// on demand, refreshes near-expired tokens, and serializes refreshes per
// installation so one flight serves all concurrent callers.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentdhq/agentd/internal/secrets"
)

// RefreshSkew is the minimum remaining lifetime of a token handed out by
// GetToken; anything closer to expiry triggers a refresh first.
const RefreshSkew = 5 * time.Minute

const (
	refreshAttempts = 3
	refreshBase     = 2 * time.Second
)

// ErrTokenUnavailable is returned when every refresh attempt failed for a
// transient reason; the caller retries the task later.
var ErrTokenUnavailable = errors.New("token unavailable")

// Token is a live credential. Value never serializes and never reaches logs.
type Token struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining reports the token lifetime left at now.
func (t Token) Remaining(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		// Static tokens (PATs, bot tokens) do not expire.
		return time.Duration(1<<62 - 1)
	}
	return t.ExpiresAt.Sub(now)
}

// Refresher exchanges an installation's refresh material for a new access
// token. Implementations are provider-specific. A returned ErrUnauthorized
// (wrapped or not) deactivates the installation.
type Refresher interface {
	Refresh(ctx context.Context, inst *Installation, refreshToken string) (Token, string, error)
}

// CreateParams carries plaintext credentials into Register; they are
// encrypted before touching the store.
type CreateParams struct {
	Provider      string
	OrgID         string
	ExternalID    string
	AccessToken   string
	RefreshToken  string
	WebhookSecret string
	ExpiresAt     time.Time
	Scopes        []string
	Replace       bool
}

// Service is the credential issuer shared by ingress, workspace manager and
// result poster.
type Service struct {
	store      *Store
	enc        *secrets.Encryptor
	logger     *zap.Logger
	refreshers map[string]Refresher

	flight singleflight.Group
	cache  sync.Map // installation id -> Token

	now         func() time.Time
	backoffBase time.Duration
}

func NewService(store *Store, enc *secrets.Encryptor, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		enc:         enc,
		logger:      logger,
		refreshers:  make(map[string]Refresher),
		now:         time.Now,
		backoffBase: refreshBase,
	}
}

// RegisterRefresher wires the provider-specific refresh flow. Providers
// without one (static bot tokens) simply never refresh.
func (s *Service) RegisterRefresher(provider string, r Refresher) {
	s.refreshers[strings.ToLower(provider)] = r
}

// Register creates an installation from an OAuth handoff. Plaintext
// credentials are encrypted here and nowhere else.
func (s *Service) Register(ctx context.Context, params CreateParams) (*Installation, error) {
	if params.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	accessEnc, err := s.enc.Seal(params.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	inst := &Installation{
		ID:         newInstallationID(),
		Provider:   strings.ToLower(params.Provider),
		OrgID:      params.OrgID,
		ExternalID: params.ExternalID,
		AccessEnc:  accessEnc,
		Scopes:     params.Scopes,
		Active:     true,

		TokenExpiresAt: params.ExpiresAt,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	}
	if params.RefreshToken != "" {
		if inst.RefreshEnc, err = s.enc.Seal(params.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	if params.WebhookSecret != "" {
		if inst.WebhookSecretEnc, err = s.enc.Seal(params.WebhookSecret); err != nil {
			return nil, fmt.Errorf("failed to encrypt webhook secret: %w", err)
		}
	}
	if err := s.store.Register(ctx, inst, params.Replace); err != nil {
		return nil, err
	}
	s.logger.Info("installation registered",
		zap.String("installation_id", inst.ID),
		zap.String("provider", inst.Provider),
		zap.String("org", inst.OrgID))
	return inst, nil
}

// Revoke deactivates an installation and drops any cached token.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	s.logger.Info("installation revoked", zap.String("installation_id", id))
	return nil
}

// GetToken returns a token for (provider, org) with at least RefreshSkew of
// lifetime left. Concurrent callers for the same installation share one
// refresh flight.
func (s *Service) GetToken(ctx context.Context, provider, org string) (Token, error) {
	inst, err := s.store.GetActive(ctx, provider, org)
	if err != nil {
		return Token{}, err
	}
	return s.tokenFor(ctx, inst)
}

// GetTokenByInstallation is GetToken for callers that already resolved the
// installation id (the worker, via the task record).
func (s *Service) GetTokenByInstallation(ctx context.Context, id string) (Token, error) {
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return Token{}, err
	}
	if !inst.Active {
		return Token{}, ErrNoInstallation
	}
	return s.tokenFor(ctx, inst)
}

func (s *Service) tokenFor(ctx context.Context, inst *Installation) (Token, error) {
	if cached, ok := s.cache.Load(inst.ID); ok {
		tok := cached.(Token)
		if tok.Remaining(s.now()) >= RefreshSkew {
			return tok, nil
		}
	}

	// Stored token may still be fresh (another process refreshed it).
	stored, err := s.storedToken(inst)
	if err != nil {
		return Token{}, err
	}
	if stored.Remaining(s.now()) >= RefreshSkew {
		s.cache.Store(inst.ID, stored)
		return stored, nil
	}

	result, err, _ := s.flight.Do(inst.ID, func() (any, error) {
		return s.refresh(ctx, inst)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

func (s *Service) storedToken(inst *Installation) (Token, error) {
	if inst.AccessEnc == "" {
		return Token{}, ErrTokenUnavailable
	}
	value, err := s.enc.Open(inst.AccessEnc)
	if err != nil {
		return Token{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return Token{Value: value, ExpiresAt: inst.TokenExpiresAt}, nil
}

// refresh runs the provider refresh flow with exponential backoff. Transient
// failures exhaust into ErrTokenUnavailable; an unauthorized response
// deactivates the installation immediately.
func (s *Service) refresh(ctx context.Context, inst *Installation) (Token, error) {
	refresher, ok := s.refreshers[inst.Provider]
	if !ok {
		// No refresh flow: the stored token is all there is. Hand it out
		// even near expiry rather than failing a task that might finish.
		return s.storedToken(inst)
	}

	refreshToken := ""
	if inst.RefreshEnc != "" {
		var err error
		if refreshToken, err = s.enc.Open(inst.RefreshEnc); err != nil {
			return Token{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		tok, newRefresh, err := refresher.Refresh(ctx, inst, refreshToken)
		if err == nil {
			if err := s.persistRefreshed(ctx, inst, tok, newRefresh); err != nil {
				return Token{}, err
			}
			s.cache.Store(inst.ID, tok)
			s.logger.Debug("token refreshed",
				zap.String("installation_id", inst.ID),
				zap.String("provider", inst.Provider),
				zap.Time("expires_at", tok.ExpiresAt))
			return tok, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			s.cache.Delete(inst.ID)
			if deactivateErr := s.store.Deactivate(ctx, inst.ID); deactivateErr != nil {
				s.logger.Error("failed to deactivate installation",
					zap.String("installation_id", inst.ID), zap.Error(deactivateErr))
			}
			s.logger.Warn("installation refresh unauthorized",
				zap.String("installation_id", inst.ID),
				zap.String("provider", inst.Provider))
			return Token{}, ErrUnauthorized
		}
		lastErr = err
		if attempt < refreshAttempts {
			select {
			case <-time.After(refreshBackoff(s.backoffBase, attempt)):
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
		}
	}
	s.logger.Warn("token refresh exhausted retries",
		zap.String("installation_id", inst.ID),
		zap.String("provider", inst.Provider),
		zap.Error(lastErr))
	return Token{}, fmt.Errorf("%w: %v", ErrTokenUnavailable, lastErr)
}

func (s *Service) persistRefreshed(ctx context.Context, inst *Installation, tok Token, newRefresh string) error {
	accessEnc, err := s.enc.Seal(tok.Value)
	if err != nil {
		return fmt.Errorf("failed to encrypt refreshed token: %w", err)
	}
	refreshEnc := ""
	if newRefresh != "" {
		if refreshEnc, err = s.enc.Seal(newRefresh); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return s.store.UpdateTokens(ctx, inst.ID, accessEnc, refreshEnc, tok.ExpiresAt)
}

// WebhookSecret returns the installation-specific webhook secret for
// (provider, org), or ErrNoInstallation when the org has none configured;
// the ingress then falls back to the static per-provider secret.
func (s *Service) WebhookSecret(ctx context.Context, provider, org string) (string, error) {
	inst, err := s.store.GetActive(ctx, provider, org)
	if err != nil {
		return "", err
	}
	if inst.WebhookSecretEnc == "" {
		return "", ErrNoInstallation
	}
	return s.enc.Open(inst.WebhookSecretEnc)
}

// Installations exposes the underlying store for the admin API.
func (s *Service) Installations() *Store {
	return s.store
}

// refreshBackoff: base×2^(attempt-1) with up to 10% jitter.
func refreshBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

func newInstallationID() string {
	return "inst-" + uuid.NewString()
}
