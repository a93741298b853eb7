package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyInstPrefix   = "agentd:inst:"
	keyActivePrefix = "agentd:inst:active:"
	keyInstAll      = "agentd:insts"
)

var (
	ErrNoInstallation = errors.New("no active installation")
	// ErrAlreadyExists is returned when registering over a live installation
	// for the same (provider, organization).
	ErrAlreadyExists = errors.New("active installation already exists")
	// ErrUnauthorized means the provider rejected our credentials; the
	// installation has been deactivated and needs a fresh OAuth handoff.
	ErrUnauthorized = errors.New("installation unauthorized")
)

// Installation is one credential set for a (provider, organization) pair.
// Token material is stored encrypted; plaintext exists only in memory.
type Installation struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	OrgID      string `json:"org_id"`
	ExternalID string `json:"external_id,omitempty"`

	AccessEnc        string `json:"-"`
	RefreshEnc       string `json:"-"`
	WebhookSecretEnc string `json:"-"`

	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// registerScript claims the active slot for (provider, org). With ARGV[2]=0
// it fails when the slot is held; with ARGV[2]=1 it deactivates the previous
// installation and takes over (OAuth re-install).
//
// KEYS: [1] active pointer, [2] index set
// ARGV: [1] new installation id, [2] replace flag
// Returns the previous holder's id when replaced, "" when the slot was free,
// or false on conflict.
var registerScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and tonumber(ARGV[2]) == 0 then
  return false
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[1])
if prev then
  redis.call('HSET', 'agentd:inst:' .. prev, 'active', 0)
  return prev
end
return ''
`)

// releaseActiveScript clears the active pointer only while it still names the
// installation being deactivated.
var releaseActiveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Store persists installations in Redis. At most one active installation per
// (provider, organization) is enforced by the active-pointer key.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func activeKey(provider, org string) string {
	return keyActivePrefix + strings.ToLower(provider) + ":" + org
}

// Register writes a new active installation. It fails with ErrAlreadyExists
// when the (provider, org) slot is held. Set replace to take the slot over,
// deactivating the previous installation in the same step.
func (s *Store) Register(ctx context.Context, inst *Installation, replace bool) error {
	if inst.ID == "" || inst.Provider == "" || inst.OrgID == "" {
		return fmt.Errorf("installation id, provider and org are required")
	}
	replaceFlag := 0
	if replace {
		replaceFlag = 1
	}
	result, err := registerScript.Run(ctx, s.client,
		[]string{activeKey(inst.Provider, inst.OrgID), keyInstAll},
		inst.ID, replaceFlag,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to register installation: %w", err)
	}
	_ = result

	inst.Active = true
	if err := s.client.HSet(ctx, keyInstPrefix+inst.ID, instToHash(inst)).Err(); err != nil {
		return fmt.Errorf("failed to write installation: %w", err)
	}
	return nil
}

// Get loads an installation by id, active or not.
func (s *Store) Get(ctx context.Context, id string) (*Installation, error) {
	values, err := s.client.HGetAll(ctx, keyInstPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNoInstallation
	}
	return instFromHash(values), nil
}

// GetActive resolves the active installation for (provider, org).
func (s *Store) GetActive(ctx context.Context, provider, org string) (*Installation, error) {
	id, err := s.client.Get(ctx, activeKey(provider, org)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoInstallation
		}
		return nil, fmt.Errorf("failed to resolve installation: %w", err)
	}
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, ErrNoInstallation
	}
	return inst, nil
}

// Deactivate soft-deletes an installation. The row stays for audit; only the
// active pointer is released.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyInstPrefix+id, "active", 0, "updated_at", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deactivate installation: %w", err)
	}
	if err := releaseActiveScript.Run(ctx, s.client,
		[]string{activeKey(inst.Provider, inst.OrgID)}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release active slot: %w", err)
	}
	return nil
}

// UpdateTokens stores freshly refreshed (encrypted) token material.
func (s *Store) UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error {
	fields := map[string]any{
		"access_enc": accessEnc,
		"expires_at": expiresAt.UnixMilli(),
		"updated_at": time.Now().UnixMilli(),
	}
	if refreshEnc != "" {
		fields["refresh_enc"] = refreshEnc
	}
	if err := s.client.HSet(ctx, keyInstPrefix+id, fields).Err(); err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// List returns every installation, newest registrations in no particular
// order; small cardinality, used by the admin API.
func (s *Store) List(ctx context.Context) ([]*Installation, error) {
	ids, err := s.client.SMembers(ctx, keyInstAll).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	insts := make([]*Installation, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNoInstallation) {
				continue
			}
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

// Orgs returns the distinct organization ids across installations, used by
// maintenance jobs that iterate per-org state.
func (s *Store) Orgs(ctx context.Context) ([]string, error) {
	insts, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var orgs []string
	for _, inst := range insts {
		if _, ok := seen[inst.OrgID]; ok {
			continue
		}
		seen[inst.OrgID] = struct{}{}
		orgs = append(orgs, inst.OrgID)
	}
	return orgs, nil
}

func instToHash(inst *Installation) map[string]any {
	active := 0
	if inst.Active {
		active = 1
	}
	return map[string]any{
		"id":          inst.ID,
		"provider":    strings.ToLower(inst.Provider),
		"org":         inst.OrgID,
		"external_id": inst.ExternalID,
		"access_enc":  inst.AccessEnc,
		"refresh_enc": inst.RefreshEnc,
		"webhook_enc": inst.WebhookSecretEnc,
		"expires_at":  unixMilliOrZero(inst.TokenExpiresAt),
		"scopes":      strings.Join(inst.Scopes, ","),
		"active":      active,
		"created_at":  unixMilliOrZero(inst.CreatedAt),
		"updated_at":  unixMilliOrZero(inst.UpdatedAt),
	}
}

func instFromHash(values map[string]string) *Installation {
	inst := &Installation{
		ID:               values["id"],
		Provider:         values["provider"],
		OrgID:            values["org"],
		ExternalID:       values["external_id"],
		AccessEnc:        values["access_enc"],
		RefreshEnc:       values["refresh_enc"],
		WebhookSecretEnc: values["webhook_enc"],
		Active:           values["active"] == "1",
	}
	if values["scopes"] != "" {
		inst.Scopes = strings.Split(values["scopes"], ",")
	}
	inst.TokenExpiresAt = fromUnixMilli(values["expires_at"])
	inst.CreatedAt = fromUnixMilli(values["created_at"])
	inst.UpdatedAt = fromUnixMilli(values["updated_at"])
	return inst
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(value string) time.Time {
	ms, _ := strconv.ParseInt(value, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
