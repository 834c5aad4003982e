package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/cloudrelay/internal/credstore"
)

// ErrSealerRequired is returned when a sealed row is read without a sealer.
var ErrSealerRequired = errors.New("credential is sealed but no sealing identity is configured")

// CredentialRepository implements the data half of credstore.Store on any
// GORM dialect. The postgres and sqlite Stores add connection lifecycle.
type CredentialRepository struct {
	db     *gorm.DB
	sealer credstore.Sealer
	now    func() time.Time
}

// RepoOption configures a CredentialRepository.
type RepoOption func(*CredentialRepository)

// WithSealer encrypts keys at rest. Rows written without a sealer stay
// readable after one is configured.
func WithSealer(s credstore.Sealer) RepoOption {
	return func(r *CredentialRepository) { r.sealer = s }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RepoOption {
	return func(r *CredentialRepository) { r.now = now }
}

// NewCredentialRepository creates a CredentialRepository.
func NewCredentialRepository(db *gorm.DB, opts ...RepoOption) *CredentialRepository {
	r := &CredentialRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put upserts the binding for userID. The single INSERT ... ON CONFLICT
// statement makes replacement atomic for concurrent readers.
func (r *CredentialRepository) Put(ctx context.Context, userID, apiKey string, ttl time.Duration) (*credstore.Credential, error) {
	stored, sealed, err := r.seal(apiKey)
	if err != nil {
		return nil, err
	}

	now := r.now()
	model := CredentialModel{
		UserID:       userID,
		APIKey:       stored,
		Sealed:       sealed,
		RegisteredAt: now,
		ExpiresAt:    credstore.ExpiryFor(now, ttl),
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_key", "sealed", "registered_at", "expires_at", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	return toCredential(&model, apiKey), nil
}

// Get returns the live binding for userID.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*credstore.Credential, error) {
	var model CredentialModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, credstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	cred := toCredential(&model, "")
	if cred.Expired(r.now()) {
		return nil, credstore.ErrNotFound
	}

	key, err := r.open(&model)
	if err != nil {
		return nil, err
	}
	cred.APIKey = key
	return cred, nil
}

// Delete removes the binding for userID.
func (r *CredentialRepository) Delete(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&CredentialModel{}).Error; err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// PurgeExpired deletes every binding whose expiry has passed.
func (r *CredentialRepository) PurgeExpired(ctx context.Context) (int, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", r.now()).
		Delete(&CredentialModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging expired credentials: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Len counts stored bindings.
func (r *CredentialRepository) Len(ctx context.Context) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&CredentialModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return int(n), nil
}

func (r *CredentialRepository) seal(apiKey string) (string, bool, error) {
	if r.sealer == nil {
		return apiKey, false, nil
	}
	sealed, err := r.sealer.Seal([]byte(apiKey))
	if err != nil {
		return "", false, fmt.Errorf("sealing credential: %w", err)
	}
	return sealed, true, nil
}

func (r *CredentialRepository) open(m *CredentialModel) (string, error) {
	if !m.Sealed {
		return m.APIKey, nil
	}
	if r.sealer == nil {
		return "", ErrSealerRequired
	}
	plain, err := r.sealer.Open(m.APIKey)
	if err != nil {
		return "", fmt.Errorf("opening credential: %w", err)
	}
	return string(plain), nil
}

func toCredential(m *CredentialModel, apiKey string) *credstore.Credential {
	cred := &credstore.Credential{
		UserID:       m.UserID,
		APIKey:       apiKey,
		RegisteredAt: m.RegisteredAt.UTC(),
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC()
		cred.ExpiresAt = &t
	}
	return cred
}
