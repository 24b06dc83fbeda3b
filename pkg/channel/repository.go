package channel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RotationStrategy string

const (
	StrategyQuotaBased RotationStrategy = "quota_based"
	StrategyPriority   RotationStrategy = "priority"
	StrategyRoundRobin RotationStrategy = "round_robin"
)

// AccountModel is a destination account uploads are routed to. Credentials
// live on the row; the recovery prober refreshes them in place.
type AccountModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"type:uuid;index"`
	Provider     string    `gorm:"size:32"`
	Title        string
	ExternalID   string `gorm:"size:128;index"`
	Connected    bool
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenExpiry  *time.Time `gorm:"index"`
	Timezone     string     `gorm:"size:64"` // IANA name; drives quota day boundaries
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AccountModel) TableName() string {
	return "destination_accounts"
}

// Location resolves the account's operating timezone, falling back to UTC on
// a malformed name.
func (a *AccountModel) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SourceAccountModel is the scraped-content account a schedule republishes from.
type SourceAccountModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	Platform  string    `gorm:"size:32"`
	Handle    string    `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SourceAccountModel) TableName() string {
	return "source_accounts"
}

type PoolModel struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID        `gorm:"type:uuid;index"`
	Name             string
	RotationStrategy RotationStrategy `gorm:"size:32"`
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (PoolModel) TableName() string {
	return "channel_pools"
}

type PoolMemberModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PoolID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_pool_member"`
	AccountID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_pool_member"`
	Priority     int
	FallbackOnly bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (PoolMemberModel) TableName() string {
	return "pool_members"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&AccountModel{}, &SourceAccountModel{}, &PoolModel{}, &PoolMemberModel{})
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*AccountModel, error) {
	var account AccountModel
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *Repository) GetSourceAccount(ctx context.Context, id uuid.UUID) (*SourceAccountModel, error) {
	var account SourceAccountModel
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *Repository) GetPool(ctx context.Context, id uuid.UUID) (*PoolModel, error) {
	var pool PoolModel
	err := r.db.WithContext(ctx).First(&pool, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (r *Repository) ListPoolMembers(ctx context.Context, poolID uuid.UUID) ([]PoolMemberModel, error) {
	var members []PoolMemberModel
	err := r.db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("priority ASC").
		Find(&members).Error
	return members, err
}

// ListExpiringTokens returns connected accounts whose access token expires
// before the cutoff, for proactive refresh.
func (r *Repository) ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]AccountModel, error) {
	var accounts []AccountModel
	err := r.db.WithContext(ctx).
		Where("connected = ? AND token_expiry IS NOT NULL AND token_expiry < ?", true, before).
		Order("token_expiry ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *Repository) UpdateToken(ctx context.Context, accountID uuid.UUID, accessToken string, expiry time.Time) error {
	return r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token": accessToken,
			"token_expiry": expiry,
			"updated_at":   time.Now().UTC(),
		}).Error
}
