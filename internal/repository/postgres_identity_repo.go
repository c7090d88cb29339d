package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/dsadrill/internal/model"
)

// ErrDuplicateIdentity はprovider、provider_user_idの一意制約違反を表す。
var ErrDuplicateIdentity = errors.New("identity already linked")

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&identity.ID, &identity.AccountID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	return identity, nil
}

// Create は既存アカウントにidentityを紐付ける。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	return insertIdentity(ctx, r.db, identity)
}

func insertIdentity(ctx context.Context, db execer, identity *model.Identity) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO identities (id, account_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.AccountID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
