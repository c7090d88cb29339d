package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/dsadrill/internal/model"
)

// PostgresAdminLogRepo はPostgreSQLを使用した管理者監査ログリポジトリ。
type PostgresAdminLogRepo struct {
	db *sql.DB
}

// NewPostgresAdminLogRepo はPostgresAdminLogRepoを生成する。
func NewPostgresAdminLogRepo(db *sql.DB) *PostgresAdminLogRepo {
	return &PostgresAdminLogRepo{db: db}
}

// Create は監査ログを記録する。
func (r *PostgresAdminLogRepo) Create(ctx context.Context, entry *model.AdminLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_logs (id, admin_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.AdminID, entry.Action, entry.Details, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert admin log: %w", err)
	}
	return nil
}

// ListRecent は新しい順に監査ログを返す。
// 操作した管理者が削除済みのエントリはAdminIDが空になる。
func (r *PostgresAdminLogRepo) ListRecent(ctx context.Context, limit int) ([]*model.AdminLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, admin_id, action, details, created_at
		 FROM admin_logs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.AdminLog
	for rows.Next() {
		entry := &model.AdminLog{}
		var adminID sql.NullString
		if err := rows.Scan(&entry.ID, &adminID, &entry.Action, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin log: %w", err)
		}
		entry.AdminID = adminID.String
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate admin logs: %w", err)
	}

	return logs, nil
}

// compile-time interface check
var _ AdminLogRepository = (*PostgresAdminLogRepo)(nil)
