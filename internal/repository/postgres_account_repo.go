package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/dsadrill/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反エラーコード。
const uniqueViolation = "23505"

const accountColumns = `id, email, name, password_hash, is_verified, is_active, is_admin,
	otp, otp_expires, otp_attempts, reset_otp, reset_otp_expires, refresh_token,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// Create はアカウントを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	if err := insertAccount(ctx, r.db, account); err != nil {
		return err
	}
	return nil
}

// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
func (r *PostgresAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertAccount(ctx, tx, account); err != nil {
		return err
	}

	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		email,
	)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

// ActivateWithCode は未検証かつコードが一致し期限内の場合のみアカウントを検証済みにする。
func (r *PostgresAccountRepo) ActivateWithCode(ctx context.Context, id, code string, now time.Time, refreshToken string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET is_verified = true, otp = NULL, otp_expires = NULL, otp_attempts = 0,
		     refresh_token = $4, updated_at = $3
		 WHERE id = $1 AND is_verified = false AND otp = $2 AND otp_expires > $3`,
		id, code, now, refreshToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to activate account: %w", err)
	}
	return affectedOne(result)
}

// ActivateExternal は未検証アカウントを外部IdPによる所有確認済みとして検証済みにする。
// 未検証のままの資格情報は引き継がない。
func (r *PostgresAccountRepo) ActivateExternal(ctx context.Context, id, name string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET is_verified = true, name = $2, password_hash = NULL,
		     otp = NULL, otp_expires = NULL, otp_attempts = 0,
		     reset_otp = NULL, reset_otp_expires = NULL, refresh_token = NULL,
		     updated_at = now()
		 WHERE id = $1 AND is_verified = false`,
		id, name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to activate external account: %w", err)
	}
	return affectedOne(result)
}

// ReplaceSignupCode は未検証アカウントのサインアップコードを上書きする。
func (r *PostgresAccountRepo) ReplaceSignupCode(ctx context.Context, id string, code model.TimeBoundCode) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET otp = $2, otp_expires = $3, otp_attempts = 0, updated_at = now()
		 WHERE id = $1 AND is_verified = false`,
		id, code.Code, code.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to replace signup code: %w", err)
	}
	return affectedOne(result)
}

// IncrementSignupAttempts は未検証アカウントのコード失敗回数を加算する。
// 対象が存在しない場合は0を返す。
func (r *PostgresAccountRepo) IncrementSignupAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE accounts SET otp_attempts = otp_attempts + 1
		 WHERE id = $1 AND is_verified = false
		 RETURNING otp_attempts`,
		id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment signup attempts: %w", err)
	}
	return attempts, nil
}

// ReplaceResetCode はパスワードリセットコードを上書きする。
func (r *PostgresAccountRepo) ReplaceResetCode(ctx context.Context, id string, code model.TimeBoundCode) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET reset_otp = $2, reset_otp_expires = $3, updated_at = now()
		 WHERE id = $1`,
		id, code.Code, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace reset code: %w", err)
	}
	return nil
}

// CommitPasswordReset はリセットコードが一致し期限内の場合のみパスワードを置き換える。
func (r *PostgresAccountRepo) CommitPasswordReset(ctx context.Context, id, code string, now time.Time, passwordHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET password_hash = $4, reset_otp = NULL, reset_otp_expires = NULL, updated_at = $3
		 WHERE id = $1 AND reset_otp = $2 AND reset_otp_expires > $3`,
		id, code, now, passwordHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to commit password reset: %w", err)
	}
	return affectedOne(result)
}

// SetRefreshToken はリフレッシュトークンを上書きする。
func (r *PostgresAccountRepo) SetRefreshToken(ctx context.Context, id, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = $2, updated_at = now() WHERE id = $1`,
		id, token,
	)
	if err != nil {
		return fmt.Errorf("failed to set refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken は保存済みトークンがcurrentと一致する場合のみnextに置き換える。
func (r *PostgresAccountRepo) RotateRefreshToken(ctx context.Context, id, current, next string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = $3, updated_at = now()
		 WHERE id = $1 AND refresh_token = $2`,
		id, current, next,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return affectedOne(result)
}

// ClearRefreshToken はリフレッシュトークンを消去する。
func (r *PostgresAccountRepo) ClearRefreshToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = NULL, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}

// DeleteUnverified は未検証の場合のみアカウントを削除する。
func (r *PostgresAccountRepo) DeleteUnverified(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1 AND is_verified = false`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete unverified account: %w", err)
	}
	return affectedOne(result)
}

// DeleteExpiredUnverified はコードの期限がcutoffより前の未検証アカウントを削除する。
func (r *PostgresAccountRepo) DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE is_verified = false AND otp_expires < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired unverified accounts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// List はアカウント一覧を作成日時の降順で返す。
func (r *PostgresAccountRepo) List(ctx context.Context, limit, offset int) ([]*model.Account, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count accounts: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	return accounts, total, nil
}

// SetActive は有効フラグを更新する。無効化時はリフレッシュトークンも消去する。
func (r *PostgresAccountRepo) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET is_active = $2,
		     refresh_token = CASE WHEN $2 THEN refresh_token ELSE NULL END,
		     updated_at = now()
		 WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set account active flag: %w", err)
	}
	return affectedOne(result)
}

// DeleteByID は指定IDのアカウントを削除する。
// 関連するidentities、admin_logsはCASCADE削除される。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete account: %w", err)
	}
	return affectedOne(result)
}

// execer は*sql.DBと*sql.Txの共通インターフェース。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAccount(ctx context.Context, db execer, a *model.Account) error {
	var otp, resetOTP sql.NullString
	var otpExpires, resetExpires sql.NullTime
	if a.SignupCode != nil {
		otp = sql.NullString{String: a.SignupCode.Code, Valid: true}
		otpExpires = sql.NullTime{Time: a.SignupCode.ExpiresAt, Valid: true}
	}
	if a.ResetCode != nil {
		resetOTP = sql.NullString{String: a.ResetCode.Code, Valid: true}
		resetExpires = sql.NullTime{Time: a.ResetCode.ExpiresAt, Valid: true}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, password_hash, is_verified, is_active, is_admin,
		   otp, otp_expires, otp_attempts, reset_otp, reset_otp_expires, refresh_token,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.Email, a.Name, nullString(a.PasswordHash), a.IsVerified, a.IsActive, a.IsAdmin,
		otp, otpExpires, a.SignupAttempts, resetOTP, resetExpires, nullString(a.RefreshToken),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var passwordHash, otp, resetOTP, refreshToken sql.NullString
	var otpExpires, resetExpires sql.NullTime

	err := row.Scan(
		&a.ID, &a.Email, &a.Name, &passwordHash, &a.IsVerified, &a.IsActive, &a.IsAdmin,
		&otp, &otpExpires, &a.SignupAttempts, &resetOTP, &resetExpires, &refreshToken,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.PasswordHash = passwordHash.String
	a.RefreshToken = refreshToken.String
	if otp.Valid && otpExpires.Valid {
		a.SignupCode = &model.TimeBoundCode{Code: otp.String, ExpiresAt: otpExpires.Time}
	}
	if resetOTP.Valid && resetExpires.Valid {
		a.ResetCode = &model.TimeBoundCode{Code: resetOTP.String, ExpiresAt: resetExpires.Time}
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
