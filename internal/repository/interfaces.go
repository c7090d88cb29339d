// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/dsadrill/internal/model"
)

// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
var ErrDuplicateEmail = errors.New("email already registered")

// AccountRepository はアカウントデータの永続化インターフェース。
//
// 競合しうる状態遷移（検証、再送、リフレッシュトークンのローテーション、
// パスワードリセット確定、未検証アカウント削除）は、前提条件をWHERE句で
// 再確認する単一の条件付きUPDATE/DELETEとして実装する。
// 条件が一致しなかった場合は(false, nil)を返す。
type AccountRepository interface {
	// Create はアカウントを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, account *model.Account) error

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// ActivateWithCode は未検証かつコードが一致し期限内の場合のみ、
	// コードを消去して検証済みにし、リフレッシュトークンを保存する。
	ActivateWithCode(ctx context.Context, id, code string, now time.Time, refreshToken string) (bool, error)

	// ActivateExternal は未検証アカウントを外部IdPによる所有確認済みとして検証済みにする。
	// 未検証の間に設定されたパスワード、表示名、コード、トークンは所有者のものと限らないため破棄する。
	ActivateExternal(ctx context.Context, id, name string) (bool, error)

	// ReplaceSignupCode は未検証アカウントのサインアップコードを上書きし、失敗回数をリセットする。
	ReplaceSignupCode(ctx context.Context, id string, code model.TimeBoundCode) (bool, error)

	// IncrementSignupAttempts は未検証アカウントのコード失敗回数を加算し、加算後の値を返す。
	IncrementSignupAttempts(ctx context.Context, id string) (int, error)

	// ReplaceResetCode はパスワードリセットコードを上書きする。サインアップコードには触れない。
	ReplaceResetCode(ctx context.Context, id string, code model.TimeBoundCode) error

	// CommitPasswordReset はリセットコードが一致し期限内の場合のみ、
	// パスワードハッシュを置き換えてリセットコードを消去する。
	CommitPasswordReset(ctx context.Context, id, code string, now time.Time, passwordHash string) (bool, error)

	// SetRefreshToken はリフレッシュトークンを無条件に上書きする。
	SetRefreshToken(ctx context.Context, id, token string) error

	// RotateRefreshToken は保存済みトークンがcurrentと一致する場合のみnextに置き換える。
	RotateRefreshToken(ctx context.Context, id, current, next string) (bool, error)

	// ClearRefreshToken はリフレッシュトークンを消去する。冪等。
	ClearRefreshToken(ctx context.Context, id string) error

	// DeleteUnverified は未検証の場合のみアカウントを削除する。
	DeleteUnverified(ctx context.Context, id string) (bool, error)

	// DeleteExpiredUnverified はコードの期限がcutoffより前の未検証アカウントを全て削除し、件数を返す。
	DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error)

	// List はアカウント一覧を作成日時の降順で返す。合計件数も返す。
	List(ctx context.Context, limit, offset int) ([]*model.Account, int, error)

	// SetActive は有効フラグを更新する。無効化時はリフレッシュトークンも消去する。
	SetActive(ctx context.Context, id string, active bool) (bool, error)

	// DeleteByID は指定IDのアカウントを削除する。
	// 関連するidentities、admin_logsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create はidentityを作成する。
	Create(ctx context.Context, identity *model.Identity) error
}

// AdminLogRepository は管理者監査ログの永続化インターフェース。
type AdminLogRepository interface {
	// Create は監査ログを記録する。
	Create(ctx context.Context, entry *model.AdminLog) error

	// ListRecent は新しい順に監査ログを返す。
	ListRecent(ctx context.Context, limit int) ([]*model.AdminLog, error)
}
