// Package sweeper は期限切れ未検証アカウントの定期削除ジョブを提供する。
// クライアントが削除APIを呼ばずに離脱した登録も、最終的にこのジョブで削除される。
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultGrace は期限切れ判定に加える猶予時間。
const DefaultGrace = 30 * time.Second

// Store は期限切れ未検証アカウントの削除を抽象化するインターフェース。
type Store interface {
	DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder はスイーパーの実行結果を記録する。
type Recorder interface {
	RecordSweep(deleted int64, duration time.Duration)
	RecordSweepFailure()
}

// Sweeper はコード期限から猶予時間を過ぎた未検証アカウントを削除する。
// 削除は単一の条件付きDELETEで行うため、同時に行われる検証とは
// どちらが先に完了しても整合する。
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	Grace    time.Duration // 期限切れ判定の猶予（デフォルト: 30秒）
}

// New は新しいSweeperを生成する。recorderはnilでもよい。
func New(store Store, logger *slog.Logger, recorder Recorder) *Sweeper {
	return &Sweeper{
		store:    store,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		Grace:    DefaultGrace,
	}
}

// RunOnce はotp_expiresが現在時刻-猶予より前の未検証アカウントを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()
	cutoff := s.now().Add(-s.Grace)

	deleted, err := s.store.DeleteExpiredUnverified(ctx, cutoff)
	if err != nil {
		if s.recorder != nil {
			s.recorder.RecordSweepFailure()
		}
		return fmt.Errorf("期限切れ未検証アカウントの削除に失敗: %w", err)
	}

	duration := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordSweep(deleted, duration)
	}

	s.logger.Info("期限切れ未検証アカウントの削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降interval間隔で実行する。
// エラーはログに出力して次回の実行に任せる。
// コンテキストがキャンセルされると戻る。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スイーパーを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace", s.Grace),
	)

	s.runSafely(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スイーパーを停止しました")
			return
		case <-ticker.C:
			s.runSafely(ctx)
		}
	}
}

// runSafely はRunOnceを実行し、エラーとpanicをログに記録して握りつぶす。
func (s *Sweeper) runSafely(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			if s.recorder != nil {
				s.recorder.RecordSweepFailure()
			}
			s.logger.Error("スイーパーでpanicが発生しました",
				slog.Any("panic", rec),
			)
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイーパーの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
