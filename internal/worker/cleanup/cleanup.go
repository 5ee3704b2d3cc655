// Package cleanup は期限切れのセッションと検証トークンを定期的に削除するジョブを提供する。
// 削除はadapter.Purgerに委ね、同じ時刻で繰り返し実行しても結果は変わらない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authstore/internal/adapter"
)

// 削除件数を記録する際の種別ラベル
const (
	KindSession           = "session"
	KindVerificationToken = "verification_token"
)

// Recorder は削除件数と失敗を記録するインターフェース。
// metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanupDeleted(kind string, count int64)
	RecordCleanupFailure()
}

// Job は期限切れデータの削除ジョブ。
type Job struct {
	purger   adapter.Purger
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	// Grace は期限切れ判定の猶予。expiresがnow-Graceより前のものだけを削除する。
	Grace time.Duration
}

// NewJob は新しいJobを生成する。recorderはnilでもよい。
func NewJob(purger adapter.Purger, recorder Recorder, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		purger:   purger,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は期限切れのセッションと検証トークンを1回削除する。
func (j *Job) Run(ctx context.Context) (adapter.PurgeResult, error) {
	start := j.now()
	cutoff := start.Add(-j.Grace)

	res, err := j.purger.DeleteExpired(ctx, cutoff)
	if err != nil {
		if j.recorder != nil {
			j.recorder.RecordCleanupFailure()
		}
		j.logger.ErrorContext(ctx, "期限切れデータの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return res, fmt.Errorf("failed to delete expired records: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanupDeleted(KindSession, res.Sessions)
		j.recorder.RecordCleanupDeleted(KindVerificationToken, res.VerificationTokens)
	}
	j.logger.InfoContext(ctx, "期限切れデータの削除が完了しました",
		slog.Int64("sessions", res.Sessions),
		slog.Int64("verification_tokens", res.VerificationTokens),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	// 失敗はRun内でログと記録を済ませている
	_, _ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
