package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/authstore/internal/model"
)

// 操作結果の分類
const (
	OutcomeOK                  = "ok"
	OutcomeNotFound            = "not_found"
	OutcomeConstraintViolation = "constraint_violation"
	OutcomePrecondition        = "precondition"
	OutcomeError               = "error"
)

// OperationRecorder はアダプター操作の計測結果を受け取るインターフェース。
// metrics.Collectorが実装する。
type OperationRecorder interface {
	RecordOperation(op, outcome string, duration time.Duration)
}

// Classify はエラーと取得結果の有無から操作結果を分類する。
func Classify(found bool, err error) string {
	switch {
	case err == nil && found:
		return OutcomeOK
	case err == nil:
		return OutcomeNotFound
	case errors.Is(err, model.ErrConstraintViolation):
		return OutcomeConstraintViolation
	case errors.Is(err, model.ErrPrecondition):
		return OutcomePrecondition
	case errors.Is(err, model.ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// Instrumented はAdapterをラップし、操作ごとのレイテンシと結果を記録する。
// ラップ対象の戻り値はそのまま返す。
type Instrumented struct {
	next     Adapter
	recorder OperationRecorder
	logger   *slog.Logger
}

// Instrument はAdapterを計測付きでラップする。
// recorderがnilの場合は記録せず、loggerがnilの場合はslog.Default()を使う。
func Instrument(next Adapter, recorder OperationRecorder, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{next: next, recorder: recorder, logger: logger}
}

// Unwrap はラップ対象のAdapterを返す。
func (a *Instrumented) Unwrap() Adapter {
	return a.next
}

func (a *Instrumented) observe(ctx context.Context, op string, start time.Time, found bool, err error) {
	outcome := Classify(found, err)
	if a.recorder != nil {
		a.recorder.RecordOperation(op, outcome, time.Since(start))
	}
	if outcome == OutcomeError {
		a.logger.ErrorContext(ctx, "adapter operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
}

// CreateUser はAdapter.CreateUserを計測付きで呼び出す。
func (a *Instrumented) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	start := time.Now()
	got, err := a.next.CreateUser(ctx, user)
	a.observe(ctx, "create_user", start, got != nil, err)
	return got, err
}

// GetUser はAdapter.GetUserを計測付きで呼び出す。
func (a *Instrumented) GetUser(ctx context.Context, id string) (*model.User, error) {
	start := time.Now()
	got, err := a.next.GetUser(ctx, id)
	a.observe(ctx, "get_user", start, got != nil, err)
	return got, err
}

// GetUserByEmail はAdapter.GetUserByEmailを計測付きで呼び出す。
func (a *Instrumented) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	start := time.Now()
	got, err := a.next.GetUserByEmail(ctx, email)
	a.observe(ctx, "get_user_by_email", start, got != nil, err)
	return got, err
}

// GetUserByAccount はAdapter.GetUserByAccountを計測付きで呼び出す。
func (a *Instrumented) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	start := time.Now()
	got, err := a.next.GetUserByAccount(ctx, provider, providerAccountID)
	a.observe(ctx, "get_user_by_account", start, got != nil, err)
	return got, err
}

// UpdateUser はAdapter.UpdateUserを計測付きで呼び出す。
func (a *Instrumented) UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error) {
	start := time.Now()
	got, err := a.next.UpdateUser(ctx, patch)
	a.observe(ctx, "update_user", start, got != nil, err)
	return got, err
}

// DeleteUser はAdapter.DeleteUserを計測付きで呼び出す。
func (a *Instrumented) DeleteUser(ctx context.Context, id string) error {
	start := time.Now()
	err := a.next.DeleteUser(ctx, id)
	a.observe(ctx, "delete_user", start, true, err)
	return err
}

// LinkAccount はAdapter.LinkAccountを計測付きで呼び出す。
func (a *Instrumented) LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	start := time.Now()
	got, err := a.next.LinkAccount(ctx, account)
	a.observe(ctx, "link_account", start, got != nil, err)
	return got, err
}

// UnlinkAccount はAdapter.UnlinkAccountを計測付きで呼び出す。
func (a *Instrumented) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	start := time.Now()
	err := a.next.UnlinkAccount(ctx, provider, providerAccountID)
	a.observe(ctx, "unlink_account", start, true, err)
	return err
}

// CreateSession はAdapter.CreateSessionを計測付きで呼び出す。
func (a *Instrumented) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	start := time.Now()
	got, err := a.next.CreateSession(ctx, session)
	a.observe(ctx, "create_session", start, got != nil, err)
	return got, err
}

// GetSessionAndUser はAdapter.GetSessionAndUserを計測付きで呼び出す。
func (a *Instrumented) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	start := time.Now()
	got, err := a.next.GetSessionAndUser(ctx, sessionToken)
	a.observe(ctx, "get_session_and_user", start, got != nil, err)
	return got, err
}

// UpdateSession はAdapter.UpdateSessionを計測付きで呼び出す。
func (a *Instrumented) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	start := time.Now()
	got, err := a.next.UpdateSession(ctx, patch)
	a.observe(ctx, "update_session", start, got != nil, err)
	return got, err
}

// DeleteSession はAdapter.DeleteSessionを計測付きで呼び出す。
func (a *Instrumented) DeleteSession(ctx context.Context, sessionToken string) error {
	start := time.Now()
	err := a.next.DeleteSession(ctx, sessionToken)
	a.observe(ctx, "delete_session", start, true, err)
	return err
}

// CreateVerificationToken はAdapter.CreateVerificationTokenを計測付きで呼び出す。
func (a *Instrumented) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	start := time.Now()
	got, err := a.next.CreateVerificationToken(ctx, token)
	a.observe(ctx, "create_verification_token", start, got != nil, err)
	return got, err
}

// UseVerificationToken はAdapter.UseVerificationTokenを計測付きで呼び出す。
func (a *Instrumented) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	start := time.Now()
	got, err := a.next.UseVerificationToken(ctx, identifier, token)
	a.observe(ctx, "use_verification_token", start, got != nil, err)
	return got, err
}

// compile-time interface check
var _ Adapter = (*Instrumented)(nil)
