// Package sqlite はSQLite（modernc.org/sqlite）を使用したアダプター実装を提供する。
// 時刻はUTCのエポックミリ秒としてINTEGER列に保存する。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

const userColumns = `id, email, name, image, email_verified`

const accountColumns = `id, user_id, type, provider, provider_account_id,
	access_token, refresh_token, expires_at, id_token, token_type, scope, session_state`

// Store はSQLiteを使用したアダプター。
type Store struct {
	db    *sql.DB
	newID func() string
}

// Open はpathのSQLiteファイルを開き、埋め込みのマイグレーションを適用する。
// 外部キー制約が有効にならない場合はエラーを返す（DeleteUserのCASCADEに必要）。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if err := ensureForeignKeys(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db, migrationsFS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, newID: uuid.NewString}, nil
}

func ensureForeignKeys(ctx context.Context, db *sql.DB) error {
	var enabled int
	if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&enabled); err != nil {
		return fmt.Errorf("failed to check foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// Close はデータベースを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return model.Time(fromMillis(v.Int64))
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return model.String(ns.String)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u             model.User
		name, image   sql.NullString
		emailVerified sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Email, &name, &image, &emailVerified); err != nil {
		return nil, err
	}
	u.Name = fromNullString(name)
	u.Image = fromNullString(image)
	u.EmailVerified = fromNullMillis(emailVerified)
	return &u, nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                                                    model.Account
		accessToken, refreshToken, idToken, tokenType, scope sql.NullString
		sessionState                                         sql.NullString
		expiresAt                                            sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Provider, &a.ProviderAccountID,
		&accessToken, &refreshToken, &expiresAt, &idToken, &tokenType, &scope, &sessionState)
	if err != nil {
		return nil, err
	}
	a.AccessToken = fromNullString(accessToken)
	a.RefreshToken = fromNullString(refreshToken)
	if expiresAt.Valid {
		a.ExpiresAt = model.Int64(expiresAt.Int64)
	}
	a.IDToken = fromNullString(idToken)
	a.TokenType = fromNullString(tokenType)
	a.Scope = fromNullString(scope)
	a.SessionState = fromNullString(sessionState)
	return &a, nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess    model.Session
		expires int64
	)
	if err := row.Scan(&sess.SessionToken, &sess.UserID, &expires); err != nil {
		return nil, err
	}
	sess.Expires = fromMillis(expires)
	return &sess, nil
}

func scanVerificationToken(row rowScanner) (*model.VerificationToken, error) {
	var (
		vt      model.VerificationToken
		expires int64
	)
	if err := row.Scan(&vt.Identifier, &vt.Token, &expires); err != nil {
		return nil, err
	}
	vt.Expires = fromMillis(expires)
	return &vt, nil
}

// CreateUser はユーザーを作成する。
func (s *Store) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	id := user.ID
	if id == "" {
		id = s.newID()
	}

	created, err := scanUser(s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, image, email_verified)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING `+userColumns,
		id, user.Email, user.Name, user.Image, nullMillis(user.EmailVerified),
	))
	if err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to create user")
	}
	return created, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// GetUserByAccount は(provider, providerAccountID)に紐付くユーザーを取得する。
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	return s.findUser(ctx,
		`SELECT u.id, u.email, u.name, u.image, u.email_verified
		 FROM users u
		 JOIN accounts a ON a.user_id = u.id
		 WHERE a.provider = ? AND a.provider_account_id = ?`,
		provider, providerAccountID,
	)
}

func (s *Store) findUser(ctx context.Context, query string, args ...any) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// UpdateUser はパッチで指定された項目のみを更新する。
func (s *Store) UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error) {
	if patch.ID == "" {
		return nil, model.NewPreconditionError(model.EntityUser, "id")
	}

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET
			email = COALESCE(?2, email),
			name = COALESCE(?3, name),
			image = COALESCE(?4, image),
			email_verified = COALESCE(?5, email_verified)
		 WHERE id = ?1
		 RETURNING `+userColumns,
		patch.ID, patch.Email, patch.Name, patch.Image, nullMillis(patch.EmailVerified),
	))
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError(model.EntityUser, patch.ID)
	}
	if err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to update user")
	}
	return u, nil
}

// DeleteUser はユーザーを削除する。accounts、sessionsは外部キーでCASCADE削除される。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// LinkAccount はアカウントを紐付ける。
func (s *Store) LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	id := account.ID
	if id == "" {
		id = s.newID()
	}

	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+accountColumns,
		id, account.UserID, string(account.Type), account.Provider, account.ProviderAccountID,
		account.AccessToken, account.RefreshToken, account.ExpiresAt,
		account.IDToken, account.TokenType, account.Scope, account.SessionState,
	))
	if err != nil {
		return nil, classify(err, model.EntityAccount, "provider+providerAccountId", "failed to link account")
	}
	return a, nil
}

// UnlinkAccount はアカウントの紐付けを解除する。
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	return nil
}

// CreateSession はセッションを作成する。
func (s *Store) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (session_token, user_id, expires)
		 VALUES (?, ?, ?)
		 RETURNING session_token, user_id, expires`,
		session.SessionToken, session.UserID, toMillis(session.Expires),
	))
	if err != nil {
		return nil, classify(err, model.EntitySession, "sessionToken", "failed to create session")
	}
	return sess, nil
}

// GetSessionAndUser はセッションと所有ユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	var (
		out           model.SessionAndUser
		expires       int64
		name, image   sql.NullString
		emailVerified sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.session_token, s.user_id, s.expires,
			u.id, u.email, u.name, u.image, u.email_verified
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.session_token = ?`,
		sessionToken,
	).Scan(&out.Session.SessionToken, &out.Session.UserID, &expires,
		&out.User.ID, &out.User.Email, &name, &image, &emailVerified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	out.Session.Expires = fromMillis(expires)
	out.User.Name = fromNullString(name)
	out.User.Image = fromNullString(image)
	out.User.EmailVerified = fromNullMillis(emailVerified)
	return &out, nil
}

// UpdateSession はセッションを部分更新する。見つからない場合はnilを返す。
func (s *Store) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	if patch.SessionToken == "" {
		return nil, model.NewPreconditionError(model.EntitySession, "sessionToken")
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`UPDATE sessions SET
			user_id = COALESCE(?2, user_id),
			expires = COALESCE(?3, expires)
		 WHERE session_token = ?1
		 RETURNING session_token, user_id, expires`,
		patch.SessionToken, patch.UserID, nullMillis(patch.Expires),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, model.EntitySession, "userId", "failed to update session")
	}
	return sess, nil
}

// DeleteSession はセッションを削除する。
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = ?`, sessionToken); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CreateVerificationToken は検証トークンを保存する。
func (s *Store) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	vt, err := scanVerificationToken(s.db.QueryRowContext(ctx,
		`INSERT INTO verification_tokens (identifier, token, expires)
		 VALUES (?, ?, ?)
		 RETURNING identifier, token, expires`,
		token.Identifier, token.Token, toMillis(token.Expires),
	))
	if err != nil {
		return nil, classify(err, model.EntityVerificationToken, "identifier+token", "failed to create verification token")
	}
	return vt, nil
}

// UseVerificationToken は検証トークンを削除し、削除した行を返す。
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	vt, err := scanVerificationToken(s.db.QueryRowContext(ctx,
		`DELETE FROM verification_tokens
		 WHERE identifier = ? AND token = ?
		 RETURNING identifier, token, expires`,
		identifier, token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to use verification token: %w", err)
	}
	return vt, nil
}

// DeleteExpired はnowより前に期限切れとなったセッションと検証トークンを削除する。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (adapter.PurgeResult, error) {
	var res adapter.PurgeResult
	cutoff := toMillis(now)

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires < ?`, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if res.Sessions, err = result.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}

	result, err = s.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires < ?`, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired verification tokens: %w", err)
	}
	if res.VerificationTokens, err = result.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return res, nil
}

// classify はSQLiteの制約違反をStoreErrorに変換し、それ以外はラップして返す。
func classify(err error, entity, key, msg string) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return model.NewConstraintError(entity, key, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return model.NewConstraintError(entity, "userId", err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// compile-time interface check
var (
	_ adapter.Adapter = (*Store)(nil)
	_ adapter.Purger  = (*Store)(nil)
	_ adapter.Pinger  = (*Store)(nil)
)
