// Package postgres はPostgreSQLを使用したアダプター実装を提供する。
// スキーマは internal/database のマイグレーションで作成される。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

// unique_violation / foreign_key_violation
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const userColumns = `id, email, name, image, email_verified`

const accountColumns = `id, user_id, type, provider, provider_account_id,
	access_token, refresh_token, expires_at, id_token, token_type, scope, session_state`

// Store はPostgreSQLを使用したアダプター。
type Store struct {
	db    *sql.DB
	newID func() string
}

// New はStoreを生成する。dbの所有権は呼び出し側に残る。
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: uuid.NewString}
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u             model.User
		name, image   sql.NullString
		emailVerified sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &name, &image, &emailVerified); err != nil {
		return nil, err
	}
	u.Name = fromNullString(name)
	u.Image = fromNullString(image)
	u.EmailVerified = fromNullTime(emailVerified)
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
	a.ExpiresAt = fromNullInt64(expiresAt)
	a.IDToken = fromNullString(idToken)
	a.TokenType = fromNullString(tokenType)
	a.Scope = fromNullString(scope)
	a.SessionState = fromNullString(sessionState)
	return &a, nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	if err := row.Scan(&sess.SessionToken, &sess.UserID, &sess.Expires); err != nil {
		return nil, err
	}
	sess.Expires = model.NormalizeTime(sess.Expires)
	return &sess, nil
}

func scanVerificationToken(row rowScanner) (*model.VerificationToken, error) {
	var vt model.VerificationToken
	if err := row.Scan(&vt.Identifier, &vt.Token, &vt.Expires); err != nil {
		return nil, err
	}
	vt.Expires = model.NormalizeTime(vt.Expires)
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
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		id, user.Email, user.Name, user.Image, model.NormalizeTimePtr(user.EmailVerified),
	))
	if err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to create user")
	}
	return created, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return u, nil
}

// GetUserByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return u, nil
}

// GetUserByAccount は(provider, providerAccountID)に紐付くユーザーを取得する。
// 見つからない場合はnilを返す。
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.name, u.image, u.email_verified
		 FROM users u
		 JOIN accounts a ON a.user_id = u.id
		 WHERE a.provider = $1 AND a.provider_account_id = $2`,
		provider, providerAccountID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by account: %w", err)
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
			email = COALESCE($2::text, email),
			name = COALESCE($3::text, name),
			image = COALESCE($4::text, image),
			email_verified = COALESCE($5::timestamptz, email_verified)
		 WHERE id = $1
		 RETURNING `+userColumns,
		patch.ID, patch.Email, patch.Name, patch.Image, model.NormalizeTimePtr(patch.EmailVerified),
	))
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError(model.EntityUser, patch.ID)
	}
	if err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to update user")
	}
	return u, nil
}

// DeleteUser はユーザーを削除する。
// 関連するaccounts、sessionsはCASCADE削除される。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+accountColumns,
		id, account.UserID, account.Type, account.Provider, account.ProviderAccountID,
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
		`DELETE FROM accounts WHERE provider = $1 AND provider_account_id = $2`,
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
		 VALUES ($1, $2, $3)
		 RETURNING session_token, user_id, expires`,
		session.SessionToken, session.UserID, model.NormalizeTime(session.Expires),
	))
	if err != nil {
		return nil, classify(err, model.EntitySession, "sessionToken", "failed to create session")
	}
	return sess, nil
}

// GetSessionAndUser はセッションと所有ユーザーを1クエリで取得する。
// 期限切れの判定は呼び出し側が行う。
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	var (
		out           model.SessionAndUser
		name, image   sql.NullString
		emailVerified sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.session_token, s.user_id, s.expires,
			u.id, u.email, u.name, u.image, u.email_verified
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.session_token = $1`,
		sessionToken,
	).Scan(&out.Session.SessionToken, &out.Session.UserID, &out.Session.Expires,
		&out.User.ID, &out.User.Email, &name, &image, &emailVerified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	out.Session.Expires = model.NormalizeTime(out.Session.Expires)
	out.User.Name = fromNullString(name)
	out.User.Image = fromNullString(image)
	out.User.EmailVerified = fromNullTime(emailVerified)
	return &out, nil
}

// UpdateSession はセッションを部分更新する。見つからない場合はnilを返す。
func (s *Store) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	if patch.SessionToken == "" {
		return nil, model.NewPreconditionError(model.EntitySession, "sessionToken")
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`UPDATE sessions SET
			user_id = COALESCE($2::text, user_id),
			expires = COALESCE($3::timestamptz, expires)
		 WHERE session_token = $1
		 RETURNING session_token, user_id, expires`,
		patch.SessionToken, patch.UserID, model.NormalizeTimePtr(patch.Expires),
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = $1`, sessionToken); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CreateVerificationToken は検証トークンを保存する。
func (s *Store) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	vt, err := scanVerificationToken(s.db.QueryRowContext(ctx,
		`INSERT INTO verification_tokens (identifier, token, expires)
		 VALUES ($1, $2, $3)
		 RETURNING identifier, token, expires`,
		token.Identifier, token.Token, model.NormalizeTime(token.Expires),
	))
	if err != nil {
		return nil, classify(err, model.EntityVerificationToken, "identifier+token", "failed to create verification token")
	}
	return vt, nil
}

// UseVerificationToken は検証トークンを削除し、削除した行を返す。
// DELETE ... RETURNINGにより並行呼び出しでも1回だけ行が返る。
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	vt, err := scanVerificationToken(s.db.QueryRowContext(ctx,
		`DELETE FROM verification_tokens
		 WHERE identifier = $1 AND token = $2
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

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires < $1`, now)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if res.Sessions, err = result.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}

	result, err = s.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires < $1`, now)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired verification tokens: %w", err)
	}
	if res.VerificationTokens, err = result.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return res, nil
}

// classify はPostgreSQLの制約違反をStoreErrorに変換し、それ以外はラップして返す。
func classify(err error, entity, key, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return model.NewConstraintError(entity, key, err)
		case codeForeignKeyViolation:
			return model.NewConstraintError(entity, "userId", err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return model.String(ns.String)
}

func fromNullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return model.Int64(ni.Int64)
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return model.Time(model.NormalizeTime(nt.Time))
}

// compile-time interface check
var (
	_ adapter.Adapter = (*Store)(nil)
	_ adapter.Purger  = (*Store)(nil)
	_ adapter.Pinger  = (*Store)(nil)
)
