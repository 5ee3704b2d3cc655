// Package memory はプロセス内のマップに認証データを保持するリファレンス実装を提供する。
// 全操作は1つのミューテックスで直列化され、これがストア自身の原子性となる。
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

type accountKey struct {
	provider          string
	providerAccountID string
}

type tokenKey struct {
	identifier string
	token      string
}

// Store はインメモリのアダプター実装。
type Store struct {
	mu sync.Mutex

	users    map[string]model.User
	emails   map[string]string // email -> user id
	accounts map[accountKey]model.Account
	sessions map[string]model.Session
	tokens   map[tokenKey]model.VerificationToken

	newID func() string
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		users:    make(map[string]model.User),
		emails:   make(map[string]string),
		accounts: make(map[accountKey]model.Account),
		sessions: make(map[string]model.Session),
		tokens:   make(map[tokenKey]model.VerificationToken),
		newID:    uuid.NewString,
	}
}

// Ping は常に成功する。
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close は何もしない。
func (s *Store) Close() error {
	return nil
}

func normalizeUser(u model.User) model.User {
	u = u.Clone()
	u.EmailVerified = model.NormalizeTimePtr(u.EmailVerified)
	return u
}

// CreateUser はユーザーを作成する。
func (s *Store) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	u := normalizeUser(*user)
	if u.ID == "" {
		u.ID = s.newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[u.Email]; ok {
		return nil, model.NewConstraintError(model.EntityUser, "email", nil)
	}
	if _, ok := s.users[u.ID]; ok {
		return nil, model.NewConstraintError(model.EntityUser, "id", nil)
	}

	s.users[u.ID] = u
	s.emails[u.Email] = u.ID

	out := u.Clone()
	return &out, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userLocked(id), nil
}

func (s *Store) userLocked(id string) *model.User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	out := u.Clone()
	return &out
}

// GetUserByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, nil
	}
	return s.userLocked(id), nil
}

// GetUserByAccount はアカウントに紐付くユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountKey{provider, providerAccountID}]
	if !ok {
		return nil, nil
	}
	return s.userLocked(a.UserID), nil
}

// UpdateUser はユーザーを部分更新する。
func (s *Store) UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error) {
	if patch.ID == "" {
		return nil, model.NewPreconditionError(model.EntityUser, "id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[patch.ID]
	if !ok {
		return nil, model.NewNotFoundError(model.EntityUser, patch.ID)
	}

	updated := normalizeUser(patch.Apply(current))
	if updated.Email != current.Email {
		if _, taken := s.emails[updated.Email]; taken {
			return nil, model.NewConstraintError(model.EntityUser, "email", nil)
		}
		delete(s.emails, current.Email)
		s.emails[updated.Email] = updated.ID
	}
	s.users[updated.ID] = updated

	out := updated.Clone()
	return &out, nil
}

// DeleteUser はユーザーと所有するセッション・アカウントを削除する。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil
	}

	for token, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, token)
		}
	}
	for key, a := range s.accounts {
		if a.UserID == id {
			delete(s.accounts, key)
		}
	}
	delete(s.emails, u.Email)
	delete(s.users, id)
	return nil
}

// LinkAccount はアカウントを紐付ける。
func (s *Store) LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	a := account.Clone()
	if a.ID == "" {
		a.ID = s.newID()
	}
	key := accountKey{a.Provider, a.ProviderAccountID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[key]; ok {
		return nil, model.NewConstraintError(model.EntityAccount, "provider+providerAccountId", nil)
	}
	s.accounts[key] = a

	out := a.Clone()
	return &out, nil
}

// UnlinkAccount はアカウントの紐付けを解除する。
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, accountKey{provider, providerAccountID})
	return nil
}

// CreateSession はセッションを作成する。
func (s *Store) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	sess := *session
	sess.Expires = model.NormalizeTime(sess.Expires)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.SessionToken]; ok {
		return nil, model.NewConstraintError(model.EntitySession, "sessionToken", nil)
	}
	s.sessions[sess.SessionToken] = sess

	return &sess, nil
}

// GetSessionAndUser はセッションと所有ユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionToken]
	if !ok {
		return nil, nil
	}
	u := s.userLocked(sess.UserID)
	if u == nil {
		return nil, nil
	}
	return &model.SessionAndUser{Session: sess, User: *u}, nil
}

// UpdateSession はセッションを部分更新する。見つからない場合はnilを返す。
func (s *Store) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	if patch.SessionToken == "" {
		return nil, model.NewPreconditionError(model.EntitySession, "sessionToken")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[patch.SessionToken]
	if !ok {
		return nil, nil
	}
	updated := patch.Apply(current)
	updated.Expires = model.NormalizeTime(updated.Expires)
	s.sessions[updated.SessionToken] = updated

	return &updated, nil
}

// DeleteSession はセッションを削除する。
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionToken)
	return nil
}

// CreateVerificationToken は検証トークンを保存する。
func (s *Store) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	vt := *token
	vt.Expires = model.NormalizeTime(vt.Expires)
	key := tokenKey{vt.Identifier, vt.Token}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[key]; ok {
		return nil, model.NewConstraintError(model.EntityVerificationToken, "identifier+token", nil)
	}
	s.tokens[key] = vt

	return &vt, nil
}

// UseVerificationToken は検証トークンを取り出して削除する。見つからない場合はnilを返す。
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	key := tokenKey{identifier, token}

	s.mu.Lock()
	defer s.mu.Unlock()

	vt, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	delete(s.tokens, key)

	return &vt, nil
}

// DeleteExpired はnowより前に期限切れとなったセッションと検証トークンを削除する。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (adapter.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res adapter.PurgeResult
	for token, sess := range s.sessions {
		if sess.Expires.Before(now) {
			delete(s.sessions, token)
			res.Sessions++
		}
	}
	for key, vt := range s.tokens {
		if vt.Expires.Before(now) {
			delete(s.tokens, key)
			res.VerificationTokens++
		}
	}
	return res, nil
}

// compile-time interface check
var (
	_ adapter.Adapter = (*Store)(nil)
	_ adapter.Purger  = (*Store)(nil)
	_ adapter.Pinger  = (*Store)(nil)
)
