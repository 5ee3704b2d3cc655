package memory

import (
	"context"

	"github.com/hitoshi/authstore/internal/model"
)

// Raw はアダプター操作を経由せずに内部マップを直接参照する。
// conformance.Peekerとして検証ハーネスに渡すことを想定している。
type Raw struct {
	s *Store
}

// Raw はStoreの生データビューを返す。
func (s *Store) Raw() Raw {
	return Raw{s: s}
}

// User は保存されているユーザーを返す。
func (r Raw) User(ctx context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	out := u.Clone()
	return &out, nil
}

// Session は保存されているセッションを返す。
func (r Raw) Session(ctx context.Context, sessionToken string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[sessionToken]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// Account は保存されているアカウントを返す。
func (r Raw) Account(ctx context.Context, provider, providerAccountID string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountKey{provider, providerAccountID}]
	if !ok {
		return nil, nil
	}
	out := a.Clone()
	return &out, nil
}

// VerificationToken は保存されている検証トークンを返す。
func (r Raw) VerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	vt, ok := r.s.tokens[tokenKey{identifier, token}]
	if !ok {
		return nil, nil
	}
	return &vt, nil
}
