// Package redis はRedis（go-redis v9）を使用したアダプター実装を提供する。
//
// 一意性はSETNX/HSETNXで保証し、検証トークンの消費はGETDELで1回だけ成功させる。
// セッションと検証トークンはPEXPIREATでRedis側が失効させるため、adapter.Purgerは実装しない。
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

// maxWatchRetries はWATCHが競合した場合に読み直す回数。
const maxWatchRetries = 5

// Store はRedisを使用したアダプター。
type Store struct {
	client *goredis.Client
	newID  func() string
}

// Open はredis://形式のURLでクライアントを生成し、疎通を確認する。
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client), nil
}

// New は接続済みクライアントからStoreを生成する。
func New(client *goredis.Client) *Store {
	return &Store{client: client, newID: uuid.NewString}
}

// Ping はRedisへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close はクライアントを閉じる。
func (s *Store) Close() error {
	return s.client.Close()
}

// CreateUser はユーザーのハッシュをHSETNXで、メールアドレスのキーをSETNXで確保してから
// ユーザーを保存する。どちらかが既に存在する場合は確保済みのキーを戻す。
func (s *Store) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	u := user.Clone()
	if u.ID == "" {
		u.ID = s.newID()
	}
	u.EmailVerified = model.NormalizeTimePtr(u.EmailVerified)

	ok, err := s.client.HSetNX(ctx, userKey(u.ID), fieldID, u.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve user id: %w", err)
	}
	if !ok {
		return nil, model.NewConstraintError(model.EntityUser, "id", nil)
	}

	ok, err = s.client.SetNX(ctx, userEmailKey(u.Email), u.ID, 0).Result()
	if err != nil {
		s.client.Del(ctx, userKey(u.ID))
		return nil, fmt.Errorf("failed to reserve user email: %w", err)
	}
	if !ok {
		s.client.Del(ctx, userKey(u.ID))
		return nil, model.NewConstraintError(model.EntityUser, "email", nil)
	}

	if err := s.client.HSet(ctx, userKey(u.ID), userFields(u)).Err(); err != nil {
		s.client.Del(ctx, userKey(u.ID), userEmailKey(u.Email))
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	h, err := s.client.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	u, err := userFromHash(h)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return u, nil
}

// GetUserByEmail はメールアドレスの索引からユーザーを取得する。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	id, err := s.client.Get(ctx, userEmailKey(email)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUserByAccount はアカウントのuser_idからユーザーを取得する。
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	userID, err := s.client.HGet(ctx, accountKey(provider, providerAccountID), fieldUserID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// UpdateUser はパッチで指定された項目のみをHSETで更新する。
// メールアドレスが変わる場合は新しい索引をSETNXで確保してから古い索引を削除する。
func (s *Store) UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error) {
	if patch.ID == "" {
		return nil, model.NewPreconditionError(model.EntityUser, "id")
	}

	current, err := s.GetUser(ctx, patch.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, model.NewNotFoundError(model.EntityUser, patch.ID)
	}

	updated := patch.Apply(*current)
	updated.EmailVerified = model.NormalizeTimePtr(updated.EmailVerified)

	if updated.Email != current.Email {
		ok, err := s.client.SetNX(ctx, userEmailKey(updated.Email), updated.ID, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve user email: %w", err)
		}
		if !ok {
			return nil, model.NewConstraintError(model.EntityUser, "email", nil)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, userKey(updated.ID), userFields(updated))
		if updated.Email != current.Email {
			pipe.Del(ctx, userEmailKey(current.Email))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &updated, nil
}

// DeleteUser はユーザーと、所有するセッション・アカウント・索引をまとめて削除する。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	tokens, err := s.client.SMembers(ctx, userSessionsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to list sessions of user: %w", err)
	}
	accounts, err := s.client.SMembers(ctx, userAccountsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to list accounts of user: %w", err)
	}

	keys := []string{userKey(id), userEmailKey(user.Email), userSessionsKey(id), userAccountsKey(id)}
	for _, token := range tokens {
		keys = append(keys, sessionKey(token))
	}
	keys = append(keys, accounts...)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// LinkAccount はアカウントのハッシュをHSETNXで確保してから残りの項目を保存する。
func (s *Store) LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	a := account.Clone()
	if a.ID == "" {
		a.ID = s.newID()
	}
	key := accountKey(a.Provider, a.ProviderAccountID)

	ok, err := s.client.HSetNX(ctx, key, fieldID, a.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve account: %w", err)
	}
	if !ok {
		return nil, model.NewConstraintError(model.EntityAccount, "provider+providerAccountId", nil)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, accountFields(a))
		pipe.SAdd(ctx, userAccountsKey(a.UserID), key)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to link account: %w", err)
	}
	return &a, nil
}

// UnlinkAccount はアカウントの紐付けを解除する。
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	key := accountKey(provider, providerAccountID)
	userID, err := s.client.HGet(ctx, key, fieldUserID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, userAccountsKey(userID), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	return nil
}

// CreateSession はセッションを保存し、有効期限をPEXPIREATで設定する。
func (s *Store) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	sess := *session
	sess.Expires = model.NormalizeTime(sess.Expires)
	key := sessionKey(sess.SessionToken)

	ok, err := s.client.HSetNX(ctx, key, fieldSessionToken, sess.SessionToken).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve session: %w", err)
	}
	if !ok {
		return nil, model.NewConstraintError(model.EntitySession, "sessionToken", nil)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldUserID, sess.UserID, fieldExpires, formatMillis(sess.Expires))
		pipe.PExpireAt(ctx, key, sess.Expires)
		pipe.SAdd(ctx, userSessionsKey(sess.UserID), sess.SessionToken)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &sess, nil
}

func (s *Store) getSession(ctx context.Context, sessionToken string) (*model.Session, error) {
	h, err := s.client.HGetAll(ctx, sessionKey(sessionToken)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	sess, err := sessionFromHash(h)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

// GetSessionAndUser はセッションと所有ユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	sess, err := s.getSession(ctx, sessionToken)
	if err != nil || sess == nil {
		return nil, err
	}
	user, err := s.GetUser(ctx, sess.UserID)
	if err != nil || user == nil {
		return nil, err
	}
	return &model.SessionAndUser{Session: *sess, User: *user}, nil
}

// UpdateSession はセッションを部分更新する。見つからない場合はnilを返す。
// 読み取りから書き込みまでキーをWATCHし、途中で失効した場合はハッシュを作り直さない。
func (s *Store) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	if patch.SessionToken == "" {
		return nil, model.NewPreconditionError(model.EntitySession, "sessionToken")
	}

	key := sessionKey(patch.SessionToken)
	var updated *model.Session
	update := func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to find session: %w", err)
		}
		if len(h) == 0 {
			return nil
		}
		current, err := sessionFromHash(h)
		if err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}

		next := patch.Apply(*current)
		next.Expires = model.NormalizeTime(next.Expires)

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldUserID, next.UserID, fieldExpires, formatMillis(next.Expires))
			pipe.PExpireAt(ctx, key, next.Expires)
			if next.UserID != current.UserID {
				pipe.SRem(ctx, userSessionsKey(current.UserID), next.SessionToken)
				pipe.SAdd(ctx, userSessionsKey(next.UserID), next.SessionToken)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &next
		return nil
	}

	// WATCH中にキーが変更・失効した場合は読み直す
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, update, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update session: %w", goredis.TxFailedErr)
}

// DeleteSession はセッションを削除する。
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	userID, err := s.client.HGet(ctx, sessionKey(sessionToken), fieldUserID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionToken))
		pipe.SRem(ctx, userSessionsKey(userID), sessionToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CreateVerificationToken は検証トークンをSET NX EXATで保存する。
// 値には秒より細かい有効期限を保持するため、エポックミリ秒を格納する。
func (s *Store) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	vt := *token
	vt.Expires = model.NormalizeTime(vt.Expires)

	err := s.client.SetArgs(ctx, verificationTokenKey(vt.Identifier, vt.Token), formatMillis(vt.Expires), goredis.SetArgs{
		Mode:     "NX",
		ExpireAt: vt.Expires,
	}).Err()
	if errors.Is(err, goredis.Nil) {
		return nil, model.NewConstraintError(model.EntityVerificationToken, "identifier+token", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create verification token: %w", err)
	}
	return &vt, nil
}

// UseVerificationToken はGETDELで検証トークンを取り出す。
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	v, err := s.client.GetDel(ctx, verificationTokenKey(identifier, token)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to use verification token: %w", err)
	}

	expires, err := parseMillis(v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode verification token: %w", err)
	}
	return &model.VerificationToken{
		Identifier: identifier,
		Token:      token,
		Expires:    expires,
	}, nil
}

// compile-time interface check
var (
	_ adapter.Adapter = (*Store)(nil)
	_ adapter.Pinger  = (*Store)(nil)
)
