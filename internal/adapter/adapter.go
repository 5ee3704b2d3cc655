// Package adapter は認証データの永続化アダプターが実装すべき契約を定義する。
//
// 各ストレージ技術（PostgreSQL、SQLite、MongoDB、Redis、インメモリ）ごとに
// 1つの実装を持ち、全実装は internal/conformance のハーネスで同一の振る舞いを検証される。
package adapter

import (
	"context"
	"time"

	"github.com/hitoshi/authstore/internal/model"
)

// Adapter は認証ライブラリが利用する永続化操作の集合。
//
// 読み取り系操作で対象が見つからない場合はエラーではなく(nil, nil)を返す。
// 一意制約違反はmodel.ErrConstraintViolationに一致するエラーを返す。
// 呼び出しは単一の呼び出し元を前提とし、同一キーへの並行書き込みは
// ストア自身の一意制約に委ねる。
type Adapter interface {
	// CreateUser はユーザーを作成する。IDが空の場合は生成して返す。
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)
	// GetUser は指定IDのユーザーを取得する。
	GetUser(ctx context.Context, id string) (*model.User, error)
	// GetUserByEmail はメールアドレスでユーザーを取得する。
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// GetUserByAccount は(provider, providerAccountID)に紐付くユーザーを取得する。
	GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error)
	// UpdateUser はユーザーを部分更新する。
	// IDが空の場合はI/Oの前にmodel.ErrPreconditionを返し、
	// 対象が存在しない場合はmodel.ErrNotFoundを返す。
	UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error)
	// DeleteUser はユーザーと、そのユーザーが所有するセッション・アカウントを削除する。
	DeleteUser(ctx context.Context, id string) error

	// LinkAccount は外部IdPのアカウントをユーザーに紐付ける。
	LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error)
	// UnlinkAccount はアカウントの紐付けを解除する。存在しない場合は何もしない。
	UnlinkAccount(ctx context.Context, provider, providerAccountID string) error

	// CreateSession はセッションを作成する。
	CreateSession(ctx context.Context, session *model.Session) (*model.Session, error)
	// GetSessionAndUser はセッションとその所有ユーザーを取得する。
	GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error)
	// UpdateSession はセッションを部分更新する。存在しない場合はnilを返す。
	UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error)
	// DeleteSession はセッションを削除する。存在しない場合は何もしない。
	DeleteSession(ctx context.Context, sessionToken string) error

	// CreateVerificationToken は検証トークンを保存する。
	CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error)
	// UseVerificationToken は検証トークンを読み出すと同時に削除する。
	// 同じ組に対する2回目の呼び出しは必ずnilを返す。
	UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error)
}

// PurgeResult は期限切れデータ削除の件数を表す。
type PurgeResult struct {
	Sessions           int64
	VerificationTokens int64
}

// Purger は期限切れのセッションと検証トークンを削除できるアダプターが実装する。
// ストアがキーの有効期限をネイティブに扱う場合は実装しなくてよい。
type Purger interface {
	DeleteExpired(ctx context.Context, now time.Time) (PurgeResult, error)
}

// Pinger はバックエンドへの疎通確認を提供する。
type Pinger interface {
	Ping(ctx context.Context) error
}
