// Package conformance はアダプター実装が契約どおりに振る舞うことを検証するテストハーネスを提供する。
//
// ハーネスはアダプター経由の操作と、アダプターを経由しない生の参照クエリ（Peeker）を
// 組み合わせ、アダプターが保存内容を偽っていないことを各ステップで確認する。
// ステップは前のステップが残した状態に依存するため、順序を入れ替えてはならない。
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

// Peeker はアダプターを経由せずにバックエンドの状態を直接読み出すクエリの集合。
// 見つからない場合は(nil, nil)を返すこと。
type Peeker interface {
	User(ctx context.Context, id string) (*model.User, error)
	Session(ctx context.Context, sessionToken string) (*model.Session, error)
	Account(ctx context.Context, provider, providerAccountID string) (*model.Account, error)
	VerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error)
}

// PeekerFuncs はクロージャからPeekerを組み立てる。
type PeekerFuncs struct {
	UserFunc              func(ctx context.Context, id string) (*model.User, error)
	SessionFunc           func(ctx context.Context, sessionToken string) (*model.Session, error)
	AccountFunc           func(ctx context.Context, provider, providerAccountID string) (*model.Account, error)
	VerificationTokenFunc func(ctx context.Context, identifier, token string) (*model.VerificationToken, error)
}

// User はUserFuncを呼び出す。
func (p PeekerFuncs) User(ctx context.Context, id string) (*model.User, error) {
	return p.UserFunc(ctx, id)
}

// Session はSessionFuncを呼び出す。
func (p PeekerFuncs) Session(ctx context.Context, sessionToken string) (*model.Session, error) {
	return p.SessionFunc(ctx, sessionToken)
}

// Account はAccountFuncを呼び出す。
func (p PeekerFuncs) Account(ctx context.Context, provider, providerAccountID string) (*model.Account, error) {
	return p.AccountFunc(ctx, provider, providerAccountID)
}

// VerificationToken はVerificationTokenFuncを呼び出す。
func (p PeekerFuncs) VerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	return p.VerificationTokenFunc(ctx, identifier, token)
}

// Options はハーネスの入力。
type Options struct {
	// Adapter は検証対象のアダプター。
	Adapter adapter.Adapter
	// DB はバックエンドを直接参照するクエリ。
	DB Peeker
	// Connect はハーネス開始前に1回だけ呼ばれる（任意）。
	Connect func(ctx context.Context) error
	// Disconnect はハーネス終了後に1回だけ呼ばれる（任意）。
	Disconnect func(ctx context.Context) error
	// Now はフィクスチャの基準時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Run は契約の全ステップを順番にサブテストとして実行する。
// いずれかのステップが失敗した場合、後続のステップは状態に依存するため中断する。
func Run(t *testing.T, opts Options) {
	t.Helper()

	if opts.Adapter == nil {
		t.Fatal("conformance: Adapter is required")
	}
	if opts.DB == nil {
		t.Fatal("conformance: DB peeker is required")
	}

	ctx := context.Background()

	if opts.Connect != nil {
		if err := opts.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if opts.Disconnect != nil {
		t.Cleanup(func() {
			if err := opts.Disconnect(ctx); err != nil {
				t.Errorf("disconnect: %v", err)
			}
		})
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	s := &state{
		adapter: opts.Adapter,
		db:      opts.DB,
		fx:      newFixtures(now()),
	}

	for _, st := range steps {
		ok := t.Run(st.name, func(t *testing.T) {
			st.run(ctx, t, s)
		})
		if !ok {
			t.Fatalf("step %q failed; aborting the remaining steps", st.name)
		}
	}
}
