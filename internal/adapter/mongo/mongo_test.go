package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mgo "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/hitoshi/authstore/internal/conformance"
	"github.com/hitoshi/authstore/internal/model"
)

// setupTestStore はTEST_MONGODB_URIのサーバーに空のデータベースを用意する。
// 接続できない場合はスキップする。
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("TEST_MONGODB_URI が未設定のためスキップ")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, uri, "authstore_test")
	if err != nil {
		t.Skipf("テスト用MongoDBに接続できません（スキップ）: %v", err)
	}
	if err := store.Drop(ctx); err != nil {
		store.Close()
		t.Fatalf("データベースの削除に失敗: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		store.Close()
		t.Fatalf("インデックス作成に失敗: %v", err)
	}
	return store
}

func findOne[T any](ctx context.Context, coll *mgo.Collection, filter bson.D) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// rawPeeker はアダプターを経由せずにコレクションを直接参照する。
func rawPeeker(s *Store) conformance.Peeker {
	return conformance.PeekerFuncs{
		UserFunc: func(ctx context.Context, id string) (*model.User, error) {
			doc, err := findOne[userDoc](ctx, s.users, bson.D{{Key: "_id", Value: id}})
			if doc == nil || err != nil {
				return nil, err
			}
			return doc.toModel(), nil
		},
		SessionFunc: func(ctx context.Context, token string) (*model.Session, error) {
			doc, err := findOne[sessionDoc](ctx, s.sessions, bson.D{{Key: "_id", Value: token}})
			if doc == nil || err != nil {
				return nil, err
			}
			return doc.toModel(), nil
		},
		AccountFunc: func(ctx context.Context, provider, providerAccountID string) (*model.Account, error) {
			doc, err := findOne[accountDoc](ctx, s.accounts, accountFilter(provider, providerAccountID))
			if doc == nil || err != nil {
				return nil, err
			}
			return doc.toModel(), nil
		},
		VerificationTokenFunc: func(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
			doc, err := findOne[verificationTokenDoc](ctx, s.verificationTokens, bson.D{
				{Key: "identifier", Value: identifier},
				{Key: "token", Value: token},
			})
			if doc == nil || err != nil {
				return nil, err
			}
			return doc.toModel(), nil
		},
	}
}

func TestStore_Conformance(t *testing.T) {
	store := setupTestStore(t)
	conformance.Run(t, conformance.Options{
		Adapter:    store,
		DB:         rawPeeker(store),
		Disconnect: func(ctx context.Context) error { return store.Close() },
	})
}

func TestStore_DeleteExpired(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	user, err := store.CreateUser(ctx, &model.User{Email: "expired@example.com"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	store.CreateSession(ctx, &model.Session{SessionToken: "old", UserID: user.ID, Expires: now.Add(-time.Minute)})
	store.CreateSession(ctx, &model.Session{SessionToken: "live", UserID: user.ID, Expires: now.Add(time.Hour)})

	res, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if res.Sessions != 1 || res.VerificationTokens != 0 {
		t.Errorf("DeleteExpired = %+v, want 1 session and 0 tokens", res)
	}
}

// ドキュメント変換で任意項目の有無が保たれることを検証（接続不要）
func TestUserDoc_KeepsAbsentFields(t *testing.T) {
	verified := time.Date(2024, 1, 2, 3, 4, 5, 678901234, time.FixedZone("JST", 9*60*60))
	in := model.User{ID: "u1", Email: "a@example.com", EmailVerified: &verified}

	out := newUserDoc(in).toModel()
	if out.Name != nil || out.Image != nil {
		t.Errorf("absent fields should stay nil: %+v", out)
	}
	want := model.NormalizeTime(verified)
	if out.EmailVerified == nil || !out.EmailVerified.Equal(want) || out.EmailVerified.Location() != time.UTC {
		t.Errorf("EmailVerified = %v, want %v", out.EmailVerified, want)
	}

	raw, err := bson.Marshal(newUserDoc(in))
	if err != nil {
		t.Fatalf("bson.Marshal: %v", err)
	}
	if _, err := bson.Raw(raw).LookupErr("name"); err == nil {
		t.Error("nil name should be omitted from the document")
	}
}

func TestAccountDoc_RoundTrip(t *testing.T) {
	in := model.Account{
		ID:                "a1",
		UserID:            "u1",
		Type:              model.AccountTypeOIDC,
		Provider:          "google",
		ProviderAccountID: "123",
		IDToken:           model.String("id-token"),
		ExpiresAt:         model.Int64(1700000000),
	}
	out := newAccountDoc(in).toModel()
	if out.Type != model.AccountTypeOIDC || *out.IDToken != "id-token" || *out.ExpiresAt != 1700000000 {
		t.Errorf("toModel = %+v", out)
	}
	if out.AccessToken != nil {
		t.Errorf("AccessToken should stay nil, got %v", *out.AccessToken)
	}
}

func TestClassify(t *testing.T) {
	dup := mgo.WriteException{WriteErrors: []mgo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	if err := classify(dup, model.EntityUser, "email", "failed"); !errors.Is(err, model.ErrConstraintViolation) {
		t.Errorf("duplicate key should be a constraint violation: %v", err)
	}
	if err := classify(errors.New("boom"), model.EntityUser, "email", "failed"); errors.Is(err, model.ErrConstraintViolation) {
		t.Errorf("plain error should not be a constraint violation: %v", err)
	}
}
