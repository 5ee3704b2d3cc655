// Package mongo はMongoDB（mongo-driver v2）を使用したアダプター実装を提供する。
//
// 一意性はユニークインデックスで保証し、検証トークンの消費はFindOneAndDeleteで
// 1回だけ成功させる。DeleteUserの連鎖削除はセッション、アカウント、ユーザーの順に行う。
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mgo "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

const disconnectTimeout = 10 * time.Second

// Store はMongoDBを使用したアダプター。
type Store struct {
	client *mgo.Client
	db     *mgo.Database

	users              *mgo.Collection
	accounts           *mgo.Collection
	sessions           *mgo.Collection
	verificationTokens *mgo.Collection

	newID func() string
}

// Open はuriのMongoDBに接続し、dbNameのデータベースにインデックスを作成する。
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mgo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := New(client, dbName)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New は接続済みクライアントからStoreを生成する。インデックスは作成しない。
func New(client *mgo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		client:             client,
		db:                 db,
		users:              db.Collection(usersCollection),
		accounts:           db.Collection(accountsCollection),
		sessions:           db.Collection(sessionsCollection),
		verificationTokens: db.Collection(verificationTokensCollection),
		newID:              uuid.NewString,
	}
}

// EnsureIndexes は一意制約と検索用のインデックスを作成する。既存の場合は何もしない。
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mgo.Collection
		model mgo.IndexModel
	}{
		{s.users, mgo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.accounts, mgo.IndexModel{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "provider_account_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.accounts, mgo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}},
		{s.sessions, mgo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}},
		{s.sessions, mgo.IndexModel{Keys: bson.D{{Key: "expires", Value: 1}}}},
		{s.verificationTokens, mgo.IndexModel{
			Keys:    bson.D{{Key: "identifier", Value: 1}, {Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.verificationTokens, mgo.IndexModel{Keys: bson.D{{Key: "expires", Value: 1}}}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// Drop はデータベースを削除する。テストの初期化に使用する。
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// Ping はMongoDBへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close はクライアントを切断する。
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateUser はユーザーを作成する。
func (s *Store) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	u := *user
	if u.ID == "" {
		u.ID = s.newID()
	}

	doc := newUserDoc(u)
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to create user")
	}
	return doc.toModel(), nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.findUser(ctx, bson.D{{Key: "_id", Value: id}})
}

// GetUserByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.findUser(ctx, bson.D{{Key: "email", Value: email}})
}

func (s *Store) findUser(ctx context.Context, filter bson.D) (*model.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return doc.toModel(), nil
}

// GetUserByAccount はアカウントを引いてから所有ユーザーを取得する。
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*model.User, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, accountFilter(provider, providerAccountID)).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return s.GetUser(ctx, doc.UserID)
}

// UpdateUser はパッチで指定された項目のみを$setで更新する。
func (s *Store) UpdateUser(ctx context.Context, patch model.UserPatch) (*model.User, error) {
	if patch.ID == "" {
		return nil, model.NewPreconditionError(model.EntityUser, "id")
	}

	set := bson.D{}
	if patch.Email != nil {
		set = append(set, bson.E{Key: "email", Value: *patch.Email})
	}
	if patch.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *patch.Name})
	}
	if patch.Image != nil {
		set = append(set, bson.E{Key: "image", Value: *patch.Image})
	}
	if patch.EmailVerified != nil {
		set = append(set, bson.E{Key: "email_verified", Value: model.NormalizeTime(*patch.EmailVerified)})
	}

	filter := bson.D{{Key: "_id", Value: patch.ID}}
	var doc userDoc
	var err error
	if len(set) == 0 {
		err = s.users.FindOne(ctx, filter).Decode(&doc)
	} else {
		err = s.users.FindOneAndUpdate(ctx, filter,
			bson.D{{Key: "$set", Value: set}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
	}
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, model.NewNotFoundError(model.EntityUser, patch.ID)
	}
	if err != nil {
		return nil, classify(err, model.EntityUser, "email", "failed to update user")
	}
	return doc.toModel(), nil
}

// DeleteUser はユーザーが所有するセッションとアカウントを削除してからユーザーを削除する。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	owned := bson.D{{Key: "user_id", Value: id}}
	if _, err := s.sessions.DeleteMany(ctx, owned); err != nil {
		return fmt.Errorf("failed to delete sessions of user: %w", err)
	}
	if _, err := s.accounts.DeleteMany(ctx, owned); err != nil {
		return fmt.Errorf("failed to delete accounts of user: %w", err)
	}
	if _, err := s.users.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// LinkAccount はアカウントを紐付ける。
func (s *Store) LinkAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	a := account.Clone()
	if a.ID == "" {
		a.ID = s.newID()
	}

	doc := newAccountDoc(a)
	if _, err := s.accounts.InsertOne(ctx, doc); err != nil {
		return nil, classify(err, model.EntityAccount, "provider+providerAccountId", "failed to link account")
	}
	return doc.toModel(), nil
}

// UnlinkAccount はアカウントの紐付けを解除する。
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	if _, err := s.accounts.DeleteOne(ctx, accountFilter(provider, providerAccountID)); err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	return nil
}

func accountFilter(provider, providerAccountID string) bson.D {
	return bson.D{
		{Key: "provider", Value: provider},
		{Key: "provider_account_id", Value: providerAccountID},
	}
}

// CreateSession はセッションを作成する。
func (s *Store) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	doc := sessionDoc{
		SessionToken: session.SessionToken,
		UserID:       session.UserID,
		Expires:      model.NormalizeTime(session.Expires),
	}
	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		return nil, classify(err, model.EntitySession, "sessionToken", "failed to create session")
	}
	return doc.toModel(), nil
}

// GetSessionAndUser はセッションと所有ユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (*model.SessionAndUser, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: sessionToken}}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	user, err := s.GetUser(ctx, doc.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	return &model.SessionAndUser{Session: *doc.toModel(), User: *user}, nil
}

// UpdateSession はセッションを部分更新する。見つからない場合はnilを返す。
func (s *Store) UpdateSession(ctx context.Context, patch model.SessionPatch) (*model.Session, error) {
	if patch.SessionToken == "" {
		return nil, model.NewPreconditionError(model.EntitySession, "sessionToken")
	}

	set := bson.D{}
	if patch.UserID != nil {
		set = append(set, bson.E{Key: "user_id", Value: *patch.UserID})
	}
	if patch.Expires != nil {
		set = append(set, bson.E{Key: "expires", Value: model.NormalizeTime(*patch.Expires)})
	}

	filter := bson.D{{Key: "_id", Value: patch.SessionToken}}
	var doc sessionDoc
	var err error
	if len(set) == 0 {
		err = s.sessions.FindOne(ctx, filter).Decode(&doc)
	} else {
		err = s.sessions.FindOneAndUpdate(ctx, filter,
			bson.D{{Key: "$set", Value: set}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
	}
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return doc.toModel(), nil
}

// DeleteSession はセッションを削除する。
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: sessionToken}}); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CreateVerificationToken は検証トークンを保存する。
func (s *Store) CreateVerificationToken(ctx context.Context, token *model.VerificationToken) (*model.VerificationToken, error) {
	doc := verificationTokenDoc{
		Identifier: token.Identifier,
		Token:      token.Token,
		Expires:    model.NormalizeTime(token.Expires),
	}
	if _, err := s.verificationTokens.InsertOne(ctx, doc); err != nil {
		return nil, classify(err, model.EntityVerificationToken, "identifier+token", "failed to create verification token")
	}
	return doc.toModel(), nil
}

// UseVerificationToken は検証トークンをFindOneAndDeleteで取り出す。
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*model.VerificationToken, error) {
	var doc verificationTokenDoc
	err := s.verificationTokens.FindOneAndDelete(ctx, bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "token", Value: token},
	}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to use verification token: %w", err)
	}
	return doc.toModel(), nil
}

// DeleteExpired はnowより前に期限切れとなったセッションと検証トークンを削除する。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (adapter.PurgeResult, error) {
	var res adapter.PurgeResult
	expired := bson.D{{Key: "expires", Value: bson.D{{Key: "$lt", Value: now}}}}

	sessions, err := s.sessions.DeleteMany(ctx, expired)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	res.Sessions = sessions.DeletedCount

	tokens, err := s.verificationTokens.DeleteMany(ctx, expired)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired verification tokens: %w", err)
	}
	res.VerificationTokens = tokens.DeletedCount
	return res, nil
}

// classify は重複キーエラーをStoreErrorに変換し、それ以外はラップして返す。
func classify(err error, entity, key, msg string) error {
	if mgo.IsDuplicateKeyError(err) {
		return model.NewConstraintError(entity, key, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// compile-time interface check
var (
	_ adapter.Adapter = (*Store)(nil)
	_ adapter.Purger  = (*Store)(nil)
	_ adapter.Pinger  = (*Store)(nil)
)
