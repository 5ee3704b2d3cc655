package mongo

import (
	"time"

	"github.com/hitoshi/authstore/internal/model"
)

// コレクション名
const (
	usersCollection              = "users"
	accountsCollection           = "accounts"
	sessionsCollection           = "sessions"
	verificationTokensCollection = "verification_tokens"
)

// 任意項目はomitemptyで未設定のまま保存し、読み出し時にnilへ戻す。
type userDoc struct {
	ID            string     `bson:"_id"`
	Email         string     `bson:"email"`
	Name          *string    `bson:"name,omitempty"`
	Image         *string    `bson:"image,omitempty"`
	EmailVerified *time.Time `bson:"email_verified,omitempty"`
}

func newUserDoc(u model.User) userDoc {
	return userDoc{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Image:         u.Image,
		EmailVerified: model.NormalizeTimePtr(u.EmailVerified),
	}
}

func (d userDoc) toModel() *model.User {
	return &model.User{
		ID:            d.ID,
		Email:         d.Email,
		Name:          d.Name,
		Image:         d.Image,
		EmailVerified: model.NormalizeTimePtr(d.EmailVerified),
	}
}

type accountDoc struct {
	ID                string  `bson:"_id"`
	UserID            string  `bson:"user_id"`
	Type              string  `bson:"type"`
	Provider          string  `bson:"provider"`
	ProviderAccountID string  `bson:"provider_account_id"`
	AccessToken       *string `bson:"access_token,omitempty"`
	RefreshToken      *string `bson:"refresh_token,omitempty"`
	ExpiresAt         *int64  `bson:"expires_at,omitempty"`
	IDToken           *string `bson:"id_token,omitempty"`
	TokenType         *string `bson:"token_type,omitempty"`
	Scope             *string `bson:"scope,omitempty"`
	SessionState      *string `bson:"session_state,omitempty"`
}

func newAccountDoc(a model.Account) accountDoc {
	return accountDoc{
		ID:                a.ID,
		UserID:            a.UserID,
		Type:              string(a.Type),
		Provider:          a.Provider,
		ProviderAccountID: a.ProviderAccountID,
		AccessToken:       a.AccessToken,
		RefreshToken:      a.RefreshToken,
		ExpiresAt:         a.ExpiresAt,
		IDToken:           a.IDToken,
		TokenType:         a.TokenType,
		Scope:             a.Scope,
		SessionState:      a.SessionState,
	}
}

func (d accountDoc) toModel() *model.Account {
	return &model.Account{
		ID:                d.ID,
		UserID:            d.UserID,
		Type:              model.AccountType(d.Type),
		Provider:          d.Provider,
		ProviderAccountID: d.ProviderAccountID,
		AccessToken:       d.AccessToken,
		RefreshToken:      d.RefreshToken,
		ExpiresAt:         d.ExpiresAt,
		IDToken:           d.IDToken,
		TokenType:         d.TokenType,
		Scope:             d.Scope,
		SessionState:      d.SessionState,
	}
}

// sessionDoc はセッショントークンを_idとして保存する。
type sessionDoc struct {
	SessionToken string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	Expires      time.Time `bson:"expires"`
}

func (d sessionDoc) toModel() *model.Session {
	return &model.Session{
		SessionToken: d.SessionToken,
		UserID:       d.UserID,
		Expires:      model.NormalizeTime(d.Expires),
	}
}

type verificationTokenDoc struct {
	Identifier string    `bson:"identifier"`
	Token      string    `bson:"token"`
	Expires    time.Time `bson:"expires"`
}

func (d verificationTokenDoc) toModel() *model.VerificationToken {
	return &model.VerificationToken{
		Identifier: d.Identifier,
		Token:      d.Token,
		Expires:    model.NormalizeTime(d.Expires),
	}
}
