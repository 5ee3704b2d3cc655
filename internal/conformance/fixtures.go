package conformance

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/model"
)

// fixtures はハーネスが投入するレコードの雛形。
// 時刻はすべてUTCのミリ秒精度に揃えておく。
type fixtures struct {
	user              model.User
	session           model.Session
	account           model.Account
	verificationToken model.VerificationToken
	now               time.Time
}

func newFixtures(now time.Time) fixtures {
	now = model.NormalizeTime(now)

	return fixtures{
		now: now,
		user: model.User{
			Email:         "fill@murray.com",
			Name:          model.String("Fill Murray"),
			Image:         model.String("https://www.fillmurray.com/460/300"),
			EmailVerified: model.Time(now),
		},
		session: model.Session{
			SessionToken: uuid.NewString(),
			Expires:      now.Add(24 * time.Hour),
		},
		account: model.Account{
			Type:              model.AccountTypeOAuth,
			Provider:          "github",
			ProviderAccountID: uuid.NewString(),
			AccessToken:       model.String(uuid.NewString()),
			RefreshToken:      model.String(uuid.NewString()),
			ExpiresAt:         model.Int64(now.Add(time.Hour).Unix()),
			TokenType:         model.String("bearer"),
			Scope:             model.String("user:email read:user"),
		},
		verificationToken: model.VerificationToken{
			Identifier: "info@example.com",
			Token:      hashToken(uuid.NewString()),
			Expires:    now.Add(15 * time.Minute),
		},
	}
}

// hashToken は呼び出し側が行うトークンのハッシュ化を模したSHA-256の16進表現を返す。
func hashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// state はステップ間で引き継ぐ状態。
type state struct {
	adapter adapter.Adapter
	db      Peeker
	fx      fixtures

	user              model.User
	session           model.Session
	account           model.Account
	verificationToken model.VerificationToken

	// 拡張プロパティ検証で作成するレコード
	other        model.User
	otherSession model.Session
	otherAccount model.Account
	otherToken   model.VerificationToken
}
