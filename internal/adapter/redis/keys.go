package redis

import (
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/authstore/internal/model"
)

// キー構成
//
//	user:"{id}"                     ユーザーのハッシュ
//	user-email:"{email}"            メールアドレス -> ユーザーID
//	user-accounts:"{id}"            所有アカウントのキー集合
//	user-sessions:"{id}"            所有セッショントークン集合
//	account:"{provider}":"{pid}"    アカウントのハッシュ
//	session:"{token}"               セッションのハッシュ
//	vt:"{identifier}":"{token}"     検証トークンの有効期限（エポックミリ秒）
//
// 各要素はstrconv.Quoteで引用する。引用済みの文字列は自身の終端を持つため、
// 要素に":"が含まれていても別の組み合わせと同じキーにはならない。
func userKey(id string) string               { return compositeKey("user", id) }
func userEmailKey(email string) string       { return compositeKey("user-email", email) }
func userAccountsKey(id string) string       { return compositeKey("user-accounts", id) }
func userSessionsKey(id string) string       { return compositeKey("user-sessions", id) }
func sessionKey(token string) string         { return compositeKey("session", token) }
func accountKey(provider, pid string) string { return compositeKey("account", provider, pid) }
func verificationTokenKey(identifier, token string) string {
	return compositeKey("vt", identifier, token)
}

func compositeKey(prefix string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strconv.Quote(p))
	}
	return b.String()
}

// ハッシュのフィールド名
const (
	fieldID                = "id"
	fieldEmail             = "email"
	fieldName              = "name"
	fieldImage             = "image"
	fieldEmailVerified     = "email_verified"
	fieldUserID            = "user_id"
	fieldType              = "type"
	fieldProvider          = "provider"
	fieldProviderAccountID = "provider_account_id"
	fieldAccessToken       = "access_token"
	fieldRefreshToken      = "refresh_token"
	fieldExpiresAt         = "expires_at"
	fieldIDToken           = "id_token"
	fieldTokenType         = "token_type"
	fieldScope             = "scope"
	fieldSessionState      = "session_state"
	fieldSessionToken      = "session_token"
	fieldExpires           = "expires"
)

func formatMillis(t time.Time) string {
	return strconv.FormatInt(model.NormalizeTime(t).UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// putString はnilでない値のみをフィールドに設定する。
func putString(fields map[string]any, name string, v *string) {
	if v != nil {
		fields[name] = *v
	}
}

func optString(h map[string]string, name string) *string {
	v, ok := h[name]
	if !ok {
		return nil
	}
	return model.String(v)
}

func userFields(u model.User) map[string]any {
	fields := map[string]any{
		fieldID:    u.ID,
		fieldEmail: u.Email,
	}
	putString(fields, fieldName, u.Name)
	putString(fields, fieldImage, u.Image)
	if u.EmailVerified != nil {
		fields[fieldEmailVerified] = formatMillis(*u.EmailVerified)
	}
	return fields
}

func userFromHash(h map[string]string) (*model.User, error) {
	u := &model.User{
		ID:    h[fieldID],
		Email: h[fieldEmail],
		Name:  optString(h, fieldName),
		Image: optString(h, fieldImage),
	}
	if v, ok := h[fieldEmailVerified]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, err
		}
		u.EmailVerified = &t
	}
	return u, nil
}

func accountFields(a model.Account) map[string]any {
	fields := map[string]any{
		fieldID:                a.ID,
		fieldUserID:            a.UserID,
		fieldType:              string(a.Type),
		fieldProvider:          a.Provider,
		fieldProviderAccountID: a.ProviderAccountID,
	}
	putString(fields, fieldAccessToken, a.AccessToken)
	putString(fields, fieldRefreshToken, a.RefreshToken)
	if a.ExpiresAt != nil {
		fields[fieldExpiresAt] = strconv.FormatInt(*a.ExpiresAt, 10)
	}
	putString(fields, fieldIDToken, a.IDToken)
	putString(fields, fieldTokenType, a.TokenType)
	putString(fields, fieldScope, a.Scope)
	putString(fields, fieldSessionState, a.SessionState)
	return fields
}

func accountFromHash(h map[string]string) (*model.Account, error) {
	a := &model.Account{
		ID:                h[fieldID],
		UserID:            h[fieldUserID],
		Type:              model.AccountType(h[fieldType]),
		Provider:          h[fieldProvider],
		ProviderAccountID: h[fieldProviderAccountID],
		AccessToken:       optString(h, fieldAccessToken),
		RefreshToken:      optString(h, fieldRefreshToken),
		IDToken:           optString(h, fieldIDToken),
		TokenType:         optString(h, fieldTokenType),
		Scope:             optString(h, fieldScope),
		SessionState:      optString(h, fieldSessionState),
	}
	if v, ok := h[fieldExpiresAt]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		a.ExpiresAt = &n
	}
	return a, nil
}

func sessionFromHash(h map[string]string) (*model.Session, error) {
	expires, err := parseMillis(h[fieldExpires])
	if err != nil {
		return nil, err
	}
	return &model.Session{
		SessionToken: h[fieldSessionToken],
		UserID:       h[fieldUserID],
		Expires:      expires,
	}, nil
}
