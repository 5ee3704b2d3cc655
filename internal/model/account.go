package model

// AccountType は外部IdPとの紐付け方式を表す。
type AccountType string

const (
	// AccountTypeOAuth はOAuth 2.0プロバイダーによる紐付け。
	AccountTypeOAuth AccountType = "oauth"
	// AccountTypeOIDC はOpenID Connectプロバイダーによる紐付け。
	AccountTypeOIDC AccountType = "oidc"
	// AccountTypeEmail はメールリンク認証による紐付け。
	AccountTypeEmail AccountType = "email"
	// AccountTypeCredentials はID/パスワード認証による紐付け。
	AccountTypeCredentials AccountType = "credentials"
)

// Valid は既知のAccountTypeかどうかを返す。
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeOAuth, AccountTypeOIDC, AccountTypeEmail, AccountTypeCredentials:
		return true
	}
	return false
}

// Account はユーザーと外部IdPの紐付けを表す。
// (Provider, ProviderAccountID)の組がグローバルに一意な検索キーとなる。
// ExpiresAtはアクセストークンの有効期限をUNIXエポック秒で保持する。
type Account struct {
	ID                string
	UserID            string
	Type              AccountType
	Provider          string
	ProviderAccountID string
	AccessToken       *string
	RefreshToken      *string
	ExpiresAt         *int64
	IDToken           *string
	TokenType         *string
	Scope             *string
	SessionState      *string
}

// Clone はポインタフィールドを複製したコピーを返す。
func (a Account) Clone() Account {
	a.AccessToken = clonePtr(a.AccessToken)
	a.RefreshToken = clonePtr(a.RefreshToken)
	a.ExpiresAt = clonePtr(a.ExpiresAt)
	a.IDToken = clonePtr(a.IDToken)
	a.TokenType = clonePtr(a.TokenType)
	a.Scope = clonePtr(a.Scope)
	a.SessionState = clonePtr(a.SessionState)
	return a
}
