package model

import "time"

// Session はブラウザのログインセッションを表す。
// SessionTokenが検索キー。
type Session struct {
	SessionToken string
	UserID       string
	Expires      time.Time
}

// SessionPatch はUpdateSessionに渡す部分更新を表す。
// SessionTokenは必須。nilのフィールドは変更しない。
type SessionPatch struct {
	SessionToken string
	UserID       *string
	Expires      *time.Time
}

// Apply はパッチをセッションに適用した結果を返す。
func (p SessionPatch) Apply(s Session) Session {
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.Expires != nil {
		s.Expires = *p.Expires
	}
	return s
}

// SessionAndUser はセッションとその所有ユーザーの組を表す。
type SessionAndUser struct {
	Session Session
	User    User
}

// VerificationToken はメールリンク認証用の使い捨てトークンを表す。
// Tokenは呼び出し側でハッシュ化済みの値を保持する。
// (Identifier, Token)の組が一意な検索キー。
type VerificationToken struct {
	Identifier string
	Token      string
	Expires    time.Time
}
