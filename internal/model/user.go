// Package model は認証ライブラリが永続化するドメインモデルを定義する。
package model

import "time"

// User は認証対象のユーザーを表す。
// Name、Image、EmailVerifiedは任意項目で、未設定の場合はnilのまま保持される。
type User struct {
	ID            string
	Email         string
	Name          *string
	Image         *string
	EmailVerified *time.Time
}

// UserPatch はUpdateUserに渡す部分更新を表す。
// IDは必須。nilのフィールドは変更しない。
//
// nilが「変更なし」を意味するため、設定済みのName、Image、EmailVerifiedを
// 未設定（nil）に戻すことはできない。空文字列へのポインタを渡すと空文字列で上書きする。
// 各バックエンドの更新処理も同じ前提で、SQLはCOALESCEで既存値を残す。
type UserPatch struct {
	ID            string
	Email         *string
	Name          *string
	Image         *string
	EmailVerified *time.Time
}

// Apply はパッチをユーザーに適用した結果を返す。元のユーザーは変更しない。
func (p UserPatch) Apply(u User) User {
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Name != nil {
		u.Name = String(*p.Name)
	}
	if p.Image != nil {
		u.Image = String(*p.Image)
	}
	if p.EmailVerified != nil {
		u.EmailVerified = Time(*p.EmailVerified)
	}
	return u
}

// Clone はポインタフィールドを複製したコピーを返す。
func (u User) Clone() User {
	u.Name = clonePtr(u.Name)
	u.Image = clonePtr(u.Image)
	u.EmailVerified = clonePtr(u.EmailVerified)
	return u
}
