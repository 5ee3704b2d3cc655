package model

import (
	"errors"
	"fmt"
)

// 呼び出し側がerrors.Isで分岐するためのセンチネルエラー。
// 読み取り系操作の「見つからない」はエラーではなく(nil, nil)で表す。
var (
	ErrNotFound            = errors.New("not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrPrecondition        = errors.New("precondition failed")
)

// 定義済みエラーコード
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodePrecondition        = "PRECONDITION_FAILED"
)

// StoreError はアダプターが返す分類済みエラーを表す。
// Errにはストア固有の元エラーを保持する（存在する場合）。
type StoreError struct {
	Code    string // エラーコード
	Entity  string // 対象エンティティ: user, account, session, verification_token
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はストア固有の元エラーを返す。
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is はエラーコードに対応するセンチネルとの一致を判定する。
func (e *StoreError) Is(target error) bool {
	switch e.Code {
	case ErrCodeNotFound:
		return target == ErrNotFound
	case ErrCodeConstraintViolation:
		return target == ErrConstraintViolation
	case ErrCodePrecondition:
		return target == ErrPrecondition
	}
	return false
}

// NewConstraintError は一意制約違反エラーを生成する。
// keyは違反したキーの説明（例: "email"、"provider+providerAccountId"）。
func NewConstraintError(entity, key string, err error) *StoreError {
	return &StoreError{
		Code:    ErrCodeConstraintViolation,
		Entity:  entity,
		Message: fmt.Sprintf("%s with the same %s already exists", entity, key),
		Err:     err,
	}
}

// NewPreconditionError は必須キー欠落エラーを生成する。
// I/Oの前に返すこと。
func NewPreconditionError(entity, field string) *StoreError {
	return &StoreError{
		Code:    ErrCodePrecondition,
		Entity:  entity,
		Message: fmt.Sprintf("%s %s is required", entity, field),
	}
}

// NewNotFoundError は更新対象が存在しない場合のエラーを生成する。
func NewNotFoundError(entity, key string) *StoreError {
	return &StoreError{
		Code:    ErrCodeNotFound,
		Entity:  entity,
		Message: fmt.Sprintf("%s not found: %s", entity, key),
	}
}

// エンティティ名
const (
	EntityUser              = "user"
	EntityAccount           = "account"
	EntitySession           = "session"
	EntityVerificationToken = "verification_token"
)
