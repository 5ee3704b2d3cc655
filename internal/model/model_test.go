package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStoreError_IsMatchesSentinel(t *testing.T) {
	cause := errors.New("duplicate key")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"constraint", NewConstraintError(EntityUser, "email", cause), ErrConstraintViolation},
		{"precondition", NewPreconditionError(EntityUser, "id"), ErrPrecondition},
		{"not found", NewNotFoundError(EntityUser, "user-1"), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to do something: %w", tt.err)
			if !errors.Is(wrapped, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, tt.target)
			}
		})
	}
}

func TestStoreError_DoesNotMatchOtherSentinels(t *testing.T) {
	err := NewPreconditionError(EntitySession, "sessionToken")
	if errors.Is(err, ErrConstraintViolation) {
		t.Error("precondition error should not match ErrConstraintViolation")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("precondition error should not match ErrNotFound")
	}
}

func TestStoreError_UnwrapKeepsStoreError(t *testing.T) {
	cause := errors.New("pq: duplicate key value violates unique constraint")
	err := NewConstraintError(EntityAccount, "provider+providerAccountId", cause)

	if !errors.Is(err, cause) {
		t.Error("expected original store error to be reachable via errors.Is")
	}
}

func TestUserPatch_Apply(t *testing.T) {
	verified := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	u := User{ID: "user-1", Email: "a@example.com", Name: String("Old")}

	got := UserPatch{ID: "user-1", Name: String("New"), EmailVerified: &verified}.Apply(u)

	if got.Email != "a@example.com" {
		t.Errorf("Email = %q, want unchanged", got.Email)
	}
	if got.Name == nil || *got.Name != "New" {
		t.Errorf("Name = %v, want New", got.Name)
	}
	if got.Image != nil {
		t.Errorf("Image = %v, want nil", got.Image)
	}
	if got.EmailVerified == nil || !got.EmailVerified.Equal(verified) {
		t.Errorf("EmailVerified = %v, want %v", got.EmailVerified, verified)
	}
	if *u.Name != "Old" {
		t.Error("Apply must not mutate the original user")
	}
}

// nilのフィールドは既存値を残すため、任意項目を未設定に戻すことはできない。
func TestUserPatch_Apply_NilKeepsOptionalFields(t *testing.T) {
	verified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u := User{ID: "user-1", Email: "a@example.com", Name: String("Name"), Image: String("img"), EmailVerified: &verified}

	got := UserPatch{ID: "user-1"}.Apply(u)
	if got.Name == nil || *got.Name != "Name" || got.Image == nil || *got.Image != "img" || got.EmailVerified == nil {
		t.Errorf("empty patch changed optional fields: %+v", got)
	}

	// 空文字列は値として上書きされ、nilにはならない
	got = UserPatch{ID: "user-1", Name: String(""), Image: String("")}.Apply(u)
	if got.Name == nil || *got.Name != "" {
		t.Errorf("Name = %v, want empty string", got.Name)
	}
	if got.Image == nil || *got.Image != "" {
		t.Errorf("Image = %v, want empty string", got.Image)
	}
	if got.EmailVerified == nil || !got.EmailVerified.Equal(verified) {
		t.Errorf("EmailVerified = %v, want unchanged", got.EmailVerified)
	}
}

func TestSessionPatch_Apply_OnlyExpires(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	s := Session{SessionToken: "tok", UserID: "user-1", Expires: time.Now()}

	got := SessionPatch{SessionToken: "tok", Expires: &expires}.Apply(s)

	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}
	if !got.Expires.Equal(expires) {
		t.Errorf("Expires = %v, want %v", got.Expires, expires)
	}
}

func TestNormalizeTime_TruncatesToMillisecondsUTC(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	in := time.Date(2026, 10, 17, 9, 0, 0, 123_456_789, jst)

	got := NormalizeTime(in)

	if got.Location() != time.UTC {
		t.Errorf("Location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123_000_000 {
		t.Errorf("Nanosecond = %d, want 123000000", got.Nanosecond())
	}
	if !got.Equal(in.Truncate(time.Millisecond)) {
		t.Errorf("NormalizeTime changed the instant: %v vs %v", got, in)
	}
}

func TestClone_CopiesPointers(t *testing.T) {
	a := Account{Provider: "github", AccessToken: String("x"), ExpiresAt: Int64(10)}
	c := a.Clone()
	*c.AccessToken = "y"
	*c.ExpiresAt = 20

	if *a.AccessToken != "x" || *a.ExpiresAt != 10 {
		t.Error("Clone must not share pointer fields")
	}
}

func TestAccountType_Valid(t *testing.T) {
	for _, typ := range []AccountType{AccountTypeOAuth, AccountTypeOIDC, AccountTypeEmail, AccountTypeCredentials} {
		if !typ.Valid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if AccountType("saml").Valid() {
		t.Error("saml should not be valid")
	}
}
