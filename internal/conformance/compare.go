package conformance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authstore/internal/model"
)

// absent は未設定の任意項目を表す表示値。
// 空文字列と区別するため、値はクォートして表示する。
const absent = "<absent>"

type fields map[string]string

func str(s string) string { return strconv.Quote(s) }

func strPtr(s *string) string {
	if s == nil {
		return absent
	}
	return strconv.Quote(*s)
}

func int64Ptr(v *int64) string {
	if v == nil {
		return absent
	}
	return strconv.FormatInt(*v, 10)
}

func timeVal(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtr(t *time.Time) string {
	if t == nil {
		return absent
	}
	return timeVal(*t)
}

func userFields(u *model.User) fields {
	return fields{
		"id":            str(u.ID),
		"email":         str(u.Email),
		"name":          strPtr(u.Name),
		"image":         strPtr(u.Image),
		"emailVerified": timePtr(u.EmailVerified),
	}
}

func sessionFields(s *model.Session) fields {
	return fields{
		"sessionToken": str(s.SessionToken),
		"userId":       str(s.UserID),
		"expires":      timeVal(s.Expires),
	}
}

func accountFields(a *model.Account) fields {
	return fields{
		"id":                str(a.ID),
		"userId":            str(a.UserID),
		"type":              str(string(a.Type)),
		"provider":          str(a.Provider),
		"providerAccountId": str(a.ProviderAccountID),
		"access_token":      strPtr(a.AccessToken),
		"refresh_token":     strPtr(a.RefreshToken),
		"expires_at":        int64Ptr(a.ExpiresAt),
		"id_token":          strPtr(a.IDToken),
		"token_type":        strPtr(a.TokenType),
		"scope":             strPtr(a.Scope),
		"session_state":     strPtr(a.SessionState),
	}
}

func verificationTokenFields(v *model.VerificationToken) fields {
	return fields{
		"identifier": str(v.Identifier),
		"token":      str(v.Token),
		"expires":    timeVal(v.Expires),
	}
}

// diff は一致しないフィールドを "name: got X, want Y" の形式で返す。
func diff(got, want fields) []string {
	var out []string
	for k, w := range want {
		if g := got[k]; g != w {
			out = append(out, fmt.Sprintf("%s: got %s, want %s", k, g, w))
		}
	}
	sort.Strings(out)
	return out
}

func report(t *testing.T, what string, got, want fields) {
	t.Helper()
	if d := diff(got, want); len(d) > 0 {
		t.Errorf("%s mismatch:\n  %s", what, strings.Join(d, "\n  "))
	}
}

func assertUser(t *testing.T, what string, got *model.User, want model.User) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got no user, want %v", what, userFields(&want))
	}
	report(t, what, userFields(got), userFields(&want))
}

func assertSession(t *testing.T, what string, got *model.Session, want model.Session) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got no session, want %v", what, sessionFields(&want))
	}
	report(t, what, sessionFields(got), sessionFields(&want))
}

func assertAccount(t *testing.T, what string, got *model.Account, want model.Account) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got no account, want %v", what, accountFields(&want))
	}
	report(t, what, accountFields(got), accountFields(&want))
}

func assertVerificationToken(t *testing.T, what string, got *model.VerificationToken, want model.VerificationToken) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got no verification token, want %v", what, verificationTokenFields(&want))
	}
	report(t, what, verificationTokenFields(got), verificationTokenFields(&want))
}

func assertNoErr(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", what, err)
	}
}

func assertNil[T any](t *testing.T, what string, got *T, err error) {
	t.Helper()
	assertNoErr(t, what, err)
	if got != nil {
		t.Fatalf("%s: expected not found, got %+v", what, *got)
	}
}
