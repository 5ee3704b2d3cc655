package conformance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authstore/internal/model"
)

type step struct {
	name string
	run  func(ctx context.Context, t *testing.T, s *state)
}

// steps は実行順に並べた検証ステップ。
// 1〜14が契約の基本シーケンス、それ以降は一意性・冪等性などの性質検証。
var steps = []step{
	{"01_CreateUser", createUser},
	{"02_GetUser", getUser},
	{"03_GetUserByEmail", getUserByEmail},
	{"04_CreateSession", createSession},
	{"05_GetSessionAndUser", getSessionAndUser},
	{"06_UpdateUser", updateUser},
	{"07_UpdateSession", updateSession},
	{"08_LinkAccount", linkAccount},
	{"09_GetUserByAccount", getUserByAccount},
	{"10_DeleteSession", deleteSession},
	{"11_CreateVerificationToken", createVerificationToken},
	{"12_UseVerificationToken", useVerificationToken},
	{"13_UnlinkAccount", unlinkAccount},
	{"14_DeleteUser", deleteUser},
	{"15_AbsentFieldsRoundTrip", absentFieldsRoundTrip},
	{"16_UniqueEmail", uniqueEmail},
	{"17_UniqueSessionToken", uniqueSessionToken},
	{"18_UniqueProviderAccount", uniqueProviderAccount},
	{"19_UniqueVerificationToken", uniqueVerificationToken},
	{"20_IdempotentDelete", idempotentDelete},
	{"21_Preconditions", preconditions},
	{"22_Cleanup", cleanup},
}

func createUser(ctx context.Context, t *testing.T, s *state) {
	in := s.fx.user.Clone()
	got, err := s.adapter.CreateUser(ctx, &in)
	assertNoErr(t, "CreateUser", err)
	if got == nil || got.ID == "" {
		t.Fatalf("CreateUser must return the stored user with a generated id, got %+v", got)
	}

	want := s.fx.user.Clone()
	want.ID = got.ID
	assertUser(t, "CreateUser result", got, want)

	raw, err := s.db.User(ctx, got.ID)
	assertNoErr(t, "peek user", err)
	assertUser(t, "stored user", raw, want)

	s.user = want
}

func getUser(ctx context.Context, t *testing.T, s *state) {
	missing, err := s.adapter.GetUser(ctx, uuid.NewString())
	assertNil(t, "GetUser(nonexistent)", missing, err)

	got, err := s.adapter.GetUser(ctx, s.user.ID)
	assertNoErr(t, "GetUser", err)
	assertUser(t, "GetUser", got, s.user)
}

func getUserByEmail(ctx context.Context, t *testing.T, s *state) {
	missing, err := s.adapter.GetUserByEmail(ctx, "nobody-"+uuid.NewString()+"@example.com")
	assertNil(t, "GetUserByEmail(nonexistent)", missing, err)

	got, err := s.adapter.GetUserByEmail(ctx, s.user.Email)
	assertNoErr(t, "GetUserByEmail", err)
	assertUser(t, "GetUserByEmail", got, s.user)
}

func createSession(ctx context.Context, t *testing.T, s *state) {
	in := s.fx.session
	in.UserID = s.user.ID

	got, err := s.adapter.CreateSession(ctx, &in)
	assertNoErr(t, "CreateSession", err)
	assertSession(t, "CreateSession result", got, in)

	raw, err := s.db.Session(ctx, in.SessionToken)
	assertNoErr(t, "peek session", err)
	assertSession(t, "stored session", raw, in)

	s.session = in
}

func getSessionAndUser(ctx context.Context, t *testing.T, s *state) {
	missing, err := s.adapter.GetSessionAndUser(ctx, uuid.NewString())
	assertNil(t, "GetSessionAndUser(invalid token)", missing, err)

	got, err := s.adapter.GetSessionAndUser(ctx, s.session.SessionToken)
	assertNoErr(t, "GetSessionAndUser", err)
	if got == nil {
		t.Fatal("GetSessionAndUser: expected session and user, got not found")
	}
	assertSession(t, "GetSessionAndUser session", &got.Session, s.session)
	assertUser(t, "GetSessionAndUser user", &got.User, s.user)
}

func updateUser(ctx context.Context, t *testing.T, s *state) {
	want := s.user.Clone()
	want.Name = model.String("Updated Name")

	got, err := s.adapter.UpdateUser(ctx, model.UserPatch{ID: s.user.ID, Name: model.String("Updated Name")})
	assertNoErr(t, "UpdateUser", err)
	assertUser(t, "UpdateUser result", got, want)

	raw, err := s.db.User(ctx, s.user.ID)
	assertNoErr(t, "peek user", err)
	assertUser(t, "stored user after update", raw, want)

	s.user = want
}

func updateSession(ctx context.Context, t *testing.T, s *state) {
	expires := s.session.Expires.Add(-time.Hour)
	want := s.session
	want.Expires = expires

	got, err := s.adapter.UpdateSession(ctx, model.SessionPatch{
		SessionToken: s.session.SessionToken,
		Expires:      &expires,
	})
	assertNoErr(t, "UpdateSession", err)
	assertSession(t, "UpdateSession result", got, want)

	raw, err := s.db.Session(ctx, s.session.SessionToken)
	assertNoErr(t, "peek session", err)
	assertSession(t, "stored session after update", raw, want)

	s.session = want
}

func linkAccount(ctx context.Context, t *testing.T, s *state) {
	in := s.fx.account.Clone()
	in.UserID = s.user.ID

	got, err := s.adapter.LinkAccount(ctx, &in)
	assertNoErr(t, "LinkAccount", err)
	if got == nil || got.ID == "" {
		t.Fatalf("LinkAccount must return the stored account with an id, got %+v", got)
	}
	want := in.Clone()
	want.ID = got.ID
	assertAccount(t, "LinkAccount result", got, want)

	raw, err := s.db.Account(ctx, in.Provider, in.ProviderAccountID)
	assertNoErr(t, "peek account", err)
	assertAccount(t, "stored account", raw, want)

	s.account = want
}

func getUserByAccount(ctx context.Context, t *testing.T, s *state) {
	missing, err := s.adapter.GetUserByAccount(ctx, s.account.Provider, uuid.NewString())
	assertNil(t, "GetUserByAccount(invalid pair)", missing, err)

	missing, err = s.adapter.GetUserByAccount(ctx, "unknown-provider", s.account.ProviderAccountID)
	assertNil(t, "GetUserByAccount(invalid provider)", missing, err)

	got, err := s.adapter.GetUserByAccount(ctx, s.account.Provider, s.account.ProviderAccountID)
	assertNoErr(t, "GetUserByAccount", err)
	assertUser(t, "GetUserByAccount", got, s.user)
}

func deleteSession(ctx context.Context, t *testing.T, s *state) {
	err := s.adapter.DeleteSession(ctx, s.session.SessionToken)
	assertNoErr(t, "DeleteSession", err)

	raw, err := s.db.Session(ctx, s.session.SessionToken)
	assertNil(t, "peek deleted session", raw, err)
}

func createVerificationToken(ctx context.Context, t *testing.T, s *state) {
	in := s.fx.verificationToken

	got, err := s.adapter.CreateVerificationToken(ctx, &in)
	assertNoErr(t, "CreateVerificationToken", err)
	assertVerificationToken(t, "CreateVerificationToken result", got, in)

	raw, err := s.db.VerificationToken(ctx, in.Identifier, in.Token)
	assertNoErr(t, "peek verification token", err)
	assertVerificationToken(t, "stored verification token", raw, in)

	s.verificationToken = in
}

func useVerificationToken(ctx context.Context, t *testing.T, s *state) {
	vt := s.verificationToken

	got, err := s.adapter.UseVerificationToken(ctx, vt.Identifier, vt.Token)
	assertNoErr(t, "UseVerificationToken", err)
	assertVerificationToken(t, "UseVerificationToken first call", got, vt)

	again, err := s.adapter.UseVerificationToken(ctx, vt.Identifier, vt.Token)
	assertNil(t, "UseVerificationToken second call", again, err)

	raw, err := s.db.VerificationToken(ctx, vt.Identifier, vt.Token)
	assertNil(t, "peek consumed verification token", raw, err)
}

func unlinkAccount(ctx context.Context, t *testing.T, s *state) {
	err := s.adapter.UnlinkAccount(ctx, s.account.Provider, s.account.ProviderAccountID)
	assertNoErr(t, "UnlinkAccount", err)

	raw, err := s.db.Account(ctx, s.account.Provider, s.account.ProviderAccountID)
	assertNil(t, "peek unlinked account", raw, err)
}

func deleteUser(ctx context.Context, t *testing.T, s *state) {
	// カスケード削除を確認するため、セッションとアカウントを作り直す
	sess := s.session
	_, err := s.adapter.CreateSession(ctx, &sess)
	assertNoErr(t, "re-create session", err)

	acct := s.account.Clone()
	acct.ID = ""
	relinked, err := s.adapter.LinkAccount(ctx, &acct)
	assertNoErr(t, "re-link account", err)
	if relinked == nil {
		t.Fatal("re-link account: got nil account")
	}

	rawSess, err := s.db.Session(ctx, sess.SessionToken)
	assertNoErr(t, "peek re-created session", err)
	if rawSess == nil {
		t.Fatal("re-created session was not stored")
	}

	err = s.adapter.DeleteUser(ctx, s.user.ID)
	assertNoErr(t, "DeleteUser", err)

	rawUser, err := s.db.User(ctx, s.user.ID)
	assertNil(t, "peek deleted user", rawUser, err)

	rawSess, err = s.db.Session(ctx, sess.SessionToken)
	assertNil(t, "peek session of deleted user", rawSess, err)

	rawAcct, err := s.db.Account(ctx, acct.Provider, acct.ProviderAccountID)
	assertNil(t, "peek account of deleted user", rawAcct, err)
}

// absentFieldsRoundTrip は任意項目が未設定のまま往復することを検証する。
func absentFieldsRoundTrip(ctx context.Context, t *testing.T, s *state) {
	in := model.User{
		Email: "unique-" + uuid.NewString() + "@example.com",
		Name:  model.String("Fill Murray"),
	}

	got, err := s.adapter.CreateUser(ctx, &in)
	assertNoErr(t, "CreateUser", err)
	if got == nil || got.ID == "" {
		t.Fatalf("CreateUser must return a generated id, got %+v", got)
	}
	want := in.Clone()
	want.ID = got.ID
	assertUser(t, "CreateUser result", got, want)

	raw, err := s.db.User(ctx, got.ID)
	assertNoErr(t, "peek user", err)
	assertUser(t, "stored user", raw, want)

	byEmail, err := s.adapter.GetUserByEmail(ctx, in.Email)
	assertNoErr(t, "GetUserByEmail", err)
	assertUser(t, "GetUserByEmail", byEmail, want)

	s.other = want
}

func uniqueEmail(ctx context.Context, t *testing.T, s *state) {
	dup := model.User{Email: s.other.Email, Name: model.String("Impostor")}
	_, err := s.adapter.CreateUser(ctx, &dup)
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Fatalf("CreateUser(duplicate email): got %v, want constraint violation", err)
	}

	raw, err := s.db.User(ctx, s.other.ID)
	assertNoErr(t, "peek user", err)
	assertUser(t, "existing user after rejected duplicate", raw, s.other)

	got, err := s.adapter.GetUserByEmail(ctx, s.other.Email)
	assertNoErr(t, "GetUserByEmail", err)
	assertUser(t, "GetUserByEmail after rejected duplicate", got, s.other)
}

func uniqueSessionToken(ctx context.Context, t *testing.T, s *state) {
	sess := model.Session{
		SessionToken: uuid.NewString(),
		UserID:       s.other.ID,
		Expires:      s.fx.now.Add(time.Hour),
	}
	_, err := s.adapter.CreateSession(ctx, &sess)
	assertNoErr(t, "CreateSession", err)

	dup := sess
	dup.Expires = s.fx.now.Add(48 * time.Hour)
	_, err = s.adapter.CreateSession(ctx, &dup)
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Fatalf("CreateSession(duplicate token): got %v, want constraint violation", err)
	}

	raw, err := s.db.Session(ctx, sess.SessionToken)
	assertNoErr(t, "peek session", err)
	assertSession(t, "existing session after rejected duplicate", raw, sess)

	s.otherSession = sess
}

func uniqueProviderAccount(ctx context.Context, t *testing.T, s *state) {
	acct := model.Account{
		UserID:            s.other.ID,
		Type:              model.AccountTypeOIDC,
		Provider:          "google",
		ProviderAccountID: uuid.NewString(),
		AccessToken:       model.String("access"),
		RefreshToken:      model.String("refresh"),
		ExpiresAt:         model.Int64(s.fx.now.Add(time.Hour).Unix()),
		IDToken:           model.String("id-token"),
		TokenType:         model.String("Bearer"),
		Scope:             model.String("openid email profile"),
		SessionState:      model.String("state"),
	}
	got, err := s.adapter.LinkAccount(ctx, &acct)
	assertNoErr(t, "LinkAccount", err)
	if got == nil || got.ID == "" {
		t.Fatalf("LinkAccount must return an id, got %+v", got)
	}
	acct.ID = got.ID

	// 全OAuthトークン項目が往復すること
	raw, err := s.db.Account(ctx, acct.Provider, acct.ProviderAccountID)
	assertNoErr(t, "peek account", err)
	assertAccount(t, "stored account", raw, acct)

	dup := acct.Clone()
	dup.ID = ""
	dup.AccessToken = model.String("other-access")
	_, err = s.adapter.LinkAccount(ctx, &dup)
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Fatalf("LinkAccount(duplicate provider account): got %v, want constraint violation", err)
	}

	raw, err = s.db.Account(ctx, acct.Provider, acct.ProviderAccountID)
	assertNoErr(t, "peek account", err)
	assertAccount(t, "existing account after rejected duplicate", raw, acct)

	s.otherAccount = acct
}

func uniqueVerificationToken(ctx context.Context, t *testing.T, s *state) {
	vt := model.VerificationToken{
		Identifier: s.other.Email,
		Token:      hashToken(uuid.NewString()),
		Expires:    s.fx.now.Add(15 * time.Minute),
	}
	_, err := s.adapter.CreateVerificationToken(ctx, &vt)
	assertNoErr(t, "CreateVerificationToken", err)

	dup := vt
	dup.Expires = s.fx.now.Add(time.Hour)
	_, err = s.adapter.CreateVerificationToken(ctx, &dup)
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Fatalf("CreateVerificationToken(duplicate pair): got %v, want constraint violation", err)
	}

	raw, err := s.db.VerificationToken(ctx, vt.Identifier, vt.Token)
	assertNoErr(t, "peek verification token", err)
	assertVerificationToken(t, "existing token after rejected duplicate", raw, vt)

	s.otherToken = vt
}

func idempotentDelete(ctx context.Context, t *testing.T, s *state) {
	for i := 0; i < 2; i++ {
		assertNoErr(t, "DeleteSession", s.adapter.DeleteSession(ctx, s.otherSession.SessionToken))
		assertNoErr(t, "UnlinkAccount", s.adapter.UnlinkAccount(ctx, s.otherAccount.Provider, s.otherAccount.ProviderAccountID))
	}
	assertNoErr(t, "DeleteSession(never existed)", s.adapter.DeleteSession(ctx, uuid.NewString()))
	assertNoErr(t, "UnlinkAccount(never existed)", s.adapter.UnlinkAccount(ctx, "github", uuid.NewString()))

	rawSess, err := s.db.Session(ctx, s.otherSession.SessionToken)
	assertNil(t, "peek deleted session", rawSess, err)

	rawAcct, err := s.db.Account(ctx, s.otherAccount.Provider, s.otherAccount.ProviderAccountID)
	assertNil(t, "peek unlinked account", rawAcct, err)
}

func preconditions(ctx context.Context, t *testing.T, s *state) {
	_, err := s.adapter.UpdateUser(ctx, model.UserPatch{Name: model.String("No ID")})
	if !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("UpdateUser without id: got %v, want precondition error", err)
	}

	expires := s.fx.now.Add(time.Hour)
	_, err = s.adapter.UpdateSession(ctx, model.SessionPatch{Expires: &expires})
	if !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("UpdateSession without token: got %v, want precondition error", err)
	}

	_, err = s.adapter.UpdateUser(ctx, model.UserPatch{ID: uuid.NewString(), Name: model.String("Ghost")})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("UpdateUser(nonexistent id): got %v, want not found error", err)
	}

	missing, err := s.adapter.UpdateSession(ctx, model.SessionPatch{SessionToken: uuid.NewString(), Expires: &expires})
	assertNil(t, "UpdateSession(nonexistent token)", missing, err)

	raw, err := s.db.User(ctx, s.other.ID)
	assertNoErr(t, "peek user", err)
	assertUser(t, "user after rejected updates", raw, s.other)
}

func cleanup(ctx context.Context, t *testing.T, s *state) {
	got, err := s.adapter.UseVerificationToken(ctx, s.otherToken.Identifier, s.otherToken.Token)
	assertNoErr(t, "UseVerificationToken", err)
	assertVerificationToken(t, "UseVerificationToken", got, s.otherToken)

	assertNoErr(t, "DeleteUser", s.adapter.DeleteUser(ctx, s.other.ID))
	assertNoErr(t, "DeleteUser(already deleted)", s.adapter.DeleteUser(ctx, s.other.ID))

	raw, err := s.db.User(ctx, s.other.ID)
	assertNil(t, "peek deleted user", raw, err)
}
