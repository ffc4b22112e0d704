package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"

	. "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core/user"
	emailsvc "github.com/trezcool/shule/services/email"
	testutil "github.com/trezcool/shule/tests"
)

func parseClaims(t *testing.T, token string) *Claims {
	t.Helper()
	claims := new(Claims)
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(conf.SecretKey), nil
	}); err != nil {
		t.Fatalf("parseClaims(): %v", err)
	}
	return claims
}

func decodeAuthResponse(t *testing.T, data []byte) AuthResponse {
	t.Helper()
	var resp AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decodeAuthResponse(): %v", err)
	}
	return resp
}

func Test_login(t *testing.T) {
	resetUsers(t)

	teacher := testutil.CreateUser(t, usrRepo, "Jane", "Doe", "jane@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", true)
	_ = testutil.CreateUser(t, usrRepo, "Old", "Timer", "old@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", false)

	path := "/api/auth/login"
	tests := []httpTest{
		{
			name: "empty body", wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, echoMap{"email": "this field is required", "password": "this field is required"}),
		},
		{
			name: "invalid email", body: marchallObj(t, echoMap{"email": "jane", "password": "LeMieux#1!"}),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, echoMap{"email": "email must be a valid email address"}),
		},
		{
			name: "unknown user", body: marchallObj(t, echoMap{"email": "nobody@shule.cd", "password": "LeMieux#1!"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "wrong password", body: marchallObj(t, echoMap{"email": "jane@shule.cd", "password": "nope"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated account", body: marchallObj(t, echoMap{"email": "old@shule.cd", "password": "LeMieux#1!"}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("ok", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, path, marchallObj(t, echoMap{"email": "Jane@Shule.CD", "password": "LeMieux#1!"}))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; body = %v", rec.Code, rec.Body.String())
		}
		resp := decodeAuthResponse(t, rec.Body.Bytes())
		if resp.User.Email != teacher.Email {
			t.Errorf("user = %v; want %v", resp.User.Email, teacher.Email)
		}
		if resp.User.LastLogin.IsZero() {
			t.Error("lastLogin not set")
		}

		access := parseClaims(t, resp.AccessToken)
		refresh := parseClaims(t, resp.RefreshToken)
		if access.TokenUse != TokenUseAccess {
			t.Errorf("access use = %q; want %q", access.TokenUse, TokenUseAccess)
		}
		if refresh.TokenUse != TokenUseRefresh {
			t.Errorf("refresh use = %q; want %q", refresh.TokenUse, TokenUseRefresh)
		}
		if access.Subject != teacher.ID || refresh.Subject != teacher.ID {
			t.Error("token subject mismatch")
		}
		if access.OrigIssuedAt != access.IssuedAt {
			t.Error("fresh login should anchor oriat at iat")
		}
		if access.SchoolID != "sch-1" || access.Role != user.RoleTeacher {
			t.Error("tenant claims mismatch")
		}
	})
}

func Test_refreshToken(t *testing.T) {
	resetUsers(t)

	teacher := testutil.CreateUser(t, usrRepo, "Jane", "Doe", "jane@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", true)
	ghost := testutil.CreateUser(t, usrRepo, "Gone", "Girl", "gone@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", false)

	access, refresh := getTokenPair(t, teacher)
	_, ghostRefresh := getTokenPair(t, ghost)
	staleOriat := time.Now().Add(-conf.Server.JWTRefreshExpirationDelta - time.Hour).Unix()
	_, staleRefresh := getTokenPair(t, teacher, staleOriat)

	path := "/api/auth/refresh"
	tests := []httpTest{
		{
			name: "empty body", wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, echoMap{"refreshToken": "this field is required"}),
		},
		{
			name: "garbage token", body: marchallObj(t, echoMap{"refreshToken": "not-a-jwt"}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"}),
		},
		{
			name: "access token is no refresh token", body: marchallObj(t, echoMap{"refreshToken": access}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"}),
		},
		{
			name: "deactivated account", body: marchallObj(t, echoMap{"refreshToken": ghostRefresh}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{
			name: "refresh window exhausted", body: marchallObj(t, echoMap{"refreshToken": staleRefresh}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("ok", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, path, marchallObj(t, echoMap{"refreshToken": refresh}))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; body = %v", rec.Code, rec.Body.String())
		}
		resp := decodeAuthResponse(t, rec.Body.Bytes())
		if resp.AccessToken == "" || resp.RefreshToken == "" {
			t.Fatal("expected a rotated token pair")
		}
		origOriat := parseClaims(t, refresh).OrigIssuedAt
		newAccess := parseClaims(t, resp.AccessToken)
		newRefresh := parseClaims(t, resp.RefreshToken)
		if newAccess.OrigIssuedAt != origOriat || newRefresh.OrigIssuedAt != origOriat {
			t.Error("rotation must carry the original issuance time forward")
		}
		if resp.User.ID != teacher.ID {
			t.Errorf("user = %v; want %v", resp.User.ID, teacher.ID)
		}
	})
}

func Test_resetPassword(t *testing.T) {
	resetUsers(t)

	usr := testutil.CreateUser(t, usrRepo, "Jane", "Doe", "jane@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", true)

	path := "/api/auth/password-reset"
	successData := marchallObj(t, SuccessResponse{
		Success: "If the email address supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})

	tests := []httpTest{
		{name: "known email sends a mail", body: marchallObj(t, echoMap{"email": usr.Email}), wantCode: http.StatusOK, wantData: successData, extra: 1},
		{name: "unknown email sends nothing", body: marchallObj(t, echoMap{"email": "nobody@shule.cd"}), wantCode: http.StatusOK, wantData: successData, extra: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emailsvc.SentMessages = emailsvc.SentMessages[:0]

			req, rec := newRequest(http.MethodPost, path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if wantSent := tt.extra.(int); len(emailsvc.SentMessages) != wantSent {
				t.Errorf("sent mails = %v; want %v", len(emailsvc.SentMessages), wantSent)
			}
		})
	}
}

func Test_confirmPasswordReset(t *testing.T) {
	resetUsers(t)

	usr := testutil.CreateUser(t, usrRepo, "Jane", "Doe", "jane@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", true)
	validUID := user.EncodeUID(usr)
	validToken := user.MakeToken(usr)
	newPwd := "G0n3Fishin!!"

	path := "/api/auth/password-reset-confirm"
	tests := []httpTest{
		{
			name: "invalid uid", body: marchallObj(t, echoMap{"uid": "??", "token": validToken, "password": newPwd, "password_confirm": newPwd}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "invalid token"}),
		},
		{
			name: "tampered token", body: marchallObj(t, echoMap{"uid": validUID, "token": validToken + "x", "password": newPwd, "password_confirm": newPwd}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "invalid token"}),
		},
		{
			name: "password mismatch", body: marchallObj(t, echoMap{"uid": validUID, "token": validToken, "password": newPwd, "password_confirm": "nope"}),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, echoMap{"password_confirm": "password_confirm must be equal to Password"}),
		},
		{
			name: "ok", body: marchallObj(t, echoMap{"uid": validUID, "token": validToken, "password": newPwd, "password_confirm": newPwd}),
			wantCode: http.StatusOK, wantData: marchallObj(t, SuccessResponse{Success: "Password has been reset with the new password."}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("new password works", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, "/api/auth/login", marchallObj(t, echoMap{"email": usr.Email, "password": newPwd}))
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("failed! code = %v; body = %v", rec.Code, rec.Body.String())
		}
	})
}
