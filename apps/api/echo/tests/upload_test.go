package tests

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/trezcool/shule/core/user"
	storagesvc "github.com/trezcool/shule/services/storage"
	testutil "github.com/trezcool/shule/tests"
)

func Test_signUpload(t *testing.T) {
	resetUsers(t)

	super := testutil.CreateUser(t, usrRepo, "Root", "Su", "root@shule.cd", "LeMieux#1!", user.RoleSuperAdmin, "", true)
	teacher := testutil.CreateUser(t, usrRepo, "Jane", "Doe", "jane@shule.cd", "LeMieux#1!", user.RoleTeacher, "sch-1", true)

	signBody := func(objectKey string) []byte {
		return marchallObj(t, echoMap{"objectKey": objectKey, "contentType": "image/png"})
	}

	path := "/api/uploads/sign"
	tests := []httpTest{
		{
			name: "anonymous", body: signBody("schools/sch-1/photo.png"),
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken),
		},
		{
			name: "missing object key", token: getToken(t, teacher), body: marchallObj(t, echoMap{}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, echoMap{"objectKey": "this field is required"}),
		},
		{
			name: "teacher cannot sign for another school", token: getToken(t, teacher),
			body:     signBody("schools/sch-2/photo.png"),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "upload not allowed for this school"}),
		},
		{
			name: "teacher cannot sign outside school prefixes", token: getToken(t, teacher),
			body:     signBody("misc/photo.png"),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "upload not allowed for this school"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	decodeSigned := func(t *testing.T, data []byte) storagesvc.SignedUpload {
		t.Helper()
		var signed storagesvc.SignedUpload
		if err := json.Unmarshal(data, &signed); err != nil {
			t.Fatalf("decoding signed upload: %v", err)
		}
		return signed
	}

	t.Run("teacher signs for own school", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, path, getToken(t, teacher), signBody("schools/sch-1/photo.png"))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; body = %v", rec.Code, rec.Body.String())
		}
		signed := decodeSigned(t, rec.Body.Bytes())
		if signed.ObjectKey != "schools/sch-1/photo.png" {
			t.Errorf("objectKey = %v", signed.ObjectKey)
		}
		if signed.ContentType != "image/png" {
			t.Errorf("contentType = %v", signed.ContentType)
		}
		if !strings.Contains(signed.UploadURL, conf.Storage.Bucket) ||
			!strings.Contains(signed.UploadURL, "X-Amz-Signature=") {
			t.Errorf("unexpected uploadURL: %v", signed.UploadURL)
		}
		if signed.PublicURL == "" || strings.Contains(signed.PublicURL, "X-Amz-") {
			t.Errorf("unexpected publicURL: %v", signed.PublicURL)
		}
	})

	t.Run("super admin signs anywhere", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, path, getToken(t, super), signBody("misc/report.pdf"))
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; body = %v", rec.Code, rec.Body.String())
		}
		if signed := decodeSigned(t, rec.Body.Bytes()); signed.ObjectKey != "misc/report.pdf" {
			t.Errorf("objectKey = %v", signed.ObjectKey)
		}
	})

	t.Run("refresh token is rejected for API access", func(t *testing.T) {
		_, refresh := getTokenPair(t, teacher)
		req, rec := newAuthRequest(http.MethodPost, path, refresh, signBody("schools/sch-1/photo.png"))
		app.ServeHTTP(rec, req)

		tt := httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, httpErr{Error: "user not authenticated"})}
		checkCodeAndData(t, tt, rec)
	})
}
