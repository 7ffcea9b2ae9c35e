package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/fpmatch/internal/auth"
)

func newRouter(apiKey, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware(apiKey, secret))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(auth.SubjectKey))
	})
	return r
}

func do(r http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	const secret = "jwt-secret"
	valid, err := auth.IssueToken("scanner-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, err := auth.IssueToken("scanner-1", secret, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken expired: %v", err)
	}
	forged, err := auth.IssueToken("scanner-1", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken forged: %v", err)
	}

	tests := []struct {
		name          string
		apiKey        string
		secret        string
		header, value string
		wantStatus    int
		wantBody      string
	}{
		{"disabled", "", "", "", "", http.StatusOK, ""},
		{"missing credentials", "key", secret, "", "", http.StatusUnauthorized, ""},
		{"valid api key", "key", secret, "X-API-Key", "key", http.StatusOK, ""},
		{"wrong api key", "key", secret, "X-API-Key", "nope", http.StatusForbidden, ""},
		{"valid bearer", "key", secret, "Authorization", "Bearer " + valid, http.StatusOK, "scanner-1"},
		{"lowercase scheme", "", secret, "Authorization", "bearer " + valid, http.StatusOK, "scanner-1"},
		{"expired bearer", "key", secret, "Authorization", "Bearer " + expired, http.StatusForbidden, ""},
		{"forged bearer", "key", secret, "Authorization", "Bearer " + forged, http.StatusForbidden, ""},
		{"bearer without secret", "key", "", "Authorization", "Bearer " + valid, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newRouter(tt.apiKey, tt.secret), tt.header, tt.value)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Fatalf("subject = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	// HS512 token with the same secret.
	if _, err := auth.ParseToken("eyJhbGciOiJIUzUxMiIsInR5cCI6IkpXVCJ9.e30.c2ln", "s"); err == nil {
		t.Fatal("ParseToken accepted a non-HS256 token")
	}
}
