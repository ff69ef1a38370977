package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

const testSecret = "middleware-test-secret"

func testRouter(t *testing.T) (*gin.Engine, hottier.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := hottier.NewMemory()
	verifier := auth.NewTokenVerifier(testSecret)
	sessions := auth.NewHotTierSessions(mem)

	r := gin.New()
	r.GET("/protected", AuthRequired(verifier, sessions), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": userID(c)})
	})
	return r, mem
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestAuthRequired(t *testing.T) {
	r, mem := testRouter(t)
	require.NoError(t, mem.Set(context.Background(), "session:user-1", "sess-1", 0))

	tests := []struct {
		name      string
		token     string
		sessionID string
		status    int
	}{
		{name: "missing headers", status: http.StatusUnauthorized},
		{name: "bad token", token: "garbage", sessionID: "sess-1", status: http.StatusUnauthorized},
		{name: "stale session", token: signToken(t, "user-1"), sessionID: "sess-old", status: http.StatusUnauthorized},
		{name: "valid", token: signToken(t, "user-1"), sessionID: "sess-1", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.token != "" {
				req.Header.Set("x-auth-token", tt.token)
			}
			if tt.sessionID != "" {
				req.Header.Set("x-session-id", tt.sessionID)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusUnauthorized {
				var body errorBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.False(t, body.Success)
				assert.NotEmpty(t, body.Message)
			}
		})
	}
}
