package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(iss *Issuer, trustHeader bool) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(iss, trustHeader))
	r.GET("/whoami", RequireCaller(), func(c *gin.Context) {
		caller, _ := GetCaller(c)
		c.JSON(http.StatusOK, gin.H{
			"caller":    caller,
			"ctxCaller": logging.Caller(c.Request.Context()),
		})
	})
	return r
}

func whoami(t *testing.T, r *gin.Engine, headers map[string]string) (int, map[string]string) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)

	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestMiddleware_BearerToken(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	token, err := iss.Generate("alice")
	require.NoError(t, err)

	code, body := whoami(t, newRouter(iss, false), map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["caller"])
	assert.Equal(t, "alice", body["ctxCaller"])
}

func TestMiddleware_InvalidTokenRejected(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	code, _ := whoami(t, newRouter(iss, false), map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestMiddleware_HeaderIgnoredUnlessTrusted(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)

	code, _ := whoami(t, newRouter(iss, false), map[string]string{HeaderCaller: "mallory"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := whoami(t, newRouter(nil, true), map[string]string{HeaderCaller: "bob"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", body["caller"])
}

func TestMiddleware_TokenWinsOverHeader(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	token, err := iss.Generate("alice")
	require.NoError(t, err)

	code, body := whoami(t, newRouter(iss, true), map[string]string{
		"Authorization": "Bearer " + token,
		HeaderCaller:    "mallory",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["caller"])
}

func TestMiddleware_MalformedPrincipalIgnored(t *testing.T) {
	code, _ := whoami(t, newRouter(nil, true), map[string]string{HeaderCaller: "not a principal"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestHandler_IssueToken(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	h := NewHandler(iss, false)
	r := gin.New()
	h.RegisterDevRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dev/token", strings.NewReader(`{"principal":"carol"}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	sub, err := iss.Parse(body["token"])
	require.NoError(t, err)
	assert.Equal(t, "carol", sub)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dev/token", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_IssueTokenWithoutSecret(t *testing.T) {
	r := gin.New()
	NewHandler(nil, true).RegisterDevRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dev/token", strings.NewReader(`{"principal":"carol"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
