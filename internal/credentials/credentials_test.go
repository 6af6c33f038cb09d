package credentials_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/positions-api/internal/apperr"
	"github.com/ksred/positions-api/internal/auth"
	"github.com/ksred/positions-api/internal/credentials"
	"github.com/ksred/positions-api/internal/database"
	"github.com/ksred/positions-api/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testKey = strings.Repeat("k", 32)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.NewDatabase("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newTestService(t *testing.T) (*credentials.Service, *gorm.DB) {
	db := newTestDB(t)
	return credentials.NewService(db, credentials.Options{
		EncryptionKey:  testKey,
		StorageTimeout: time.Second,
		HashCost:       bcrypt.MinCost,
	}), db
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	kind, ok := apperr.KindOf(err)
	require.True(t, ok, "unclassified error: %v", err)
	return kind
}

func TestRegisterTwiceIsConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Register(ctx, "alice", "hunter22", "uid-1")
	require.NoError(t, err)
	assert.Equal(t, credentials.StatusInactive, account.Status)
	assert.NotEqual(t, "hunter22", account.PasswordHash)

	_, err = svc.Register(ctx, "alice", "other", "uid-2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))
}

func TestConcurrentRegisterOneWins(t *testing.T) {
	svc, _ := newTestService(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Register(context.Background(), "racer", "pw", "uid")
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		if kindOf(t, err) == apperr.KindConflict {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(errs)-1, conflicts)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Register(ctx, "bob", "s3cret", "uid-b")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "bob", "s3cret")
	assert.Equal(t, apperr.KindInactiveAccount, kindOf(t, err))

	_, err = svc.Authenticate(ctx, "bob", "wrong")
	assert.Equal(t, apperr.KindInvalidCredential, kindOf(t, err))

	_, err = svc.Authenticate(ctx, "nobody", "s3cret")
	assert.Equal(t, apperr.KindInvalidCredential, kindOf(t, err))

	require.NoError(t, svc.Activate(ctx, account.ID))

	got, err := svc.Authenticate(ctx, "bob", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)
	assert.Equal(t, credentials.StatusActive, got.Status)
}

func TestActivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.Activate(ctx, 999)
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))

	account, err := svc.Register(ctx, "carol", "pw", "uid-c")
	require.NoError(t, err)

	require.NoError(t, svc.Activate(ctx, account.ID))
	require.NoError(t, svc.Activate(ctx, account.ID))

	inactive, err := svc.ListInactive(ctx)
	require.NoError(t, err)
	assert.Empty(t, inactive)
}

func TestListInactiveOrderedByID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"u1", "u2", "u3"} {
		_, err := svc.Register(ctx, name, "pw", "uid-"+name)
		require.NoError(t, err)
	}

	accounts, err := svc.ListInactive(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "u1", accounts[0].Username)
	assert.Equal(t, "u3", accounts[2].Username)
}

func validKey(owner uint, key string) credentials.NewAPIKey {
	return credentials.NewAPIKey{
		OwnerUserID:       owner,
		APIKey:            key,
		APISecret:         "secret-" + key,
		APIPassphrase:     "phrase-" + key,
		RiskPercent:       2,
		MaxOpenPositions:  3,
		AllocationPercent: 50,
		Leverage:          10,
	}
}

func TestAddAndFindAPIKey(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	owner, err := svc.Register(ctx, "dave", "pw", "uid-d")
	require.NoError(t, err)

	_, err = svc.AddAPIKey(ctx, validKey(owner.ID, "bg_key_1"))
	require.NoError(t, err)

	var stored credentials.APIKey
	require.NoError(t, db.Where("api_key = ?", "bg_key_1").First(&stored).Error)
	assert.NotEqual(t, "secret-bg_key_1", stored.APISecret)
	assert.NotEqual(t, "phrase-bg_key_1", stored.APIPassphrase)

	found, err := svc.FindAPIKey(ctx, "bg_key_1")
	require.NoError(t, err)
	assert.Equal(t, "secret-bg_key_1", found.APISecret)
	assert.Equal(t, "phrase-bg_key_1", found.APIPassphrase)
	assert.Equal(t, 3, found.MaxOpenPositions)
	assert.Equal(t, 10, found.Leverage)

	_, err = svc.FindAPIKey(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
}

func TestAddAPIKeyErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	owner, err := svc.Register(ctx, "erin", "pw", "uid-e")
	require.NoError(t, err)
	_, err = svc.AddAPIKey(ctx, validKey(owner.ID, "dup"))
	require.NoError(t, err)

	tests := []struct {
		name string
		in   func() credentials.NewAPIKey
		want apperr.Kind
	}{
		{"duplicate key", func() credentials.NewAPIKey { return validKey(owner.ID, "dup") }, apperr.KindConflict},
		{"unknown owner", func() credentials.NewAPIKey { return validKey(4242, "k2") }, apperr.KindNotFound},
		{"risk above 100", func() credentials.NewAPIKey {
			k := validKey(owner.ID, "k3")
			k.RiskPercent = 101
			return k
		}, apperr.KindInvalidParameter},
		{"negative posCount", func() credentials.NewAPIKey {
			k := validKey(owner.ID, "k4")
			k.MaxOpenPositions = -1
			return k
		}, apperr.KindInvalidParameter},
		{"zero leverage", func() credentials.NewAPIKey {
			k := validKey(owner.ID, "k5")
			k.Leverage = 0
			return k
		}, apperr.KindInvalidParameter},
		{"empty secret", func() credentials.NewAPIKey {
			k := validKey(owner.ID, "k6")
			k.APISecret = ""
			return k
		}, apperr.KindInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddAPIKey(ctx, tt.in())
			require.Error(t, err)
			assert.Equal(t, tt.want, kindOf(t, err))
		})
	}
}

func newRouter(t *testing.T) (*gin.Engine, *credentials.Service) {
	svc, _ := newTestService(t)
	tokens := auth.NewService(strings.Repeat("s", 32), time.Hour)
	h := credentials.NewGinHandlers(svc, tokens)

	router := gin.New()
	router.POST("/register", h.RegisterHandler())
	router.POST("/login", h.LoginHandler())
	router.GET("/users/inactive", h.ListInactiveHandler())
	router.PUT("/users/:id/activate", h.ActivateHandler())
	router.POST("/add_api_key", h.AddAPIKeyHandler())
	router.GET("/api_keys", middleware.JWTAuth(tokens), h.ListAPIKeysHandler())
	return router, svc
}

func do(router *gin.Engine, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	router, _ := newRouter(t)

	w := do(router, http.MethodPost, "/register", gin.H{"username": "frank", "password": "pw", "uid": "u-f"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/register", gin.H{"username": "frank", "password": "pw", "uid": "u-f"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Conflict", decode(t, w)["kind"])

	w = do(router, http.MethodPost, "/login", gin.H{"username": "frank", "password": "pw"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "InactiveAccount", decode(t, w)["kind"])

	w = do(router, http.MethodGet, "/users/inactive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode(t, w)["inactiveUsers"].([]interface{})
	require.Len(t, users, 1)
	user := users[0].(map[string]interface{})
	assert.Equal(t, "frank", user["username"])
	assert.Equal(t, "u-f", user["uid"])

	w = do(router, http.MethodPut, "/users/1/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "User with ID 1 activated successfully.", decode(t, w)["message"])

	w = do(router, http.MethodPut, "/users/77/activate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodPut, "/users/abc/activate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/login", gin.H{"username": "frank", "password": "bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidCredential", decode(t, w)["kind"])

	w = do(router, http.MethodPost, "/login", gin.H{"username": "frank", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	login := decode(t, w)
	assert.Equal(t, "frank", login["username"])
	assert.Equal(t, "active", login["status"])
	token, _ := login["token"].(string)
	require.NotEmpty(t, token)

	w = do(router, http.MethodPost, "/add_api_key", gin.H{
		"userId": 1, "apikey": "bg_abcdef123", "apisecret": "sec", "apiphrase": "ph",
		"risk": 2, "posCount": 3, "percent": 50, "leverage": 10,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/add_api_key", gin.H{
		"userId": 1, "apikey": "bg_other", "apisecret": "sec", "risk": 150, "posCount": 1, "leverage": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidParameter", decode(t, w)["kind"])

	w = do(router, http.MethodGet, "/api_keys", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodGet, "/api_keys", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sec")
	keys := decode(t, w)["apiKeys"].([]interface{})
	require.Len(t, keys, 1)
	assert.Equal(t, "****f123", keys[0].(map[string]interface{})["apiKey"])
}
