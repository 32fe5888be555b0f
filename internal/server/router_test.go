package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yashin20/pp-backend/internal/config"
	"github.com/yashin20/pp-backend/internal/db"
	"github.com/yashin20/pp-backend/internal/service"
	"github.com/yashin20/pp-backend/internal/token"
	"github.com/yashin20/pp-backend/internal/ws"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq int64

func testEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		Port: "0", JWTSecret: "router-test-secret", Env: "dev",
		AccessTokenTTLMinutes: 30, RefreshTokenTTLDays: 7,
		HandshakeTimeoutSeconds: 10, MaxRoomsPerMember: 50,
	}
	store := token.NewMemoryStore()
	t.Cleanup(store.Stop)
	tokens := token.NewService(cfg.JWTSecret, 30*time.Minute, 7*24*time.Hour, store)

	hub := ws.NewHub()
	svcs := service.NewServices(gdb, tokens, hub, hub, cfg.MaxRoomsPerMember)
	return SetupRouter(Deps{
		Config: cfg, Tokens: tokens, Hub: hub,
		Auth: svcs.Auth, Members: svcs.Members, Rooms: svcs.Rooms,
		Relay: svcs.Relay, Friends: svcs.Friends,
	})
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func registerAndLogin(t *testing.T, engine *gin.Engine, username string) (access, refresh string) {
	t.Helper()
	w := doJSON(t, engine, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": username, "password": "pass1234",
		"nickname": username + "-nick", "email": username + "@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
	w = doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": username, "password": "pass1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	resp := decode(t, w)
	access, _ = resp["access_token"].(string)
	refresh, _ = resp["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("missing tokens in %v", resp)
	}
	return access, refresh
}

func TestHealthz(t *testing.T) {
	engine := testEngine(t)
	w := doJSON(t, engine, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	engine := testEngine(t)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/members/me"},
		{http.MethodPost, "/api/rooms"},
		{http.MethodGet, "/api/friends"},
		{http.MethodPost, "/api/auth/logout"},
	}
	for _, tt := range tests {
		w := doJSON(t, engine, tt.method, tt.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: got %d, want 401", tt.method, tt.path, w.Code)
		}
	}
}

func TestLoginAndMe(t *testing.T) {
	engine := testEngine(t)
	access, _ := registerAndLogin(t, engine, "alice")

	w := doJSON(t, engine, http.MethodGet, "/api/members/me", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	me := decode(t, w)
	if me["username"] != "alice" {
		t.Errorf("username = %v", me["username"])
	}
}

func TestLoginWrongPassword(t *testing.T) {
	engine := testEngine(t)
	registerAndLogin(t, engine, "bob")

	w := doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "bob", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRoomLifecycle(t *testing.T) {
	engine := testEngine(t)
	access, _ := registerAndLogin(t, engine, "carol")

	w := doJSON(t, engine, http.MethodPost, "/api/rooms", access, gin.H{"name": "general"})
	if w.Code != http.StatusOK {
		t.Fatalf("create room: %d %s", w.Code, w.Body.String())
	}
	room := decode(t, w)
	roomID := int(room["id"].(float64))

	// 创建者被自动加入
	w = doJSON(t, engine, http.MethodGet, "/api/rooms/my", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("my rooms: %d", w.Code)
	}
	my := decode(t, w)
	if rooms, _ := my["rooms"].([]any); len(rooms) != 1 {
		t.Fatalf("my rooms = %v", my["rooms"])
	}

	// 最后一人退出后房间消失
	w = doJSON(t, engine, http.MethodPost, fmt.Sprintf("/api/rooms/%d/leave", roomID), access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leave: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, engine, http.MethodGet, fmt.Sprintf("/api/rooms/%d", roomID), access, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("room after last leave: got %d, want 404", w.Code)
	}
}

func TestReissueAndLogout(t *testing.T) {
	engine := testEngine(t)
	access, refresh := registerAndLogin(t, engine, "dave")

	w := doJSON(t, engine, http.MethodPost, "/api/auth/reissue", "", gin.H{
		"access_token": access, "refresh_token": refresh,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reissue: %d %s", w.Code, w.Body.String())
	}
	next := decode(t, w)
	nextAccess := next["access_token"].(string)

	// 旧 renewal 重放应失败
	w = doJSON(t, engine, http.MethodPost, "/api/auth/reissue", "", gin.H{
		"access_token": access, "refresh_token": refresh,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed reissue: got %d, want 401", w.Code)
	}

	// 登出后续签被阻断
	w = doJSON(t, engine, http.MethodPost, "/api/auth/logout", nextAccess, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", w.Code, w.Body.String())
	}
	nextRefresh := next["refresh_token"].(string)
	w = doJSON(t, engine, http.MethodPost, "/api/auth/reissue", "", gin.H{
		"access_token": nextAccess, "refresh_token": nextRefresh,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("reissue after logout: got %d, want 401", w.Code)
	}
}

func TestFriendFlow(t *testing.T) {
	engine := testEngine(t)
	access, _ := registerAndLogin(t, engine, "erin")
	registerAndLogin(t, engine, "frank")

	w := doJSON(t, engine, http.MethodPost, "/api/friends", access, gin.H{"username": "frank"})
	if w.Code != http.StatusOK {
		t.Fatalf("create friend: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, engine, http.MethodPost, "/api/friends", access, gin.H{"username": "frank"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate friend: got %d, want 400", w.Code)
	}
	w = doJSON(t, engine, http.MethodGet, "/api/friends", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list friends: %d", w.Code)
	}
	resp := decode(t, w)
	if friends, _ := resp["friends"].([]any); len(friends) != 1 {
		t.Fatalf("friends = %v", resp["friends"])
	}
	w = doJSON(t, engine, http.MethodDelete, "/api/friends/frank", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete friend: %d %s", w.Code, w.Body.String())
	}
}
