package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaymesh/go-event-router/internal/config"
	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/http/middleware"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+dsn+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// schema so handlers don't explode on list endpoints
	if err := db.AutoMigrate(
		&domain.Command{}, &domain.Entity{}, &domain.CommandPermission{},
		&domain.StringMatchRule{}, &domain.CoordinationClaim{},
		&domain.Execution{}, &domain.ModuleResponse{}, &domain.IngestReceipt{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testCfg() config.Config {
	return config.Config{
		APIBasePath:  "/api/v1",
		CacheTTL:     time.Minute,
		SessionTTL:   time.Minute,
		ReceiptTTL:   time.Hour,
		MaxBatch:     100,
		DefaultLimit: 30,
		RateWindow:   time.Minute,
		RateSweep:    time.Minute,
		RateRPS:      100,
		RateBurst:    10,
		Dispatch: config.DispatchConfig{
			FanoutWorkers:  2,
			IngestWorkers:  2,
			MaxRetries:     1,
			InitialBackoff: 10 * time.Millisecond,
			DefaultTimeout: time.Second,
			ContainerURL:   "http://127.0.0.1:0",
			ServerlessURL:  "http://127.0.0.1:0",
			Namespace:      "default",
		},
		Coordination: config.CoordinationConfig{
			Lease:          time.Minute,
			Grace:          10 * time.Second,
			MaxClaims:      10,
			ErrorThreshold: 3,
			SweepEvery:     time.Minute,
		},
		CORS:     config.CORSConfig{},
		Security: config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:     config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg() // nil AllowedOrigins triggers AllowAllOrigins branch
	db := newTestDB(t, "routerdb")

	RegisterRoutes(r, db, cfg)

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	db := newTestDB(t, "routerdb_cors")

	RegisterRoutes(r, db, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Hit all three
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/one", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "one" {
		t.Fatalf("GET /one got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/two", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "two" {
		t.Fatalf("GET /two got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("GET /api/ping got %d %q", rec.Code, rec.Body.String())
	}
}

// Smoke test that a request traverses dedupe + ratelimit + otel + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // enabled (but only set on https)
	db := newTestDB(t, "routerdb_smoke")
	RegisterRoutes(r, db, cfg)

	// Any request goes through the middleware stack
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// simulate https so HSTS could be eligible if middleware checks scheme
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

// End-to-end through the router: create a rule, list it back.
func TestRegisterRoutes_RuleRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg()
	db := newTestDB(t, "routerdb_rules")
	RegisterRoutes(r, db, cfg)

	body := `{"pattern":"spoilers","match_type":"contains","action":"block","priority":5}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /rules = %d body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /rules = %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("spoilers")) {
		t.Fatalf("rule list missing created rule: %s", w.Body.String())
	}
}

func Test_ruleRepoShim_Proxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t, "routerdb_ruleshim")

	shim := ruleRepoShim{}
	ctx := context.Background()

	r1, err := shim.CreateRule(ctx, db, &domain.StringMatchRule{
		Pattern: "kappa", MatchType: domain.MatchWord, Action: domain.ActionWarn, Priority: 1, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if r1 == nil || r1.ID == "" {
		t.Fatalf("CreateRule returned bad rule: %+v", r1)
	}

	got, err := shim.GetRule(ctx, db, r1.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Pattern != "kappa" {
		t.Fatalf("GetRule mismatch: %+v", got)
	}

	if err := shim.UpdateRule(ctx, db, r1.ID, map[string]any{"priority": 9}); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	got2, err := shim.GetRule(ctx, db, r1.ID)
	if err != nil {
		t.Fatalf("GetRule (after update): %v", err)
	}
	if got2.Priority != 9 {
		t.Fatalf("UpdateRule failed, priority=%d", got2.Priority)
	}

	// Seed a couple more for pagination
	if _, err := shim.CreateRule(ctx, db, &domain.StringMatchRule{
		Pattern: "pog", MatchType: domain.MatchContains, Action: domain.ActionBlock, Active: true,
	}); err != nil {
		t.Fatalf("CreateRule pog: %v", err)
	}
	if _, err := shim.CreateRule(ctx, db, &domain.StringMatchRule{
		Pattern: "lul", MatchType: domain.MatchExact, Action: domain.ActionWarn, Active: true,
	}); err != nil {
		t.Fatalf("CreateRule lul: %v", err)
	}

	n, err := shim.CountRules(ctx, db)
	if err != nil {
		t.Fatalf("CountRules: %v", err)
	}
	if n < 3 {
		t.Fatalf("CountRules expected >=3, got %d", n)
	}

	page, err := shim.ListRulesPage(ctx, db, 0, 2)
	if err != nil {
		t.Fatalf("ListRulesPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("ListRulesPage expected 2, got %d", len(page))
	}

	if err := shim.DeleteRule(ctx, db, r1.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
}

func Test_registryRepoShim_Proxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t, "routerdb_regshim")

	shim := registryRepoShim{}
	ctx := context.Background()

	cmd, err := shim.CreateCommand(ctx, db, &domain.Command{
		Prefix: "!", Name: "uptime", Location: domain.LocationLocal,
		Type: domain.BackendContainer, Invocation: "uptime.handle",
		TriggerType: domain.TriggerCommand, ExecutionMode: domain.ModeSequential,
		Active: true,
	})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if cmd.ID == "" {
		t.Fatalf("CreateCommand returned empty id")
	}

	n, err := shim.CountActiveByPrefixName(ctx, db, "!", "uptime")
	if err != nil {
		t.Fatalf("CountActiveByPrefixName: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountActiveByPrefixName expected 1, got %d", n)
	}

	ent, err := shim.UpsertEntity(ctx, db, "twitch", "srv", "chan")
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	perm, err := shim.InstallPermission(ctx, db, cmd.ID, ent.Key)
	if err != nil {
		t.Fatalf("InstallPermission: %v", err)
	}
	if perm.CommandID != cmd.ID || perm.EntityKey != ent.Key {
		t.Fatalf("InstallPermission mismatch: %+v", perm)
	}

	if err := shim.SetPermissionEnabled(ctx, db, cmd.ID, ent.Key, false); err != nil {
		t.Fatalf("SetPermissionEnabled: %v", err)
	}
	if err := shim.UninstallPermission(ctx, db, cmd.ID, ent.Key); err != nil {
		t.Fatalf("UninstallPermission: %v", err)
	}
}

func TestRegisterRoutes_DedupeCallback_MissAndHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg()
	cfg.APIBasePath = "/api/vX"
	db := newTestDB(t, "routerdb_dedupe")
	RegisterRoutes(r, db, cfg)

	const collectorID = "col-1"
	const key = "key-hit"

	// --- MISS: record does not exist (executes 'rec == nil' branch) ---
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderCollectorID, collectorID)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// NoMethod is expected for POST /health, but middleware ran.

	// --- seed a receipt so the callback returns non-nil ---
	seed := &domain.IngestReceipt{
		ID:          "rcpt-seed-1",
		CollectorID: collectorID,
		EventKey:    key,
		SessionID:   "s-1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}

	// --- HIT: record exists (executes 'return true, nil' branch) ---
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderCollectorID, collectorID)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// again, 405 is fine; goal is to drive the middleware branch.
}

func TestRegisterRoutes_DedupeCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testCfg()
	db := newTestDB(t, "routerdb_dedupe_err")

	// Wire routes first...
	RegisterRoutes(r, db, cfg)

	// ...then force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// Now any repo.GetReceipt call should error → drives (err != nil) branch.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderCollectorID, "col-err")
	req.Header.Set(middleware.HeaderIdempotencyKey, "force-error")
	r.ServeHTTP(w, req)

	// 405 is expected for POST /health; goal is to exercise the middleware branch.
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
