package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/server"
)

func TestEncodeOriginsSortsByName(t *testing.T) {
	routes := []server.OriginRoute{
		{Config: config.OriginConfig{Name: "mirror", Domain: "mirror.local", Upstream: "origin://main"}},
		{Config: config.OriginConfig{Name: "main", Domain: "main.local", Upstream: "https://repo.example", Username: "u", Password: "p"}},
	}
	encoded := encodeOrigins(routes, map[string]string{"main": "https://repo.example"})
	if len(encoded) != 2 {
		t.Fatalf("expected 2 origins, got %d", len(encoded))
	}
	if encoded[0].Name != "main" || encoded[0].AuthMode != "credentialed" || encoded[0].Endpoint != "https://repo.example" {
		t.Fatalf("unexpected first origin %+v", encoded[0])
	}
	if encoded[1].LocalTarget != "main" {
		t.Fatalf("mirror should report its local target, got %+v", encoded[1])
	}
}

func TestOriginRoutes(t *testing.T) {
	app, rt := newDiagnosticsApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/origins", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Origins []originPayload `json:"origins"`
		LockCap int             `json:"lock_cap"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Origins) != 2 || payload.LockCap != rt.Cache.LockCap() {
		t.Fatalf("unexpected payload %+v", payload)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/origins/mirror", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var detail originPayload
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.MaxProtocol != 42 || detail.LocalTarget != "main" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/origins/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown origin, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	app, rt := newDiagnosticsApp(t)
	rt.Metrics.CacheLookup(true)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "csproxy_cache_lookups_total") {
		t.Fatalf("metrics output missing counters: status=%d body=%s", resp.StatusCode, body)
	}
}

func newDiagnosticsApp(t *testing.T) (*fiber.App, *server.Runtime) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
			CacheDir:   filepath.Join(dir, "changesets"),
			TmpDir:     filepath.Join(dir, "tmp"),
			LockCap:    8,
		},
		Origins: []config.OriginConfig{
			{Name: "main", Domain: "main.local", Upstream: "https://repo.example"},
			{Name: "mirror", Domain: "mirror.local", Upstream: "origin://main", MaxProtocol: 42},
		},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt, err := server.Bootstrap(cfg, logger, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	app := fiber.New()
	RegisterOriginRoutes(app, rt)
	RegisterMetricsRoute(app, rt.Metrics)
	return app, rt
}
