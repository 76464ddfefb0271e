package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/billing"
	"github.com/flowmerce/flowmerce/internal/config"
)

func loadTestConfig(t *testing.T, mutate func(map[string]any)) *config.Config {
	t.Helper()
	raw := map[string]any{
		"server": map[string]any{
			"addr":      "127.0.0.1:0",
			"media_dir": t.TempDir(),
		},
		"auth": map[string]any{
			"jwt_secret": "test-secret-at-least-32-chars-long",
			"initial_admin": map[string]any{
				"email":    "owner@shop.test",
				"password": "ownerpassword123",
			},
		},
		"storage": map[string]any{"driver": "sqlite", "dsn": ":memory:"},
		"metrics": map[string]any{"enabled": true},
	}
	if mutate != nil {
		mutate(raw)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "flowmerce.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewBootstrapsAdmin(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	a, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	pair, user, err := a.Auth().Login(context.Background(), "owner@shop.test", "ownerpassword123")
	if err != nil {
		t.Fatalf("login as bootstrapped admin: %v", err)
	}
	if !user.IsSuperuser || pair.Access == "" {
		t.Errorf("unexpected admin: %+v", user)
	}

	// A second bootstrap finds the account and does nothing.
	if err := a.Auth().BootstrapAdmin(context.Background(), cfg.Auth.InitialAdmin); err != nil {
		t.Errorf("second bootstrap: %v", err)
	}
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	a, err := New(loadTestConfig(t, nil), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestScheduleRejectsBadCron(t *testing.T) {
	cfg := loadTestConfig(t, func(raw map[string]any) {
		raw["subscription"] = map[string]any{"sweep_schedule": "every now and then"}
	})
	a, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.schedule(context.Background())
	if err == nil || !strings.Contains(err.Error(), "subscription sweep") {
		t.Fatalf("expected schedule error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(loadTestConfig(t, nil), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestSweepAndPurgeDoNotPanicOnEmptyStore(t *testing.T) {
	a, err := New(loadTestConfig(t, nil), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	a.sweep(context.Background())
	a.purgeTokens(context.Background())
}

func TestSweepLogsOnce(t *testing.T) {
	var logs bytes.Buffer
	a, err := New(loadTestConfig(t, nil), slog.New(slog.NewJSONHandler(&logs, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	_, owner, err := a.Auth().Login(ctx, "owner@shop.test", "ownerpassword123")
	if err != nil {
		t.Fatal(err)
	}
	u, err := a.Auth().Register(ctx, auth.RegisterInput{Email: "clerk@shop.test", Password: "clerkpass123"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Billing().Grant(ctx, auth.IdentityOf(owner), billing.GrantInput{UserID: u.ID, Plan: billing.PlanPro, Days: 2}); err != nil {
		t.Fatal(err)
	}

	logs.Reset()
	a.sweep(ctx)
	if n := strings.Count(logs.String(), `"msg":"subscription sweep"`); n != 1 {
		t.Errorf("expected one sweep log line, got %d:\n%s", n, logs.String())
	}
}
