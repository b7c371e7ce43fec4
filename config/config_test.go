package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	squirrelstore "github.com/Keksclan/squirrelstore"
	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/metrics"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("Backend = %q, want memory", cfg.Backend)
	}
	if cfg.AutoSaveInterval != time.Minute || cfg.AutoSaveConcurrency != 8 {
		t.Fatalf("autosave = %v/%d", cfg.AutoSaveInterval, cfg.AutoSaveConcurrency)
	}
	r := cfg.ShutdownRetry()
	if r.MaxAttempts != 3 || r.BaseDelay != 500*time.Millisecond || r.MaxDelay != 5*time.Second {
		t.Fatalf("shutdown retry = %+v", r)
	}
	if cfg.CacheMaxCost != 0 || cfg.Tracing {
		t.Fatal("cache and tracing must be off by default")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SQUIRREL_BACKEND", "sqlite")
	t.Setenv("SQUIRREL_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("SQUIRREL_AUTOSAVE_INTERVAL", "15s")
	t.Setenv("SQUIRREL_SAVING_METHOD", "versioned")
	t.Setenv("SQUIRREL_READ_RPS", "2.5")
	t.Setenv("SQUIRREL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendSQLite || cfg.SQLitePath != "/tmp/x.db" {
		t.Fatalf("backend = %q %q", cfg.Backend, cfg.SQLitePath)
	}
	if cfg.AutoSaveInterval != 15*time.Second {
		t.Fatalf("AutoSaveInterval = %v", cfg.AutoSaveInterval)
	}
	if cfg.ReadRPS != 2.5 {
		t.Fatalf("ReadRPS = %v", cfg.ReadRPS)
	}
	if cfg.Logging().Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging().Level)
	}
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("SQUIRREL_AUTOSAVE_CONCURRENCY", "many")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidate_JoinsProblems(t *testing.T) {
	t.Setenv("SQUIRREL_BACKEND", "etcd")
	t.Setenv("SQUIRREL_SAVING_METHOD", "sharded")
	t.Setenv("SQUIRREL_SHUTDOWN_ATTEMPTS", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{`unknown backend "etcd"`, `unknown saving method "sharded"`, "shutdown attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestOpen_MemoryWithMiddleware(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.CacheMaxCost = 1 << 20
	cfg.ReadRPS = 1000
	cfg.Tracing = true

	st, err := cfg.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, ok := st.Backend.(*backend.Memory); !ok {
		t.Fatalf("Backend = %T, want *backend.Memory", st.Backend)
	}
	if len(st.Middlewares) != 3 {
		t.Fatalf("expected tracing, cache and throttle middleware, got %d", len(st.Middlewares))
	}
}

func TestNewStore_SQLiteRoundTrip(t *testing.T) {
	t.Setenv("SQUIRREL_BACKEND", "sqlite")
	t.Setenv("SQUIRREL_SQLITE_PATH", filepath.Join(t.TempDir(), "store.db"))
	t.Setenv("SQUIRREL_SAVING_METHOD", "versioned")
	t.Setenv("SQUIRREL_CACHE_MAX_COST", "1048576")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	logger, _ := logtest.NewNullLogger()

	store, st, err := cfg.NewStore(logger, m)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h, err := squirrelstore.Open[int](store, "coins", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Set(7); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	val, found, err := squirrelstore.Versioned().Load(t.Context(), st.Backend, squirrelstore.Key("coins", "p1"))
	if err != nil || !found || string(val) != "7" {
		t.Fatalf("stored = (%s, %v, %v)", val, found, err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := Config{Backend: "tape"}
	if _, err := cfg.Open(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
