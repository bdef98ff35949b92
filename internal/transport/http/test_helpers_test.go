package http

import (
	"database/sql"
	stdhttp "net/http"
	"testing"
	"time"

	"github.com/griefhaven/callcore/internal/auth"
	"github.com/griefhaven/callcore/internal/config"
	"github.com/griefhaven/callcore/internal/dispatch"
	"github.com/griefhaven/callcore/internal/log"
	"github.com/griefhaven/callcore/internal/registry"
	"github.com/griefhaven/callcore/internal/store/sqlite"
)

func testConfig(jwtSecret string) *config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.JWTSecret = jwtSecret
	cfg.LiveKitAPIKey = "devkey"
	cfg.LiveKitAPISecret = "devsecret-devsecret-devsecret-00"
	cfg.LiveKitURL = "ws://media.test:7880"
	return &cfg
}

func createTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(sqlite.Schema)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestServer(t *testing.T, jwtSecret string) (*stdhttp.Server, *dispatch.Hub, *sqlite.SQLiteStore) {
	t.Helper()

	st := createTestStore(t)
	hub := dispatch.NewHub(registry.NewMemory(), log.Nop())
	server := NewServer(hub, st, testConfig(jwtSecret), log.Nop())
	return server, hub, st
}

func apiToken(t *testing.T, secret, userID, displayName string) string {
	t.Helper()

	cfg := &auth.JWTConfig{
		Secret:   []byte(secret),
		Issuer:   "callcore",
		Audience: "callcore",
		TTL:      time.Hour,
	}
	token, err := auth.GenerateToken(cfg, userID, displayName)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}
