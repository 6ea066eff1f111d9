package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ShutdownTimeout: time.Second,
		},
		Logging: config.LoggingConfig{Level: "error"},
		Store:   config.StoreConfig{Driver: config.StoreMemory},
	}
}

func TestApp_DependencyGraph(t *testing.T) {
	require.NoError(t, fx.ValidateApp(newApp(memoryConfig())))
}

func TestApp_ServesHealthAndRoutes(t *testing.T) {
	var srv *http.Server
	app := fxtest.New(t, newApp(memoryConfig()), fx.Populate(&srv))
	defer app.RequireStart().RequireStop()

	// The server listens on a random port; the handler is exercised directly.
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(ts.URL + "/truelayer/callback?error=access_denied")
	require.NoError(t, err)
	resp.Body.Close()
	// Without a frontend URL the outcome is rendered in place.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMigrate_MemoryStoreIsNoop(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--logging.level=error"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
}

func TestMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PRESUPUESTO_TRUELAYER_CLIENT_ID", "id")
	t.Setenv("PRESUPUESTO_TRUELAYER_CLIENT_SECRET", "secret")
	t.Setenv("PRESUPUESTO_TRUELAYER_STATE_SECRET", "state")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--store.driver=sqlite", "--store.dsn=file:presupuesto.db", "--logging.level=error"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.FileExists(t, "presupuesto.db")
}
