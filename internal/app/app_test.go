package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStores_Memory(t *testing.T) {
	stores, err := OpenStores(context.Background(), config.DatabaseConfig{Driver: config.DriverMemory}, testLogger())
	require.NoError(t, err)
	defer stores.Close()

	assert.False(t, stores.Shared())
	_, err = stores.Executions.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOpenStores_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conveyor.db")

	stores, err := OpenStores(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, DSN: path}, testLogger())
	require.NoError(t, err)
	defer stores.Close()

	exec := domain.NewPipelineExecution("p1", "demo", []domain.StageDef{{ID: "s1", Executable: "s1.py"}}, 0)
	require.NoError(t, stores.Executions.Save(ctx, exec))

	got, err := stores.Executions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := OpenStores(context.Background(), config.DatabaseConfig{Driver: "mysql"}, testLogger())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestConnectMQ_Disabled(t *testing.T) {
	conn := ConnectMQ(context.Background(), config.RabbitMQConfig{}, testLogger())
	assert.Nil(t, conn)
}

func TestRegisterHealth(t *testing.T) {
	mux := http.NewServeMux()
	RegisterHealth(mux, time.Now())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ok "))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_StopsOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, time.Second, testLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	srv := &http.Server{Addr: "256.0.0.1:bad", Handler: http.NewServeMux()}
	err := Serve(context.Background(), srv, time.Second, testLogger())
	require.Error(t, err)
	assert.False(t, errors.Is(err, http.ErrServerClosed))
}

func TestNewQueue_AppliesConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	stores, err := OpenStores(context.Background(), config.DatabaseConfig{Driver: config.DriverMemory}, testLogger())
	require.NoError(t, err)

	q := NewQueue(cfg, stores.Jobs, nil, nil, testLogger())
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown(context.Background())

	job, err := q.Enqueue(context.Background(), domain.StageSubmission{
		PipelineID:     "p1",
		StageID:        "s1",
		ExecutablePath: "s1.py",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, cfg.Queue.MaxAttempts, job.MaxAttempts)
}
