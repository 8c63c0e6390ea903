package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/manifest"
)

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NODE_ENV", "test")
	t.Setenv("BROKER_DB_PATH", filepath.Join(t.TempDir(), "broker.sqlite3"))
	t.Setenv("BROKER_DATABASE_URL", "")
	t.Setenv("BROKER_REDIS_ADDR", "")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("BROKER_URL", "")
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"puffer-broker"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"serve", "migrate", "sign-manifest", "request", "status", "pending", "decide", "health"} {
		assert.Contains(t, out, cmd)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_UsageErrors(t *testing.T) {
	testEnv(t)

	code, _, errOut := run("status")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage")

	code, _, _ = run("decide", "abc", "MAYBE")
	assert.Equal(t, 2, code)

	code, _, _ = run("request", "--month", "3")
	assert.Equal(t, 2, code)

	code, _, _ = run("sign-manifest", "--request-id", "abc")
	assert.Equal(t, 2, code)
}

func TestMigrate(t *testing.T) {
	testEnv(t)

	code, out, errOut := run("migrate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "migrations applied (sqlite)")

	code, _, errOut = run("migrate")
	assert.Equal(t, 0, code, errOut)
}

func TestMigrate_ConfigError(t *testing.T) {
	testEnv(t)
	t.Setenv("BROKER_PORT", "-1")

	code, _, errOut := run("migrate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "BROKER_PORT")
}

func TestSignManifest_CopiesAndSigns(t *testing.T) {
	testEnv(t)
	inbox := t.TempDir()
	src := filepath.Join(t.TempDir(), "statement.pdf")
	data := []byte("%PDF-1.7 may")
	require.NoError(t, os.WriteFile(src, data, 0o600))

	code, out, errOut := run("sign-manifest", "--inbox", inbox, "--request-id", "req-1", "--file", src, "--nonce", "n-1")
	require.Equal(t, 0, code, errOut)
	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(inbox, "req-1"+manifest.Suffix), path)

	copied, err := os.ReadFile(filepath.Join(inbox, "statement.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, copied)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	m, err := manifest.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "statement.pdf", m.Filename)
	assert.Equal(t, crypto.SHA256Hex(data), m.SHA256)
	assert.Equal(t, int64(len(data)), m.Bytes)
	assert.Equal(t, "n-1", m.Nonce)

	signer, err := crypto.NewHMACSigner("test_broker_phone_shared_secret")
	require.NoError(t, err)
	ok, err := manifest.Verify(signer, m)
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := os.ReadDir(inbox)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")
}

func TestServe_OperatorFlow(t *testing.T) {
	testEnv(t)
	inbox := t.TempDir()
	t.Setenv("ICLOUD_INBOX_PATH", inbox)
	t.Setenv("BROKER_RECONCILE_INTERVAL", "50ms")
	t.Setenv("BROKER_STABILITY_WINDOW", "5ms")

	cfg, err := config.Load()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("serve did not stop")
		}
	})

	require.Eventually(t, func() bool {
		code, _, _ := run("health", "--url", url)
		return code == 0
	}, 5*time.Second, 20*time.Millisecond)

	code, out, errOut := run("request", "--url", url, "--month", "5", "--year", "2026", "--idempotency-key", "op-1")
	require.Equal(t, 0, code, errOut)
	var created struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "PENDING_APPROVAL", created.Status)

	code, out, errOut = run("pending", "--url", url)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, created.RequestID)

	code, out, errOut = run("decide", created.RequestID, "approve", "--url", url)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "EXECUTING")

	src := filepath.Join(t.TempDir(), "may.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7 statement"), 0o600))
	code, _, errOut = run("sign-manifest", "--request-id", created.RequestID, "--file", src)
	require.Equal(t, 0, code, errOut)

	require.Eventually(t, func() bool {
		code, out, _ := run("status", created.RequestID, "--url", url)
		return code == 0 && strings.Contains(out, "COMPLETED")
	}, 10*time.Second, 50*time.Millisecond)

	code, _, errOut = run("status", "missing", "--url", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "REQUEST_NOT_FOUND")
}

func TestHealth_Unreachable(t *testing.T) {
	testEnv(t)
	code, _, errOut := run("health", "--url", "http://127.0.0.1:1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Health check failed")
}
