package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testSandboxConfig(apiURL string) *config.SandboxConfig {
	return &config.SandboxConfig{
		APIKey:        "test-key",
		Domain:        "e2b.app",
		APIURL:        apiURL,
		Template:      "nextjs16-tailwind4",
		TimeoutSec:    600,
		PreviewPort:   3000,
		ProjectDir:    "/home/user",
		StartupSettle: time.Millisecond,
		ReadyTimeout:  time.Second,
		ProbeTimeout:  time.Second,
	}
}

func TestNewE2BProvider_RequiresAPIKey(t *testing.T) {
	cfg := testSandboxConfig("")
	cfg.APIKey = ""

	p, err := NewE2BProvider(cfg, testLogger())
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestClampTimeoutSec(t *testing.T) {
	assert.Equal(t, 600, clampTimeoutSec(600*time.Second))
	assert.Equal(t, 1, clampTimeoutSec(0))
	assert.Equal(t, 1, clampTimeoutSec(500*time.Millisecond))
	assert.Equal(t, e2bMaxTimeoutSec, clampTimeoutSec(48*time.Hour))
}

func TestE2BProvider_Create(t *testing.T) {
	var captured e2bCreateRequest

	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		if r.URL.Path == "/sandboxes" && r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(e2bSandboxResponse{
				SandboxID:       "sb-new-123",
				EnvdAccessToken: "envd-token",
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)

	handle, err := p.Create(context.Background(), "nextjs16-tailwind4", 600*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "sb-new-123", handle.ID())
	assert.Equal(t, "nextjs16-tailwind4", captured.TemplateID)
	assert.Equal(t, 600, captured.Timeout)

	creates, connects := p.Stats()
	assert.Equal(t, int64(1), creates)
	assert.Equal(t, int64(0), connects)
}

func TestE2BProvider_Create_ControlPlaneError(t *testing.T) {
	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid api key"))
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)

	_, err = p.Create(context.Background(), "nextjs16-tailwind4", 600*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestE2BProvider_Connect(t *testing.T) {
	var captured e2bConnectRequest

	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/connect") {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(e2bSandboxResponse{
				SandboxID:       "sb-existing",
				EnvdAccessToken: "refreshed-token",
				Domain:          "custom.e2b.dev",
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)

	handle, err := p.Connect(context.Background(), "sb-existing", 600*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "sb-existing", handle.ID())
	assert.Equal(t, 600, captured.Timeout)
	// Domain from the connect response wins over the configured default.
	assert.Equal(t, "3000-sb-existing.custom.e2b.dev", handle.PublicHost(3000))
}

func TestE2BProvider_Connect_Expired(t *testing.T) {
	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("sandbox not found"))
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)

	_, err = p.Connect(context.Background(), "sb-expired", 600*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestE2BHandle_PublicHost(t *testing.T) {
	h := &e2bHandle{id: "sandbox-abc123", domain: "e2b.app"}
	assert.Equal(t, "3000-sandbox-abc123.e2b.app", h.PublicHost(3000))
	assert.Equal(t, "49983-sandbox-abc123.e2b.app", h.PublicHost(49983))
}

func TestE2BHandle_Run(t *testing.T) {
	envdServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/commands/run", r.URL.Path)
		assert.Equal(t, "envd-token", r.Header.Get("X-Access-Token"))

		var req e2bCommandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/bin/bash", req.Cmd)
		require.Len(t, req.Args, 3)
		assert.Equal(t, "-l", req.Args[0])
		assert.Equal(t, "-c", req.Args[1])
		assert.Equal(t, "echo hello", req.Args[2])

		json.NewEncoder(w).Encode(e2bCommandResponse{
			Stdout:   "hello\n",
			ExitCode: 0,
		})
	}))
	defer envdServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(""), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-1", domain: "e2b.app", accessToken: "envd-token", envdBase: envdServer.URL}

	result, err := h.Run(context.Background(), "echo hello", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.True(t, result.Ok())
}

func TestE2BHandle_Run_NonZeroExitIsNotError(t *testing.T) {
	envdServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(e2bCommandResponse{
			Stderr:   "npm ERR! ERESOLVE unable to resolve dependency tree",
			ExitCode: 1,
		})
	}))
	defer envdServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(""), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-1", domain: "e2b.app", envdBase: envdServer.URL}

	result, err := h.Run(context.Background(), "npm install", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.False(t, result.Ok())
	assert.Contains(t, result.Stderr, "ERESOLVE")
}

func TestE2BHandle_WriteFile(t *testing.T) {
	var wrotePath, wroteContent string

	envdServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/commands/run":
			// mkdir -p for the parent directory
			json.NewEncoder(w).Encode(e2bCommandResponse{ExitCode: 0})
		case "/files":
			require.Equal(t, http.MethodPost, r.Method)
			assert.Contains(t, r.Header.Get("Content-Type"), "multipart/form-data")
			wrotePath = r.URL.Query().Get("path")

			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			wroteContent = string(data)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer envdServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(""), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-1", domain: "e2b.app", accessToken: "tok", envdBase: envdServer.URL}

	err = h.WriteFile(context.Background(), "/home/user/app/page.tsx", "export default function Page() {}")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/app/page.tsx", wrotePath)
	assert.Equal(t, "export default function Page() {}", wroteContent)
}

func TestE2BHandle_ReadFile(t *testing.T) {
	envdServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Query().Get("path") {
		case "/home/user/app/page.tsx":
			w.Write([]byte("file content here"))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("not found"))
		}
	}))
	defer envdServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(""), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-1", domain: "e2b.app", envdBase: envdServer.URL}

	content, err := h.ReadFile(context.Background(), "/home/user/app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "file content here", content)

	_, err = h.ReadFile(context.Background(), "/home/user/missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestE2BHandle_SetTimeout(t *testing.T) {
	var captured map[string]int

	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sandboxes/sb-1/timeout" {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-1", domain: "e2b.app"}

	require.NoError(t, h.SetTimeout(context.Background(), 600*time.Second))
	assert.Equal(t, 600, captured["timeout"])
}

func TestE2BHandle_Kill(t *testing.T) {
	var deletedID string

	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/sandboxes/") {
			deletedID = strings.TrimPrefix(r.URL.Path, "/sandboxes/")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-del", domain: "e2b.app"}

	require.NoError(t, h.Kill(context.Background()))
	assert.Equal(t, "sb-del", deletedID)
}

func TestE2BHandle_Kill_AlreadyGone(t *testing.T) {
	cpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("sandbox not found"))
	}))
	defer cpServer.Close()

	p, err := NewE2BProvider(testSandboxConfig(cpServer.URL), testLogger())
	require.NoError(t, err)
	h := &e2bHandle{provider: p, id: "sb-gone", domain: "e2b.app"}

	// 404 on delete means the sandbox already expired.
	assert.NoError(t, h.Kill(context.Background()))
}
