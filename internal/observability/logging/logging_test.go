package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"gibberish", slog.LevelInfo},
		{"  error  ", slog.LevelError},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.input).Level(); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestNewSelectsFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})
	logger.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" || entry["key"] != "value" {
		t.Fatalf("unexpected entry %v", entry)
	}

	buf.Reset()
	logger = New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})
	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info record leaked through warn level: %q", buf.String())
	}
	logger.Warn("emitted")
	if buf.Len() == 0 {
		t.Fatal("warn record was dropped")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "gateway")
	logger.Info("ready")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["component"] != "gateway" {
		t.Fatalf("missing component field: %v", entry)
	}
	if WithComponent(nil, "gateway") != nil {
		t.Fatal("nil logger must stay nil")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "req-1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", id, ok)
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("bare context must not carry a request id")
	}
	if ctx := ContextWithRequestID(context.Background(), "  "); ctx != context.Background() {
		t.Fatal("blank id must not alter the context")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"user_agent", r.UserAgent()}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("User-Agent", "test-agent")
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-42"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry %q: %v", buf.String(), err)
	}
	if entry["method"] != http.MethodGet || entry["path"] != "/api/users" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status not recorded: %v", entry)
	}
	if entry["request_id"] != "req-42" {
		t.Fatalf("request id not carried: %v", entry)
	}
	if entry["user_agent"] != "test-agent" {
		t.Fatalf("additional fields dropped: %v", entry)
	}
	if _, ok := entry["remote_addr"]; !ok {
		t.Fatalf("remote addr missing: %v", entry)
	}
}

func TestRequestLoggerDefaultsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Fatalf("implicit status must log as 200: %v", entry)
	}
	if _, ok := entry["remote_addr"]; ok {
		t.Fatalf("remote addr should be suppressed: %v", entry)
	}
}
