package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/tubescope/internal/config"
	"github.com/kalambet/tubescope/internal/settings"
	"github.com/kalambet/tubescope/internal/storage"
	"github.com/kalambet/tubescope/internal/vault"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points every command at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestReportsListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /reports": `[{"channelId":"UC1","brandName":"Acme","timestamp":1750000000000,"createdAt":"x"}]`,
	})
	useServer(t, ts)

	if err := runCommand(t, "reports", "list", "--channel", "@acme", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/reports?channel=%40acme&limit=5" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestReportsDeleteCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /reports/UC1":               `{"deleted":2}`,
		"DELETE /reports/UC1/1750000000000": "",
	})
	useServer(t, ts)

	if err := runCommand(t, "reports", "delete", "UC1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if err := runCommand(t, "reports", "delete", "UC1", "--at", "1750000000000"); err != nil {
		t.Fatalf("delete one: %v", err)
	}
	reportsDeleteCmd.Flags().Set("at", "0")

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[1].Path != "/reports/UC1/1750000000000" {
		t.Errorf("second path = %q", ts.requests[1].Path)
	}
}

func TestReportsClear_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /reports": `{"deleted":3}`})
	useServer(t, ts)

	if err := runCommand(t, "reports", "clear"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatalf("clear without --confirm sent %d requests", len(ts.requests))
	}
}

func TestJobsClearCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /jobs": `{"deleted":4}`})
	useServer(t, ts)

	if err := runCommand(t, "jobs", "clear"); err != nil {
		t.Fatalf("without confirm: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatalf("clear without --confirm sent %d requests", len(ts.requests))
	}

	if err := runCommand(t, "jobs", "clear", "--confirm"); err != nil {
		t.Fatalf("with confirm: %v", err)
	}
	jobsClearCmd.Flags().Set("confirm", "false")

	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodDelete || ts.requests[0].Path != "/jobs" {
		t.Errorf("requests = %+v, want one DELETE /jobs", ts.requests)
	}
}

func TestAliasSetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{"PUT /aliases/@acme": ""})
	useServer(t, ts)

	if err := runCommand(t, "alias", "set", "@acme", "UC123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["channelId"] != "UC123" {
		t.Errorf("body.channelId = %q, want UC123", body["channelId"])
	}
}

func TestQuotaRecordCommand(t *testing.T) {
	status := `[{"provider":"youtube","used":5,"total":10000,"remaining":9995,"percentage":0,"color":"green"}]`
	ts := newTestServer(t, map[string]string{
		"POST /quota/youtube": status,
		"POST /quota/gemini":  status,
	})
	useServer(t, ts)

	if err := runCommand(t, "quota", "record", "youtube", "--cost", "5"); err != nil {
		t.Fatalf("record youtube: %v", err)
	}
	quotaRecordCmd.Flags().Set("cost", "0")
	if err := runCommand(t, "quota", "record", "gemini"); err != nil {
		t.Fatalf("record gemini: %v", err)
	}

	if ts.requests[0].Body != `{"cost":5}` {
		t.Errorf("youtube body = %q", ts.requests[0].Body)
	}
	if ts.requests[1].Body != "" {
		t.Errorf("gemini body = %q, want empty", ts.requests[1].Body)
	}
}

func TestQuotaRecordCommand_InvalidProvider(t *testing.T) {
	err := runCommand(t, "quota", "record", "bing")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/reports")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bearer token") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestQuotaBar(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	tests := []struct {
		pct    int
		filled int
	}{
		{0, 0},
		{50, 10},
		{100, 20},
		{135, 20},
		{-5, 0},
	}
	for _, tt := range tests {
		bar := quotaBar(tt.pct, "green")
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("quotaBar(%d) filled = %d, want %d", tt.pct, got, tt.filled)
		}
		if got := len([]rune(bar)); got != barWidth {
			t.Errorf("quotaBar(%d) width = %d, want %d", tt.pct, got, barWidth)
		}
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "(not set)"},
		{"abc", "•••"},
		{"AIzaSyExampleKey1234", "AIza••••••••1234"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAgo(t *testing.T) {
	if got := ago(0); got != "-" {
		t.Errorf("ago(0) = %q, want -", got)
	}
	if got := ago(time.Now().Add(-3 * time.Hour).UnixMilli()); got != "3 hours ago" {
		t.Errorf("ago(3h) = %q, want %q", got, "3 hours ago")
	}
}

func TestSettingsCommands(t *testing.T) {
	area := storage.NewMemoryArea(storage.DefaultCapacity)
	enc, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	store := settings.New(area, enc, settings.Options{})

	oldOpen := openSettings
	openSettings = func() (*settings.Store, config.Config, func(), error) {
		cfg := config.Config{}
		cfg.Gemini.Tier = "free"
		return store, cfg, func() {}, nil
	}
	t.Cleanup(func() { openSettings = oldOpen })

	// set-model pushes the new limits to a running server.
	ts := newTestServer(t, map[string]string{"PUT /quota/gemini/limits": `[]`})
	useServer(t, ts)

	if err := runCommand(t, "settings", "set-key", "gemini", "AIzaSyExampleKey1234"); err != nil {
		t.Fatalf("set-key: %v", err)
	}
	if err := runCommand(t, "settings", "set-model", "gemini-2.5-pro"); err != nil {
		t.Fatalf("set-model: %v", err)
	}

	raw, ok := area.GetItem(settings.Key)
	if !ok {
		t.Fatal("settings record not written")
	}
	if strings.Contains(raw, "AIzaSyExampleKey1234") {
		t.Error("API key stored in plaintext")
	}

	s, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.GeminiAPIKey != "AIzaSyExampleKey1234" || s.GeminiModel != "gemini-2.5-pro" {
		t.Errorf("settings = %+v", s)
	}

	if len(ts.requests) != 1 || ts.requests[0].Path != "/quota/gemini/limits" {
		t.Fatalf("limits push requests = %+v", ts.requests)
	}

	if err := runCommand(t, "settings", "set-key", "bing", "x"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Gemini.Model = "gemini-2.0-flash"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}
