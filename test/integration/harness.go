// Package integration provides a reusable test harness for end-to-end
// integration testing of the procflow server. It starts a full HTTP server
// over a real instance store, the watermill notifier and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/definition"
	"github.com/pitabwire/procflow/internal/idempotency"
	"github.com/pitabwire/procflow/internal/issue"
	"github.com/pitabwire/procflow/internal/notify"
	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/sqlstore"
	"github.com/pitabwire/procflow/internal/transport"
	"github.com/pitabwire/procflow/internal/workflow"
)

// TestHarness encapsulates a fully wired procflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry *definition.Registry
	Store    workflow.Store
	Engine   *workflow.Engine
	Issues   *issue.MemoryRepository
	Metrics  *observability.Metrics
	Redis    *miniredis.Miniredis

	mu            sync.Mutex
	notifications []workflow.Notification
	notified      chan struct{}
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	storeDriver    string
	idempotency    bool
	handlerTimeout time.Duration
	chainLimit     int
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithMemoryStore keeps instances in memory instead of SQLite.
func WithMemoryStore() HarnessOption {
	return func(c *harnessConfig) {
		c.storeDriver = "memory"
	}
}

// WithIdempotency enables idempotency keys backed by an in-process Redis.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithChainLimit bounds automatic transitions per action.
func WithChainLimit(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.chainLimit = n
	}
}

// NewTestHarness creates and starts a full procflow test instance. Everything
// is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		storeDriver:    "sqlite",
		handlerTimeout: 10 * time.Second,
		chainLimit:     10,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		notified: make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Step 1: Load definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("invalid definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 2: Open the instance store.
	switch hc.storeDriver {
	case "memory":
		h.Store = workflow.NewMemoryStore()
	default:
		dsn := filepath.Join(t.TempDir(), "procflow.db") + "?_time_format=sqlite"
		store, err := sqlstore.OpenSQLite(ctx, dsn)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		h.Store = store
	}

	// Step 3: Wire notifications and collect everything published.
	pubsub := notify.NewPubSub(64, nil)
	t.Cleanup(func() { _ = pubsub.Close() })
	for _, kind := range notify.Kinds {
		msgs, err := pubsub.Subscribe(ctx, notify.Topic(kind))
		if err != nil {
			t.Fatalf("subscribe %s: %v", kind, err)
		}
		go h.collect(msgs)
	}

	// Step 4: Build the engine and the issue service.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Issues = issue.NewMemoryRepository()
	objects := workflow.NewObjectRegistry()
	issue.Register(objects, h.Issues)
	h.Engine = workflow.NewEngine(h.Registry, h.Store, objects, nil,
		workflow.WithMetrics(h.Metrics),
		workflow.WithNotifier(notify.NewWatermillNotifier(pubsub)),
		workflow.WithChainLimit(hc.chainLimit),
	)

	// Step 5: Build config.
	cfg := config.Defaults()
	cfg.Identity = h.issuer.identity
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Idempotency.Enabled = hc.idempotency

	// Step 6: Idempotency over miniredis.
	var idem idempotency.Store
	if hc.idempotency {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		idem = idempotency.NewRedisStore(client)
	}

	// Step 7: Build router with full middleware chain.
	readiness := observability.ReadinessChecks{ProcessesLoaded: h.Registry.Len}
	if checker, ok := h.Store.(observability.HealthChecker); ok {
		readiness.Store = checker
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, h.issuer.secret),
		Engine:       h.Engine,
		Issues:       issue.NewService(h.Issues, h.Engine, nil),
		Idempotency:  idem,
		Metrics:      h.Metrics,
		Readiness:    readiness,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) collect(msgs <-chan *message.Message) {
	for msg := range msgs {
		var n workflow.Notification
		if err := json.Unmarshal(msg.Payload, &n); err == nil {
			h.mu.Lock()
			h.notifications = append(h.notifications, n)
			h.mu.Unlock()
			select {
			case h.notified <- struct{}{}:
			default:
			}
		}
		msg.Ack()
	}
}

// Notifications returns the notifications received so far matching keep.
func (h *TestHarness) Notifications(keep func(workflow.Notification) bool) []workflow.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []workflow.Notification
	for _, n := range h.notifications {
		if keep == nil || keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// WaitForNotifications waits until at least n notifications match keep.
func (h *TestHarness) WaitForNotifications(n int, keep func(workflow.Notification) bool) []workflow.Notification {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := h.Notifications(keep); len(got) >= n {
			return got
		}
		select {
		case <-h.notified:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			h.t.Fatalf("timed out waiting for %d notifications, have %d", n, len(h.Notifications(keep)))
		}
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT for user.
func (h *TestHarness) GenerateToken(user string) string {
	return h.issuer.GenerateToken(user)
}

// GenerateExpiredToken creates a JWT for user that has already expired.
func (h *TestHarness) GenerateExpiredToken(user string) string {
	return h.issuer.GenerateExpiredToken(user)
}

// --- HTTP client helpers ---

// GET performs a GET request as user. An empty user sends no token.
func (h *TestHarness) GET(path, user string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, user, nil)
}

// POST performs a POST request with a JSON body as user.
func (h *TestHarness) POST(path string, body any, user string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, user, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, user string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, user, headers)
}

// PATCH performs a PATCH request with a JSON body as user.
func (h *TestHarness) PATCH(path string, body any, user string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, user, nil)
}

// DELETE performs a DELETE request as user.
func (h *TestHarness) DELETE(path, user string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, user, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, user string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.issuer.GenerateToken(user))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
