package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/dispatch/adapter/inmem"
	"dispatchkit/internal/dispatch/adapter/jwks"
	"dispatchkit/internal/dispatch/adapter/proxy"
	"dispatchkit/internal/dispatch/adapter/routes"
	"dispatchkit/internal/dispatch/interceptor"
	"dispatchkit/internal/domain"
	"dispatchkit/internal/platform/server"
	"dispatchkit/internal/platform/telemetry"
	"dispatchkit/internal/testutil"
)

type edgeOptions struct {
	burst           int
	deferredTimeout time.Duration
}

// startEdge assembles the dispatcher with the full interceptor stack and the
// proxying handlers, then serves it on a real listener.
func startEdge(t *testing.T, jwksURL, catalogURL, filesURL string, opts edgeOptions) (string, context.CancelFunc) {
	t.Helper()

	addr := freeAddr(t)

	jwksClient := jwks.NewClient(jwksURL, 1*time.Minute)

	catalog, err := proxy.NewBackend("catalog", catalogURL, nil)
	if err != nil {
		t.Fatalf("NewBackend(catalog): %v", err)
	}
	files, err := proxy.NewBackend("files", filesURL, nil)
	if err != nil {
		t.Fatalf("NewBackend(files): %v", err)
	}

	burst := opts.burst
	if burst == 0 {
		burst = 100
	}
	deferredTimeout := opts.deferredTimeout
	if deferredTimeout == 0 {
		deferredTimeout = 5 * time.Second
	}

	now := time.Now()
	rl := inmem.NewRateLimiter(100, burst, func() time.Time { return now })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	shutdown, err := telemetry.Setup(context.Background(), "dispatch-test")
	if err != nil {
		t.Fatalf("telemetry setup: %v", err)
	}
	t.Cleanup(func() { shutdown(context.Background()) })

	publicPaths := []string{"/healthz", "/readyz"}

	mapping := routes.NewMapping()
	mapping.Use(
		interceptor.RequestID{},
		interceptor.NewLogging(logger),
		interceptor.NewRateLimit(rl, nil),
		interceptor.NewAuth(jwksClient, publicPaths, nil),
	)

	catalogScopes := interceptor.RequireScope{Read: "catalog:read", Write: "catalog:write"}
	fileScopes := interceptor.RequireScope{Read: "files:read", Write: "files:write"}

	mapping.Handle(http.MethodGet, "/v1/catalog/{id}", catalog, catalogScopes)
	mapping.Handle(http.MethodPost, "/v1/catalog", catalog, catalogScopes)
	mapping.Handle(http.MethodGet, "/v1/files/{id}", files, fileScopes)

	// Deferred route: result delivered from a separate goroutine
	mapping.HandleFunc(http.MethodGet, "/v1/reports/{id}", func(_ http.ResponseWriter, r *http.Request) (*dispatch.Result, error) {
		id := dispatch.PathParam(r, "id")
		done := make(chan dispatch.Outcome, 1)
		go func() {
			time.Sleep(20 * time.Millisecond)
			done <- dispatch.Outcome{Result: dispatch.NewResult(http.StatusOK, map[string]string{
				"report_id": id,
				"state":     "done",
			})}
		}()
		return dispatch.NewConcurrentResult(done), nil
	}, catalogScopes)

	// Deferred route that never delivers, to exercise the timeout path
	mapping.HandleFunc(http.MethodGet, "/v1/reports/{id}/stuck", func(_ http.ResponseWriter, _ *http.Request) (*dispatch.Result, error) {
		return dispatch.NewConcurrentResult(make(chan dispatch.Outcome)), nil
	}, catalogScopes)

	mapping.HandleFunc(http.MethodGet, "/healthz", func(_ http.ResponseWriter, _ *http.Request) (*dispatch.Result, error) {
		return dispatch.NewResult(http.StatusOK, map[string]string{"status": "ok"}), nil
	})

	dispatcher := dispatch.NewDispatcher(mapping, nil, deferredTimeout)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", dispatcher)

	srv := server.New(addr, mux)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Run(ctx); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	baseURL := "http://" + addr
	waitForReady(t, baseURL+"/healthz")

	return baseURL, cancel
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitForReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not become ready at %s", url)
}

func TestFullDispatchFlow(t *testing.T) {
	kid, priv, pub := testutil.GenerateTestKeyPair(t)

	jwksSrv := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer jwksSrv.Close()

	catalogSrv := httptest.NewServer(testutil.MockBackendHandler("catalog"))
	defer catalogSrv.Close()

	filesSrv := httptest.NewServer(testutil.MockBackendHandler("files"))
	defer filesSrv.Close()

	baseURL, cancel := startEdge(t, jwksSrv.URL, catalogSrv.URL, filesSrv.URL, edgeOptions{})
	defer cancel()

	principal := domain.Principal{
		ID:     "user-42",
		Type:   domain.PrincipalUser,
		Scopes: []domain.Scope{"catalog:read", "catalog:write", "files:read", "files:write"},
	}
	token := testutil.IssueTestToken(t, kid, priv, principal, 15*time.Minute)

	t.Run("authenticated catalog request", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
		}

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		if body["backend"] != "catalog" {
			t.Errorf("expected catalog backend, got %v", body["backend"])
		}
		if body["principal_id"] != "user-42" {
			t.Errorf("expected principal_id user-42, got %v", body["principal_id"])
		}
	})

	t.Run("authenticated file request", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/files/abc", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		if body["backend"] != "files" {
			t.Errorf("expected files backend, got %v", body["backend"])
		}
	})

	t.Run("deferred report request", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/reports/weekly", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		if body["report_id"] != "weekly" || body["state"] != "done" {
			t.Errorf("unexpected report body: %v", body)
		}
	})

	t.Run("unauthenticated request returns 401", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/v1/catalog/item-1")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		expiredToken := testutil.IssueTestToken(t, kid, priv, principal, -1*time.Minute)

		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
		req.Header.Set("Authorization", "Bearer "+expiredToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("insufficient scope returns 403", func(t *testing.T) {
		readOnly := domain.Principal{
			ID:     "user-limited",
			Type:   domain.PrincipalUser,
			Scopes: []domain.Scope{"files:read"},
		}
		readOnlyToken := testutil.IssueTestToken(t, kid, priv, readOnly, 15*time.Minute)

		req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/catalog", nil)
		req.Header.Set("Authorization", "Bearer "+readOnlyToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown path returns 404", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/unknown", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}

		var errResp domain.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "not_found" {
			t.Errorf("expected error 'not_found', got %q", errResp.Error)
		}
	})

	t.Run("healthz accessible without auth", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("request ID propagated", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Request-ID", "custom-req-id")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()

		if resp.Header.Get("X-Request-ID") != "custom-req-id" {
			t.Errorf("expected X-Request-ID 'custom-req-id', got %q", resp.Header.Get("X-Request-ID"))
		}

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		if body["request_id"] != "custom-req-id" {
			t.Errorf("expected request_id propagated to backend, got %v", body["request_id"])
		}
	})

	t.Run("request ID generated when missing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()

		if resp.Header.Get("X-Request-ID") == "" {
			t.Error("expected auto-generated X-Request-ID")
		}
	})
}

func TestDeferredTimeoutIntegration(t *testing.T) {
	kid, priv, pub := testutil.GenerateTestKeyPair(t)

	jwksSrv := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer jwksSrv.Close()

	catalogSrv := httptest.NewServer(testutil.MockBackendHandler("catalog"))
	defer catalogSrv.Close()

	filesSrv := httptest.NewServer(testutil.MockBackendHandler("files"))
	defer filesSrv.Close()

	baseURL, cancel := startEdge(t, jwksSrv.URL, catalogSrv.URL, filesSrv.URL, edgeOptions{
		deferredTimeout: 50 * time.Millisecond,
	})
	defer cancel()

	principal := domain.Principal{
		ID:     "user-1",
		Type:   domain.PrincipalUser,
		Scopes: []domain.Scope{"catalog:read"},
	}
	token := testutil.IssueTestToken(t, kid, priv, principal, 15*time.Minute)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/reports/weekly/stuck", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", resp.StatusCode)
	}

	var errResp domain.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error != "timeout" {
		t.Errorf("expected error 'timeout', got %q", errResp.Error)
	}
}

func TestRateLimitingIntegration(t *testing.T) {
	kid, priv, pub := testutil.GenerateTestKeyPair(t)

	jwksSrv := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer jwksSrv.Close()

	catalogSrv := httptest.NewServer(testutil.MockBackendHandler("catalog"))
	defer catalogSrv.Close()

	filesSrv := httptest.NewServer(testutil.MockBackendHandler("files"))
	defer filesSrv.Close()

	// Small burst; waitForReady polling of /healthz consumes some tokens
	baseURL, cancel := startEdge(t, jwksSrv.URL, catalogSrv.URL, filesSrv.URL, edgeOptions{burst: 5})
	defer cancel()

	principal := domain.Principal{
		ID:     "user-1",
		Type:   domain.PrincipalUser,
		Scopes: []domain.Scope{"catalog:read"},
	}
	token := testutil.IssueTestToken(t, kid, priv, principal, 15*time.Minute)

	var lastStatus int
	for i := range 20 {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			break
		}
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("expected at least one 429 after burst exhaustion, last status: %d", lastStatus)
	}

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/catalog/item-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var errResp domain.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error != "rate_limited" {
		t.Errorf("expected error 'rate_limited', got %q", errResp.Error)
	}
}
