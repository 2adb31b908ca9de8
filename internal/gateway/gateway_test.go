package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"compligate.org/internal/credstore"
)

func newTestGateway(t *testing.T, serverURL string, store credstore.Store) *Gateway {
	t.Helper()
	g, err := New(serverURL, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func seed(t *testing.T, store credstore.Store, access, refresh string) {
	t.Helper()
	if access != "" {
		if err := store.Set(credstore.KeyAccess, access); err != nil {
			t.Fatalf("seed access: %v", err)
		}
	}
	if refresh != "" {
		if err := store.Set(credstore.KeyRefresh, refresh); err != nil {
			t.Fatalf("seed refresh: %v", err)
		}
	}
}

func TestDoSendsFreshBearerAndRequestHeaders(t *testing.T) {
	var gotAuth, gotRequestID, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		gotIdem = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-1", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	resp, err := g.Do(context.Background(), Request{Method: http.MethodPost, Path: "vendors/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Status)
	}
	if gotAuth != "Bearer access-1" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotRequestID == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if gotIdem == "" {
		t.Fatalf("expected Idempotency-Key header on POST")
	}

	// A token rotated between calls is picked up on the next request.
	seed(t, store, "access-2", "")
	if _, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"}); err != nil {
		t.Fatalf("Do after rotation: %v", err)
	}
	if gotAuth != "Bearer access-2" {
		t.Fatalf("expected rotated bearer, got %q", gotAuth)
	}
}

func TestPublicRequestCarriesNoBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-1", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	if _, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/upload/tok/", Public: true}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("public request must not carry Authorization, got %q", gotAuth)
	}
}

func TestRefreshOnceRecoversTransparently(t *testing.T) {
	var refreshCalls, resourceCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["refresh"] != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access": "access-new"})
	})
	mux.HandleFunc("/api/vendors/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&resourceCalls, 1)
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-stale", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	resp, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected transparent recovery, got status %d", resp.Status)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if got := atomic.LoadInt32(&resourceCalls); got != 2 {
		t.Fatalf("expected original + one retry, got %d calls", got)
	}
	if access, _ := store.Get(credstore.KeyAccess); access != "access-new" {
		t.Fatalf("expected rotated access token persisted, got %q", access)
	}
}

func TestSecond401AfterRefreshIsFatal(t *testing.T) {
	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"access": "access-new"})
	})
	mux.HandleFunc("/api/vendors/", func(w http.ResponseWriter, r *http.Request) {
		// The server rejects even the refreshed token.
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-stale", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	var invalidated bool
	g.SetInvalidateHook(func() { invalidated = true })

	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected one refresh attempt, not %d", got)
	}
	if !invalidated {
		t.Fatalf("expected invalidate hook to fire")
	}
	if _, ok := store.Get(credstore.KeyAccess); ok {
		t.Fatalf("expected store cleared")
	}
}

func TestAbsentRefreshTokenIsFatalWithoutExchange(t *testing.T) {
	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	})
	mux.HandleFunc("/api/vendors/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-stale", "")
	g := newTestGateway(t, srv.URL, store)

	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 0 {
		t.Fatalf("expected no refresh exchange, got %d", got)
	}
	if _, ok := store.Get(credstore.KeyAccess); ok {
		t.Fatalf("expected store cleared")
	}
}

func TestRejectedRefreshIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/vendors/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-stale", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if _, ok := store.Get(credstore.KeyRefresh); ok {
		t.Fatalf("expected store cleared")
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	const workers = 8

	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"access": "access-new"})
	})
	mux.HandleFunc("/api/vendors/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-stale", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	errs := make([]error, workers)
	var wg sync.WaitGroup
	// Every worker reads the same stale token before any refresh lands.
	ctx := context.Background()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := g.Do(ctx, Request{Method: http.MethodGet, Path: "vendors/"})
			if err != nil {
				errs[i] = err
				return
			}
			if resp.Status != http.StatusOK {
				errs[i] = errors.New("not recovered")
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", got)
	}
}

func TestNetworkFailureNeverTriggersRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	store := credstore.NewMem()
	seed(t, store, "access-1", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	_, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "vendors/"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	// Credentials stay intact: a transport failure says nothing about them.
	if _, ok := store.Get(credstore.KeyAccess); !ok {
		t.Fatalf("expected access token untouched")
	}
	if _, ok := store.Get(credstore.KeyRefresh); !ok {
		t.Fatalf("expected refresh token untouched")
	}
}

func TestOtherStatusesPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"expiry_date is invalid"}`))
	}))
	defer srv.Close()

	store := credstore.NewMem()
	seed(t, store, "access-1", "refresh-1")
	g := newTestGateway(t, srv.URL, store)

	resp, err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "documents/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 passed through, got %d", resp.Status)
	}
	if string(resp.Body) != `{"detail":"expiry_date is invalid"}` {
		t.Fatalf("expected body passed through, got %s", resp.Body)
	}
}
