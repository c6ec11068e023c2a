package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mfittko/rag-stack/internal/errs"
)

// newLocalFetcher returns a Fetcher that may target httptest servers on
// loopback. Hostname resolution still uses the static resolver.
func newLocalFetcher() *Fetcher {
	f := New()
	f.resolver = &staticResolver{}
	f.allowLoopback = true
	return f
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "hello body")
	}))
	defer srv.Close()

	f := newLocalFetcher()
	res, err := f.Fetch(context.Background(), srv.URL+"/doc")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(res.Body) != "hello body" {
		t.Errorf("body: got %q", res.Body)
	}
	if !strings.HasPrefix(res.ContentType, "text/plain") {
		t.Errorf("content type: got %q", res.ContentType)
	}
}

func TestFetch_RedirectFollowed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		// Relative Location must resolve against the current URL.
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landed")
	})

	f := newLocalFetcher()
	res, err := f.Fetch(context.Background(), srv.URL+"/start")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(res.Body) != "landed" {
		t.Errorf("body after redirect: got %q", res.Body)
	}
	if !strings.HasSuffix(res.FinalURL, "/end") {
		t.Errorf("final URL: got %q", res.FinalURL)
	}
}

func TestFetch_RedirectLimit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Endless self-redirect.
		http.Redirect(w, r, "/again", http.StatusFound)
	})

	f := newLocalFetcher()
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	if err == nil {
		t.Fatal("expected redirect limit error")
	}
	fe := classify(srv.URL, err)
	if fe.Reason != errs.ReasonRedirectLimit {
		t.Errorf("reason: want %s, got %s", errs.ReasonRedirectLimit, fe.Reason)
	}
}

func TestFetch_RedirectToDeniedTarget(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	})

	f := newLocalFetcher()
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	if err == nil {
		t.Fatal("expected SSRF rejection on redirect target")
	}
	fe := classify(srv.URL, err)
	if fe.Reason != errs.ReasonSSRFBlocked {
		t.Errorf("reason: want %s, got %s (%v)", errs.ReasonSSRFBlocked, fe.Reason, err)
	}
}

func TestFetch_RedirectSchemeRejected(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "ftp://example.com/file")
		w.WriteHeader(http.StatusFound)
	})

	f := newLocalFetcher()
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	if err == nil {
		t.Fatal("expected rejection of non-http(s) redirect scheme")
	}
}

func TestFetch_BodyCapByContentLength(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(maxBodyBytes+1))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newLocalFetcher()
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	if err == nil {
		t.Fatal("expected too_large error")
	}
	fe := classify(srv.URL, err)
	if fe.Reason != errs.ReasonTooLarge {
		t.Errorf("reason: want %s, got %s", errs.ReasonTooLarge, fe.Reason)
	}
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := newLocalFetcher()
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	if err == nil {
		t.Fatal("expected error for HTTP 410")
	}
	fe := classify(srv.URL, err)
	if fe.Reason != errs.ReasonFetchFailed {
		t.Errorf("reason: want %s, got %s", errs.ReasonFetchFailed, fe.Reason)
	}
}

func TestFetchAll_DedupAndPartialSuccess(t *testing.T) {
	t.Parallel()

	var hits int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, "fine")
	})

	f := newLocalFetcher()
	urls := []string{
		srv.URL + "/ok",
		srv.URL + "/ok", // duplicate, fetched once
		"http://127.0.0.1:1/unreachable",
	}
	// The guard allows loopback here, so the unreachable URL fails at the
	// network layer and lands in the error list.
	results, fetchErrs := f.FetchAll(context.Background(), urls)

	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}
	if got := results[srv.URL+"/ok"]; got == nil || string(got.Body) != "fine" {
		t.Errorf("unexpected result for /ok: %+v", got)
	}
	if hits != 1 {
		t.Errorf("duplicate URL fetched %d times, want 1", hits)
	}
	if len(fetchErrs) != 1 {
		t.Fatalf("want 1 error, got %d: %+v", len(fetchErrs), fetchErrs)
	}
	if fetchErrs[0].Reason != errs.ReasonFetchFailed {
		t.Errorf("reason: want %s, got %s", errs.ReasonFetchFailed, fetchErrs[0].Reason)
	}
}

func TestFetchAll_SSRFBlockedReason(t *testing.T) {
	t.Parallel()

	f := New()
	f.resolver = &staticResolver{}

	results, fetchErrs := f.FetchAll(context.Background(), []string{"http://127.0.0.1/"})
	if len(results) != 0 {
		t.Fatalf("want no results, got %d", len(results))
	}
	if len(fetchErrs) != 1 {
		t.Fatalf("want 1 error, got %d", len(fetchErrs))
	}
	if fetchErrs[0].Reason != errs.ReasonSSRFBlocked {
		t.Errorf("reason: want %s, got %s", errs.ReasonSSRFBlocked, fetchErrs[0].Reason)
	}
}
