package forward

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/router-for-me/RelayGate/internal/metrics"
)

type stubDecrypter struct {
	plaintext string
	err       error
}

func (s stubDecrypter) Decrypt(string) (string, error) { return s.plaintext, s.err }

func strPtr(s string) *string { return &s }

func TestJoinURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.example.com", "v1/items", "https://api.example.com/v1/items"},
		{"https://api.example.com/", "/v1/items", "https://api.example.com/v1/items"},
		{"https://api.example.com/base//", "//v1///items", "https://api.example.com/base/v1/items"},
		{"http://localhost:8080/api", "", "http://localhost:8080/api/"},
		{"https://api.example.com", "v1/items/", "https://api.example.com/v1/items/"},
	}
	for _, tc := range cases {
		if got := JoinURL(tc.base, tc.path); got != tc.want {
			t.Fatalf("JoinURL(%q, %q): expected %q, got %q", tc.base, tc.path, tc.want, got)
		}
	}
}

func TestCredentialHeaderValueDecisionTable(t *testing.T) {
	cases := []struct {
		header, value, want string
	}{
		{"Authorization", "sk-123", "Bearer sk-123"},
		{"authorization", "sk-123", "Bearer sk-123"},
		{"Authorization", "Bearer sk-123", "Bearer sk-123"},
		{"Authorization", "Basic dXNlcjpwYXNz", "Basic dXNlcjpwYXNz"},
		{"Authorization", "bearer sk-123", "bearer sk-123"},
		{"X-Api-Key", "sk-123", "sk-123"},
		{"X-Api-Key", "Bearer sk-123", "Bearer sk-123"},
		{"X-Api-Key", "Basic abc", "Basic abc"},
	}
	for _, tc := range cases {
		if got := CredentialHeaderValue(tc.header, tc.value); got != tc.want {
			t.Fatalf("CredentialHeaderValue(%q, %q): expected %q, got %q", tc.header, tc.value, tc.want, got)
		}
	}
}

func TestHeaderPolicyStripsGatewayHeadersRegardlessOfCasing(t *testing.T) {
	policy := NewHeaderPolicy("X-API-Key", "Authorization")
	excluded := []string{"host", "connection", "content-length", "x-api-key", "authorization"}
	variants := func(name string) []string {
		return []string{name, strings.ToUpper(name), http.CanonicalHeaderKey(name)}
	}

	in := http.Header{}
	for _, name := range excluded {
		for _, v := range variants(name) {
			in[v] = []string{"secret"}
		}
	}
	in["Accept"] = []string{"application/json"}
	in["x-custom"] = []string{"kept"}

	out := policy.Sanitize(in)
	for name := range out {
		for _, banned := range excluded {
			if strings.EqualFold(name, banned) {
				t.Fatalf("header %q should have been stripped", name)
			}
		}
	}
	if out.Get("Accept") != "application/json" {
		t.Fatalf("expected Accept to be kept")
	}
	if len(out["x-custom"]) != 1 {
		t.Fatalf("expected non-canonical custom header to be kept")
	}
	if len(in) == len(out) {
		t.Fatalf("expected input header to be left untouched and output reduced")
	}
}

func TestExecuteRelaysUpstreamResponse(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 0x80, 'o', 'k'}
	var seen *http.Request
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	fwd := New(upstream.Client(), stubDecrypter{plaintext: "sk-live"}, NewHeaderPolicy("X-API-Key", "Authorization"), nil)
	target := Target{UpstreamID: "up-1", BaseURL: upstream.URL + "/base/", Credential: strPtr("record"), CredentialHeader: "Authorization"}
	call := Call{
		Method:   http.MethodPost,
		Path:     "/v1//items",
		RawQuery: "page=2",
		Header:   http.Header{"X-Api-Key": {"rg_caller"}, "Authorization": {"Bearer caller-jwt"}, "X-Trace": {"t-1"}},
		Body:     []byte(`{"name":"x"}`),
	}

	resp, err := fwd.Execute(context.Background(), target, call)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", resp.StatusCode)
	}
	if !bytes.Equal(resp.Body, payload) {
		t.Fatalf("expected binary body to be relayed byte-for-byte")
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream header to be relayed")
	}
	if seen.URL.Path != "/base/v1/items" || seen.URL.RawQuery != "page=2" {
		t.Fatalf("unexpected upstream url %s?%s", seen.URL.Path, seen.URL.RawQuery)
	}
	if got := seen.Header.Get("Authorization"); got != "Bearer sk-live" {
		t.Fatalf("expected injected credential, got %q", got)
	}
	if seen.Header.Get("X-Api-Key") != "" {
		t.Fatalf("gateway api key must not reach the upstream")
	}
	if seen.Header.Get("X-Trace") != "t-1" {
		t.Fatalf("expected caller header to be forwarded")
	}
	if string(seenBody) != `{"name":"x"}` {
		t.Fatalf("unexpected upstream body %s", seenBody)
	}
}

func TestExecuteCustomCredentialHeader(t *testing.T) {
	var got string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Vendor-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(upstream.Client(), stubDecrypter{plaintext: "vendor-secret"}, NewHeaderPolicy("X-API-Key", "Authorization"), nil)
	target := Target{BaseURL: upstream.URL, Credential: strPtr("record"), CredentialHeader: "X-Vendor-Key"}
	if _, err := fwd.Execute(context.Background(), target, Call{Method: http.MethodGet, Path: "ping"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "vendor-secret" {
		t.Fatalf("expected raw credential in custom header, got %q", got)
	}
}

func TestExecuteDecryptFailureRelaysWithoutCredential(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	collector := metrics.NewCollector("forward_test")
	fwd := New(upstream.Client(), stubDecrypter{err: errors.New("bad tag")}, NewHeaderPolicy("X-API-Key", "Authorization"), collector)
	target := Target{BaseURL: upstream.URL, Credential: strPtr("record"), CredentialHeader: "Authorization"}
	call := Call{Method: http.MethodGet, Path: "x", Header: http.Header{"Authorization": {"Bearer caller"}}}

	resp, err := fwd.Execute(context.Background(), target, call)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected upstream status to be relayed, got %d", resp.StatusCode)
	}
	if auth != "" {
		t.Fatalf("expected no authorization header upstream, got %q", auth)
	}
	if got := testutil.ToFloat64(collector.CredentialDecryptFailures); got != 1 {
		t.Fatalf("expected decrypt failure to be counted, got %v", got)
	}
}

func TestExecuteDropsConnectionLevelResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Kept", "1")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	fwd := New(upstream.Client(), nil, NewHeaderPolicy("X-API-Key", "Authorization"), nil)
	resp, err := fwd.Execute(context.Background(), Target{BaseURL: upstream.URL}, Call{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Header.Get("Connection") != "" || resp.Header.Get("Transfer-Encoding") != "" {
		t.Fatalf("expected connection-level headers to be dropped, got %v", resp.Header)
	}
	if resp.Header.Get("X-Kept") != "1" {
		t.Fatalf("expected other headers to be relayed")
	}
}

func TestExecuteUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := upstream.URL
	upstream.Close()

	fwd := New(nil, nil, NewHeaderPolicy("X-API-Key", "Authorization"), nil)
	_, err := fwd.Execute(context.Background(), Target{BaseURL: baseURL}, Call{Method: http.MethodGet, Path: "x"})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}
