// Package forward issues relayed calls to upstream APIs.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/router-for-me/RelayGate/internal/metrics"
	"github.com/router-for-me/RelayGate/internal/models"
	log "github.com/sirupsen/logrus"
)

// ErrUpstreamUnreachable marks network-level failures reaching an upstream.
// A reachable upstream's status code, 5xx included, is never an error.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// Target is the upstream a call is sent to. Credential holds the encrypted record, never plaintext.
type Target struct {
	UpstreamID       string  `json:"upstream_id"`
	BaseURL          string  `json:"base_url"`
	Credential       *string `json:"credential,omitempty"`
	CredentialHeader string  `json:"credential_header"`
}

// TargetFor snapshots the routing fields of an upstream.
func TargetFor(u *models.Upstream) Target {
	t := Target{
		UpstreamID:       u.UpstreamID,
		BaseURL:          u.BaseURL,
		CredentialHeader: u.CredentialHeader,
	}
	if u.HasCredential() {
		record := *u.Credential
		t.Credential = &record
	}
	if t.CredentialHeader == "" {
		t.CredentialHeader = models.DefaultCredentialHeader
	}
	return t
}

// Call is the caller's request relative to the upstream base URL. Path keeps the caller's
// percent-encoding so escaped separators reach the upstream unchanged.
type Call struct {
	Method   string      `json:"method"`
	Path     string      `json:"path"`
	RawQuery string      `json:"raw_query,omitempty"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
}

// Response is the upstream's answer. Body is opaque bytes.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decrypter opens stored credential records.
type Decrypter interface {
	Decrypt(record string) (string, error)
}

// TransportOptions tunes the outbound client.
type TransportOptions struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
	MaxIdleConns          int
	InsecureSkipVerify    bool
}

// NewHTTPClient builds a pooled client for upstream calls.
func NewHTTPClient(opts TransportOptions) *http.Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.TLSHandshakeTimeout <= 0 {
		opts.TLSHandshakeTimeout = 5 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 200
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns / 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if opts.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed upstreams
	}
	return &http.Client{
		Transport: tr,
		Timeout:   opts.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Forwarder composes and issues upstream calls. It is safe for concurrent use.
type Forwarder struct {
	client    *http.Client
	decrypter Decrypter
	headers   HeaderPolicy
	metrics   *metrics.Collector
}

// New constructs a Forwarder. A nil client uses NewHTTPClient defaults.
func New(client *http.Client, decrypter Decrypter, headers HeaderPolicy, m *metrics.Collector) *Forwarder {
	if client == nil {
		client = NewHTTPClient(TransportOptions{})
	}
	return &Forwarder{client: client, decrypter: decrypter, headers: headers, metrics: m}
}

// SanitizeHeaders applies the forwarder's header policy.
func (f *Forwarder) SanitizeHeaders(h http.Header) http.Header {
	return f.headers.Sanitize(h)
}

// Execute sends call to target and returns the upstream response verbatim.
// Only network failures return an error, wrapping ErrUpstreamUnreachable.
func (f *Forwarder) Execute(ctx context.Context, target Target, call Call) (*Response, error) {
	start := time.Now()
	req, err := f.buildRequest(ctx, target, call)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.UpstreamCall(call.Method, "error", start)
		log.WithError(err).WithFields(log.Fields{
			"upstream": target.UpstreamID,
			"method":   call.Method,
		}).Warn("forward: upstream request failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("forward: close upstream body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.metrics.UpstreamCall(call.Method, "error", start)
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnreachable, err)
	}
	f.metrics.UpstreamCall(call.Method, strconv.Itoa(resp.StatusCode), start)

	header := make(http.Header, len(resp.Header))
	copyResponseHeaders(header, resp.Header)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, target Target, call Call) (*http.Request, error) {
	url := JoinURL(target.BaseURL, call.Path)
	if call.RawQuery != "" {
		url += "?" + call.RawQuery
	}

	var body io.Reader = http.NoBody
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstreamUnreachable, err)
	}
	req.Header = f.headers.Sanitize(call.Header)

	if target.Credential != nil && *target.Credential != "" {
		f.injectCredential(req.Header, target)
	}
	return req, nil
}

func (f *Forwarder) injectCredential(h http.Header, target Target) {
	if f.decrypter == nil {
		return
	}
	plaintext, err := f.decrypter.Decrypt(*target.Credential)
	if err != nil {
		f.metrics.DecryptFailure()
		log.WithError(err).WithField("upstream", target.UpstreamID).
			Error("forward: credential decryption failed, relaying without credential")
		return
	}
	headerName := target.CredentialHeader
	if headerName == "" {
		headerName = models.DefaultCredentialHeader
	}
	h.Set(headerName, CredentialHeaderValue(headerName, plaintext))
}
