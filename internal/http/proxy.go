package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/admission"
	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/ledger"
	"github.com/router-for-me/RelayGate/internal/registry"
	log "github.com/sirupsen/logrus"
)

const defaultMaxBodyBytes = 10 << 20

// Evaluator decides admission for one call.
type Evaluator interface {
	Evaluate(ctx context.Context, req admission.Request) admission.Decision
}

// Executor relays a call to its upstream.
type Executor interface {
	Execute(ctx context.Context, target forward.Target, call forward.Call) (*forward.Response, error)
}

// LedgerRecorder appends one entry per evaluated call.
type LedgerRecorder interface {
	Record(entry ledger.Entry)
}

// ProxyHandler is the relay entry point: lookup, ownership, admission, then forward, defer or reject.
type ProxyHandler struct {
	registry     registry.Registry
	admission    Evaluator
	forwarder    Executor
	ledger       LedgerRecorder
	maxBodyBytes int64
	statusPath   string
}

// NewProxyHandler constructs a ProxyHandler. statusPath is the queue status route prefix,
// such as "/api/queue".
func NewProxyHandler(reg registry.Registry, eval Evaluator, exec Executor, rec LedgerRecorder, maxBodyBytes int64, statusPath string) *ProxyHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &ProxyHandler{
		registry:     reg,
		admission:    eval,
		forwarder:    exec,
		ledger:       rec,
		maxBodyBytes: maxBodyBytes,
		statusPath:   strings.TrimSuffix(statusPath, "/"),
	}
}

// Handle serves ANY /:upstreamId and ANY /:upstreamId/*path.
func (h *ProxyHandler) Handle(c *gin.Context) {
	start := time.Now().UTC()
	identity, ok := IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	upstreamID := c.Param("upstreamId")

	entry, errLookup := h.registry.Lookup(ctx, upstreamID)
	if errLookup != nil {
		if errors.Is(errLookup, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upstream not found"})
			return
		}
		log.WithError(errLookup).WithField("upstream", upstreamID).Error("proxy: registry lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if errAuth := entry.Authorize(identity.UserID); errAuth != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to use this upstream"})
		return
	}

	body, errBody := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if errBody != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(errBody, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read request body failed"})
		return
	}

	path := relayPath(c)
	call := forward.Call{
		Method:   c.Request.Method,
		Path:     path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header.Clone(),
		Body:     body,
	}
	target := forward.TargetFor(&entry.Upstream)
	record := ledger.Entry{
		UpstreamID:  target.UpstreamID,
		UserID:      identity.UserID,
		Path:        "/" + path,
		Method:      call.Method,
		RequestedAt: start,
	}

	decision := h.admission.Evaluate(ctx, admission.Request{
		Target:   target,
		OwnerID:  entry.Upstream.UserID,
		CallerID: identity.UserID,
		Policy:   entry.Policy,
		Call:     call,
	})

	switch decision.Kind {
	case admission.Defer:
		record.Status = http.StatusAccepted
		record.Queued = true
		record.QueueWait = time.Duration(decision.EstimatedWaitMs) * time.Millisecond
		c.JSON(http.StatusAccepted, gin.H{
			"message":         "Rate limit exceeded, request queued",
			"queueId":         decision.QueueID,
			"estimatedWaitMs": decision.EstimatedWaitMs,
			"statusEndpoint":  fmt.Sprintf("%s/%d/status", h.statusPath, decision.QueueID),
		})
	case admission.Reject:
		record.Status = http.StatusTooManyRequests
		c.Header("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"message":           "Rate limit exceeded",
			"retryAfterSeconds": decision.RetryAfterSeconds,
		})
	default:
		record.Status = h.relay(c, target, call)
	}

	c.Writer.Flush()
	record.ProcessingTime = time.Since(start)
	h.ledger.Record(record)
}

// relay executes the call inline and writes the upstream response. It returns the status sent to the caller.
func (h *ProxyHandler) relay(c *gin.Context, target forward.Target, call forward.Call) int {
	resp, errExec := h.forwarder.Execute(c.Request.Context(), target, call)
	if errExec != nil {
		log.WithError(errExec).WithFields(log.Fields{
			"upstream":   target.UpstreamID,
			"request_id": RequestID(c),
		}).Warn("proxy: upstream call failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upstream unreachable"})
		return http.StatusInternalServerError
	}

	header := c.Writer.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if len(resp.Body) > 0 {
		if _, errWrite := c.Writer.Write(resp.Body); errWrite != nil {
			log.WithError(errWrite).WithField("upstream", target.UpstreamID).Debug("proxy: write response body failed")
		}
	}
	return resp.StatusCode
}

// relayPath returns the wildcard suffix in its escaped form. gin matches on the decoded
// path, which would turn %3F, %23 and %2F into live delimiters on the way out.
func relayPath(c *gin.Context) string {
	decoded := strings.TrimPrefix(c.Param("path"), "/")
	route := c.FullPath()
	idx := strings.Index(route, "/*")
	if idx < 0 {
		return decoded
	}
	segments := strings.Count(route[:idx], "/")
	parts := strings.SplitN(c.Request.URL.EscapedPath(), "/", segments+2)
	if len(parts) <= segments+1 {
		return decoded
	}
	escaped := parts[segments+1]
	if unescaped, err := url.PathUnescape(escaped); err != nil || unescaped != decoded {
		return decoded
	}
	return escaped
}
