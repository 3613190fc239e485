package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// protectorHeader carries the query fingerprint on forwarded queries.
const protectorHeader = "X-Protector"

// Hop by hop headers stripped on forwarding.
// Ref: http://tools.ietf.org/html/rfc2616#section-13.5.1
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// errorResponse is the Grafana style error body.
type errorResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// filterHeaders returns a copy of the headers with the hop by hop set
// removed.
func filterHeaders(headers http.Header) http.Header {
	filtered := headers.Clone()
	for _, header := range hopByHopHeaders {
		filtered.Del(header)
	}

	return filtered
}

// backendURL rewrites the request URL to the backend origin.
func (f *Frontend) backendURL(r *http.Request) *url.URL {
	target := *f.backend
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	return &target
}

// isTimeout reports whether the backend exchange hit the configured
// timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// observeLatency records the backend latency histogram sample.
func (f *Frontend) observeLatency(code int, r *http.Request, duration time.Duration) {
	f.metrics.RequestLatency.
		WithLabelValues(strconv.Itoa(code), r.URL.Path, r.Method).
		Observe(duration.Seconds())
}

// sendError writes a Grafana style JSON error and counts the request.
func (f *Frontend) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	f.metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(&errorResponse{Message: message, Error: message}); err != nil {
		f.logger.Error("Failed to encode error response", "err", err)
	}
}

// writeJSON writes a locally generated JSON response and counts the
// request.
func (f *Frontend) writeJSON(w http.ResponseWriter, r *http.Request, code int, body []byte) {
	f.metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(code)

	if _, err := w.Write(body); err != nil {
		f.logger.Error("Failed to write response", "err", err)
	}
}

// writeBackendResponse relays a backend response to the client with hop by
// hop headers stripped and the content length recomputed.
func (f *Frontend) writeBackendResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, body []byte) {
	f.metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(resp.StatusCode)).Inc()

	headers := filterHeaders(resp.Header)
	headers.Del("Content-Length")

	// The transport transparently decoded the body when it negotiated the
	// encoding itself
	if resp.Uncompressed {
		headers.Del("Content-Encoding")
	}

	for header, values := range headers {
		for _, value := range values {
			w.Header().Add(header, value)
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(resp.StatusCode)

	if _, err := w.Write(body); err != nil {
		f.logger.Error("Failed to write response", "err", err)
	}
}

// repackError re-packages a backend 400 error body for Grafana.
func repackError(body []byte) []byte {
	var backendError map[string]interface{}
	if err := json.Unmarshal(body, &backendError); err != nil {
		return body
	}

	repacked := make(map[string]interface{}, 2)

	for _, field := range []string{"message", "error"} {
		if val, ok := backendError[field]; ok && val != nil {
			repacked[field] = val
		}
	}

	out, err := json.Marshal(repacked)
	if err != nil {
		return body
	}

	return out
}
