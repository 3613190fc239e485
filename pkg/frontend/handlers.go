package frontend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/adobe/opentsdb-protector/pkg/query"
)

// top serves the duration and datapoints leaderboards of the current day.
func (f *Frontend) top(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	top, err := f.protector.Top(r.Context(), kind)
	if err != nil {
		f.sendError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	body, err := json.Marshal(top)
	if err != nil {
		f.sendError(w, r, http.StatusInternalServerError, err.Error())

		return
	}

	f.writeJSON(w, r, http.StatusOK, body)
}

// put blocks the OpenTSDB write endpoint.
func (f *Frontend) put(w http.ResponseWriter, r *http.Request) {
	f.logger.Warn("Request blocked", "path", r.URL.Path, "reason", "/api/put not allowed")
	f.sendError(w, r, http.StatusForbidden, "/api/put not allowed")
}

// query gates OpenTSDB queries through the protector before forwarding.
func (f *Frontend) query(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.sendError(w, r, http.StatusForbidden, fmt.Sprintf("cannot read request body: %s", err))

		return
	}

	q, err := query.Parse(body)
	if err != nil {
		f.sendError(w, r, http.StatusForbidden, err.Error())

		return
	}

	startTS, err := q.StartTS()
	if err != nil {
		f.sendError(w, r, http.StatusForbidden, err.Error())

		return
	}

	// Observe how far back the query reaches
	startAgeDays := time.Since(time.Unix(startTS, 0)).Hours() / 24
	f.metrics.RequestInterval.WithLabelValues("days").Observe(float64(int(startAgeDays)))

	result := f.protector.Check(r.Context(), q)
	if !result.IsOk() {
		f.metrics.RequestsBlocked.WithLabelValues(strconv.FormatBool(f.protector.SafeMode()), result.Rule).Inc()

		if !f.protector.SafeMode() {
			f.logger.Warn("Query blocked", "id", q.ID(), "rule", result.Rule, "reason", result.Reason)
			f.sendError(w, r, http.StatusForbidden, result.Reason)

			return
		}

		f.logger.Warn(
			"Query blocked in safe mode, forwarding anyway",
			"id", q.ID(), "rule", result.Rule, "reason", result.Reason,
		)
	}

	outbound, err := q.OutboundJSON()
	if err != nil {
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("cannot serialize query: %s", err))

		return
	}

	f.forwardQuery(w, r, q, outbound)
}

// forwardQuery runs the backend exchange for a gated query, records stats
// from the response and re-emits the series entries to the client.
func (f *Frontend) forwardQuery(w http.ResponseWriter, r *http.Request, q *query.Query, outbound []byte) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, f.backendURL(r).String(), bytes.NewReader(outbound))
	if err != nil {
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	req.Header = filterHeaders(r.Header)
	// Let the transport negotiate and transparently decode the encoding so
	// the response body can be transformed
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Content-Length")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protectorHeader, q.ID())
	req.Host = f.backend.Host

	start := time.Now()

	resp, err := f.client.Do(req)

	duration := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			f.protector.SaveStats(r.Context(), q, nil, duration, true)
			f.observeLatency(http.StatusGatewayTimeout, r, duration)
			f.sendError(
				w, r, http.StatusGatewayTimeout,
				fmt.Sprintf("Query timed out. Configured timeout: %gs", f.timeout.Seconds()),
			)

			return
		}

		f.observeLatency(http.StatusBadGateway, r, duration)
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	defer resp.Body.Close()

	f.observeLatency(resp.StatusCode, r, duration)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	switch resp.StatusCode {
	case http.StatusOK:
		parsed, err := query.ParseResponse(body)
		if err != nil {
			// Forward the raw body; no stats for this request
			f.logger.Error("Failed to parse backend response", "id", q.ID(), "err", err)

			break
		}

		f.protector.SaveStats(r.Context(), q, parsed, duration, false)

		if clientBody, err := parsed.ClientJSON(); err == nil {
			body = clientBody
		}
	case http.StatusBadRequest:
		body = repackError(body)
	}

	f.writeBackendResponse(w, r, resp, body)
}

// proxy transparently forwards all other requests to the backend.
func (f *Frontend) proxy(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, f.backendURL(r).String(), r.Body)
	if err != nil {
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	req.Header = filterHeaders(r.Header)
	req.Host = f.backend.Host

	start := time.Now()

	resp, err := f.client.Do(req)

	duration := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			f.observeLatency(http.StatusGatewayTimeout, r, duration)
			f.sendError(
				w, r, http.StatusGatewayTimeout,
				fmt.Sprintf("Query timed out. Configured timeout: %gs", f.timeout.Seconds()),
			)

			return
		}

		f.observeLatency(http.StatusBadGateway, r, duration)
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	defer resp.Body.Close()

	f.observeLatency(resp.StatusCode, r, duration)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.sendError(w, r, http.StatusBadGateway, fmt.Sprintf("Invalid response from backend: '%s'", err))

		return
	}

	f.writeBackendResponse(w, r, resp, body)
}
