package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/logging"
)

// Request bodies are small JSON documents; anything bigger is abuse.
const maxRequestBody = 1 << 20

// ErrorHandler is the outermost middleware: request id, panic recovery,
// request metrics and failure logging.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Normalize the empty path before ServeMux sees it, otherwise it
		// redirects "" to "./".
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}

		// Websocket connections outlive the request; leave their writer
		// unwrapped so the upgrade can hijack it.
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		routeLabel := normalizeRoute(r.URL.Path)
		method := r.Method

		defer func() {
			recordAPIRequest(method, routeLabel, rw.StatusCode(), time.Since(start))
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorKind(rw, http.StatusInternalServerError,
					pipeerrors.KindInternal, "an unexpected error occurred")
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
			return
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError translates a pipeline error into the stable wire shape.
// Internal errors are logged server-side and reach the client as a generic
// message, never as a stacktrace.
func writeError(w http.ResponseWriter, err error) {
	status := pipeerrors.HTTPStatus(err)
	kind := pipeerrors.KindOf(err)
	msg := err.Error()
	if kind == pipeerrors.KindInternal {
		log.Error().Err(err).Msg("Request hit an internal error")
		msg = "an unexpected error occurred"
	}
	writeErrorKind(w, status, kind, msg)
}

func writeErrorKind(w http.ResponseWriter, status int, kind pipeerrors.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Kind:    string(kind),
		Message: message,
	}}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	// Marshal before WriteHeader so an encode failure can still become a 500.
	body, err := json.Marshal(data)
	if err != nil {
		writeError(w, pipeerrors.Internalf("api.encode", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("Failed to write response body")
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(op string, w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	raw, err := io.ReadAll(body)
	if err != nil {
		return pipeerrors.BadInputf(op, "failed to read request body: %v", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return pipeerrors.BadInputf(op, "invalid JSON body: %v", err)
	}
	return nil
}

// responseWriter captures the status code for metrics and logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Hijack passes through so wrapped handlers can still upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
