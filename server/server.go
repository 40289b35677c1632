package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/srvreg"
)

// SessionResolver looks up the session a request presents
type SessionResolver interface {
	GetSession(ctx context.Context, id string) (*identity.Session, error)
}

// WebServer handles HTTP requests for a CropTrace or ledger node
type WebServer struct {
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *srvreg.ServiceRegistry
	sessions        SessionResolver // nil disables session lookup
}

// NewWebServer creates a new web server. sessions may be nil.
func NewWebServer(httpPort string, serviceRegistry *srvreg.ServiceRegistry, sessions SessionResolver, logger cmtlog.Logger) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger.With("module", "webserver"),
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		sessions:        sessions,
	}

	mux.HandleFunc("/", ws.handleAPI)

	return ws
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("Web server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server", "uptime", time.Since(ws.startTime).Round(time.Second).String())
	return ws.server.Shutdown(ctx)
}

// handleAPI routes every request through the service registry
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := srvreg.ConvertHttpRequestToConsensusRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to read request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	if token := sessionToken(r); token != "" && ws.sessions != nil {
		session, err := ws.sessions.GetSession(r.Context(), token)
		switch {
		case err == nil:
			request.Session = session
		case errors.Is(err, identity.ErrSessionNotFound):
			ws.logger.Debug("Unknown session presented", "requestId", requestID)
		default:
			ws.logger.Error("Session lookup failed", "requestId", requestID, "err", err)
		}
	}

	start := time.Now()
	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.Error("Handler failed",
			"method", request.Method,
			"path", request.Path,
			"requestId", requestID,
			"err", err,
		)
	}
	if response == nil {
		JSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response.Headers = withHeader(response.Headers, "X-Request-ID", requestID)
	writeResponse(w, response)

	ws.logger.Info("API request processed",
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
		"took", time.Since(start).String(),
	)
}

// sessionToken reads a session id from "Authorization: Bearer <id>" or
// the X-Session-ID header
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

// withHeader copies headers before adding key so shared header maps stay untouched
func withHeader(headers map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = value
	return out
}

// writeResponse writes a Response to http.ResponseWriter
func writeResponse(w http.ResponseWriter, resp *srvreg.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ExtractPortFromAddress returns the port of a listen address such as
// "tcp://0.0.0.0:26657"
func ExtractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError writes an error envelope
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	writeResponse(w, srvreg.Failure(statusCode, message, ""))
}
