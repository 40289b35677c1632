package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/identity"
)

// Request represents the client's HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      url.Values        `json:"query,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	// Params holds the values of :name segments of the matched route
	Params map[string]string `json:"-"`
	// Session is the caller's session, resolved by the web server. Nil for
	// anonymous requests.
	Session *identity.Session `json:"-"`

	ctx context.Context
}

// Response represents the computed response from server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Envelope is the JSON body of every response
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey uniquely identifies a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry maps method and path patterns to handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	logger      cmtlog.Logger
}

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// ErrEmptyBody is returned by Decode when the request has no body
var ErrEmptyBody = errors.New("request body is empty")

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		logger:      logger.With("module", "srvreg"),
	}
}

// Context returns the request's context, or context.Background
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext sets the context handlers run under
func (r *Request) WithContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// Param returns a path parameter of the matched route
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Decode unmarshals the JSON body into v
func (r *Request) Decode(v interface{}) error {
	if strings.TrimSpace(r.Body) == "" {
		return ErrEmptyBody
	}
	return json.Unmarshal([]byte(r.Body), v)
}

// RegisterHandler registers a new service handler. Exact routes win over
// patterns when both match a path.
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
	sr.logger.Debug("Registered handler", "method", key.Method, "path", path)
}

// GetHandlerForPath finds the appropriate handler for a given path and the
// parameters it binds
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	method = strings.ToUpper(method)

	// Try exact match first
	key := RouteKey{Method: method, Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, map[string]string{}, true
	}

	// Most literal segments wins among patterns
	var (
		best       ServiceHandler
		bestParams map[string]string
		bestScore  = -1
	)
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != method || sr.exactRoutes[routeKey] {
			continue
		}
		params, score, ok := matchPath(routeKey.Path, path)
		if ok && score > bestScore {
			best, bestParams, bestScore = handler, params, score
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best, bestParams, true
}

// matchPath matches path against a pattern like /crops/:cropId/transfer.
// path is already unescaped. It returns the bound parameters and the number
// of literal segments.
func matchPath(pattern, path string) (map[string]string, int, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return nil, 0, false
	}

	params := make(map[string]string)
	literals := 0
	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return nil, 0, false
			}
			params[patternParts[i][1:]] = pathParts[i]
			continue
		}
		if patternParts[i] != pathParts[i] {
			return nil, 0, false
		}
		literals++
	}

	return params, literals, true
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, params, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return Failure(http.StatusNotFound, fmt.Sprintf("Service not found for %s %s", req.Method, req.Path), ""), nil
	}

	req.Params = params
	return handler(req)
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
		ctx:        r.Context(),
	}, nil
}

// JSON marshals v into a response with the given status
func JSON(statusCode int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"success":false,"message":"Failed to serialize response"}`,
		}
	}
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

// Success wraps data in a successful envelope
func Success(statusCode int, message string, data interface{}) *Response {
	return JSON(statusCode, Envelope{Success: true, Message: message, Data: data})
}

// Failure builds an unsuccessful envelope. detail is the underlying error,
// if any.
func Failure(statusCode int, message, detail string) *Response {
	return JSON(statusCode, Envelope{Success: false, Message: message, Error: detail})
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
