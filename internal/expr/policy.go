package expr

import (
	"fmt"
	"net/http"
	"strings"
)

// StorePolicy decides whether a live response is written to the bucket.
type StorePolicy struct {
	program Program
}

// NewStorePolicy compiles expression against the request/response environment.
//
// Available variables:
//
//	request.method, request.url, request.host, request.path, request.headers
//	response.status, response.headers
//
// Header maps are keyed by lower-cased name and hold the first value.
func NewStorePolicy(expression string) (*StorePolicy, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("expr: store policy: %w", err)
	}
	return &StorePolicy{program: program}, nil
}

// Allow evaluates the policy for one exchange.
func (p *StorePolicy) Allow(req *http.Request, status int, header http.Header) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("expr: store policy not initialized")
	}
	return p.program.EvalBool(map[string]any{
		"request":  requestActivation(req),
		"response": map[string]any{"status": int64(status), "headers": headerActivation(header)},
	})
}

// Source returns the compiled expression.
func (p *StorePolicy) Source() string {
	if p == nil {
		return ""
	}
	return p.program.Source()
}

func requestActivation(req *http.Request) map[string]any {
	out := map[string]any{
		"method":  "",
		"url":     "",
		"host":    "",
		"path":    "",
		"headers": map[string]any{},
	}
	if req == nil {
		return out
	}
	out["method"] = req.Method
	if req.URL != nil {
		out["url"] = req.URL.String()
		out["host"] = req.URL.Host
		out["path"] = req.URL.Path
	}
	out["headers"] = headerActivation(req.Header)
	return out
}

func headerActivation(header http.Header) map[string]any {
	out := make(map[string]any, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}
