package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Problem implements RFC 9457 for the HTTP surface.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`

	Log error `json:"-"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

func (p *Problem) MarshalJSON() ([]byte, error) {
	type Alias Problem

	data := make(map[string]interface{})

	for k, v := range p.Extensions {
		data[k] = v
	}

	stdJSON, _ := json.Marshal(Alias(*p))
	_ = json.Unmarshal(stdJSON, &data)

	return json.Marshal(data)
}

type ProblemOption func(*Problem)

// NewProblem creates a generic Problem
func NewProblem(status int, title, detail string, opts ...ProblemOption) *Problem {
	p := &Problem{
		Type:       "about:blank", // Default as per RFC
		Title:      title,
		Status:     status,
		Detail:     detail,
		Extensions: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithExtension adds a custom key-value pair to the response
func WithExtension(key string, value interface{}) ProblemOption {
	return func(p *Problem) {
		p.Extensions[key] = value
	}
}

// WithLog attaches an internal error for server-side logging
func WithLog(err error) ProblemOption {
	return func(p *Problem) {
		p.Log = err
	}
}

// WithType sets the RFC "type" URI
func WithType(uri string) ProblemOption {
	return func(p *Problem) {
		p.Type = uri
	}
}

// FieldValidationProblem creates a rich validation error from a field->message map
func FieldValidationProblem(fieldErrors map[string]string) *Problem {
	return NewProblem(
		http.StatusBadRequest,
		"Validation Error",
		"One or more fields failed validation",
		WithExtension("errors", fieldErrors),
	)
}

// ProblemFrom maps a typed dispatch error onto an RFC 9457 response shape.
func ProblemFrom(err error) *Problem {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return NewProblem(
			http.StatusServiceUnavailable,
			"All Providers Exhausted",
			"No provider could serve this request",
			WithExtension("rejections", ex.Rejections),
			WithLog(err),
		)
	}

	var de *Error
	if errors.As(err, &de) {
		switch de.Kind {
		case KindValidation:
			return NewProblem(http.StatusBadRequest, "Validation Error", de.Message, WithLog(de.Err))
		case KindRateLimit:
			return NewProblem(http.StatusTooManyRequests, "Rate Limit Exceeded", de.Message,
				WithExtension("provider", de.Provider),
				WithExtension("retry_after_ms", de.Wait.Milliseconds()),
			)
		case KindBudget:
			return NewProblem(http.StatusTooManyRequests, "Budget Exceeded", de.Message,
				WithExtension("provider", de.Provider))
		case KindCircuitOpen:
			return NewProblem(http.StatusServiceUnavailable, "Provider Unavailable", de.Message,
				WithExtension("provider", de.Provider))
		case KindTimeout, KindProvider:
			return NewProblem(http.StatusBadGateway, "Provider Error", de.Message,
				WithExtension("provider", de.Provider), WithLog(de.Err))
		}
	}

	return NewProblem(http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred.", WithLog(err))
}
