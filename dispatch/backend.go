// Package dispatch sends rendered prompts to the retrieval backend and
// turns its responses into validated numeric results.
//
// The backend is a tool-using model gateway: it speaks the Anthropic
// Messages API and hosts the external-system tools, consuming the
// connection credentials forwarded with each request. Everything past
// the HTTP boundary is opaque to the engine; only the response shape
// contract is enforced here.
package dispatch

import (
	"context"
)

// Connection identifies the external system a retrieval runs against.
type Connection struct {
	ID        string
	SystemKey string
	Secret    []byte
}

// Request is one retrieval sent to the backend.
type Request struct {
	Prompt     string
	Connection Connection
}

// Result is the parsed outcome of a backend invocation. Value is only
// populated after schema validation.
type Result struct {
	Value        float64
	Payload      map[string]interface{}
	RawPayload   string
	TokensUsed   int
	CostEstimate float64
	ToolsInvoked []string
}

// Backend invokes the retrieval gateway. Implementations classify
// transport and upstream failures into the error taxonomy; they do not
// validate the payload shape.
type Backend interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}
