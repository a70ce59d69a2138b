package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

// Descriptor is one operation requested by the AI: an action with side
// effects, a data query, or a context enrichment.
type Descriptor struct {
	Name   string         `json:"name"`
	Module string         `json:"module,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (d Descriptor) Operation() string {
	name := strings.TrimSpace(d.Name)
	module := strings.TrimSpace(d.Module)
	if module == "" {
		return name
	}
	return module + "." + name
}

// Result carries the raw output of a performed operation.
type Result struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Invoker is the command dispatch façade. Everything the conductor asks the
// surrounding application to do goes through Perform.
type Invoker interface {
	Perform(ctx context.Context, op string, params map[string]any) (json.RawMessage, error)
}

// Executor runs descriptors against the façade one at a time, in order.
type Executor struct {
	logger  *log.Logger
	invoker Invoker
}

func NewExecutor(logger *log.Logger, invoker Invoker) *Executor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Executor{logger: logger, invoker: invoker}
}

func (e *Executor) Execute(ctx context.Context, action Descriptor) (Result, error) {
	return e.perform(ctx, action)
}

// Query is Execute for read-only operations. The façade decides what the
// operation actually touches; the split only exists so callers state intent.
func (e *Executor) Query(ctx context.Context, query Descriptor) (Result, error) {
	return e.perform(ctx, query)
}

func (e *Executor) perform(ctx context.Context, d Descriptor) (Result, error) {
	op := d.Operation()
	if op == "" {
		return Result{}, fmt.Errorf("operation name is required")
	}
	if e.invoker == nil {
		return Result{}, fmt.Errorf("no invoker configured")
	}

	output, err := e.invoker.Perform(ctx, op, d.Params)
	if err != nil {
		e.logger.Printf("operation failed op=%s err=%v", op, err)
		return Result{}, fmt.Errorf("perform %s: %w", op, err)
	}
	return Result{Name: d.Name, Output: output}, nil
}
