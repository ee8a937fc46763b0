// Package pipeline defines the steps that turn a question into an answer:
// intent resolution, SQL generation, SQL execution and summarization.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/btouchard/querycast/internal/warehouse"
)

// Name identifies a pipeline step. It doubles as the task's step cursor.
type Name string

const (
	StepIntent        Name = "intent"
	StepSQLGeneration Name = "sql_generation"
	StepSQLExecution  Name = "sql_execution"
	StepSummarization Name = "summarization"
)

// Intent is the structured reading of the user's question.
type Intent struct {
	Summary string   `json:"summary"`
	Kind    string   `json:"kind,omitempty"` // e.g. "aggregate", "trend", "lookup"
	Tables  []string `json:"tables,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
}

// State is the context accumulated across steps. It is owned by the
// goroutine running the pipeline and never shared.
type State struct {
	SessionID string
	Question  string
	Intent    Intent
	SQL       string
	Result    *warehouse.ResultSet
	Summary   string
}

// Step is one stage of the pipeline. Run advances st and returns the
// payload reported to viewers. Run must return promptly once ctx is done.
type Step interface {
	Name() Name
	Run(ctx context.Context, st *State) (any, error)
}

// ErrInvalidSQL is returned when generated SQL is unusable.
var ErrInvalidSQL = errors.New("generated SQL is not a single read-only query")

// StepError is a step failure carrying a message fit for display.
type StepError struct {
	Step    Name
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Fail wraps err as a StepError for step with a user-facing message.
func Fail(step Name, message string, err error) error {
	return &StepError{Step: step, Message: message, Err: err}
}

// Pipeline is an ordered list of steps.
type Pipeline []Step

// Names lists the step names in execution order.
func (p Pipeline) Names() []Name {
	names := make([]Name, len(p))
	for i, s := range p {
		names[i] = s.Name()
	}
	return names
}

// Validate checks the pipeline is non-empty and step names are unique.
func (p Pipeline) Validate() error {
	if len(p) == 0 {
		return errors.New("pipeline has no steps")
	}
	seen := make(map[Name]bool, len(p))
	for _, s := range p {
		if seen[s.Name()] {
			return fmt.Errorf("duplicate pipeline step %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return nil
}

// Deps holds the collaborators of the standard pipeline.
type Deps struct {
	LLM        Completer
	Warehouse  warehouse.Executor
	SchemaHint string
	Dialect    string
	MaxRows    int
}

// Completer is the subset of the LLM client the steps use.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Standard returns intent → SQL generation → SQL execution → summarization.
func Standard(d Deps) Pipeline {
	return Pipeline{
		&IntentStep{LLM: d.LLM, SchemaHint: d.SchemaHint},
		&SQLStep{LLM: d.LLM, SchemaHint: d.SchemaHint, Dialect: d.Dialect},
		&ExecuteStep{Warehouse: d.Warehouse, MaxRows: d.MaxRows},
		&SummarizeStep{LLM: d.LLM},
	}
}
