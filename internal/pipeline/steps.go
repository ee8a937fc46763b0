package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/btouchard/querycast/internal/warehouse"
)

const previewRows = 20

// IntentStep asks the model for a structured reading of the question.
type IntentStep struct {
	LLM        Completer
	SchemaHint string
}

func (s *IntentStep) Name() Name { return StepIntent }

func (s *IntentStep) Run(ctx context.Context, st *State) (any, error) {
	system := "You classify analytics questions. Reply with one JSON object with keys " +
		`"summary" (one sentence), "kind" ("aggregate", "trend", "lookup" or "comparison"), ` +
		`"tables" and "metrics" (arrays of strings). No prose.`
	prompt := st.Question
	if s.SchemaHint != "" {
		prompt = "Schema:\n" + s.SchemaHint + "\n\nQuestion: " + st.Question
	}

	out, err := s.LLM.Complete(ctx, system, prompt)
	if err != nil {
		return nil, Fail(StepIntent, "could not interpret the question", err)
	}

	intent, err := parseIntent(out)
	if err != nil {
		return nil, Fail(StepIntent, "the model returned an unreadable intent", err)
	}
	if intent.Summary == "" {
		intent.Summary = st.Question
	}

	st.Intent = intent
	return intent, nil
}

// parseIntent decodes model output, repairing the usual JSON slips
// (trailing commas, single quotes, code fences) first.
func parseIntent(out string) (Intent, error) {
	raw := stripFences(out)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Intent{}, fmt.Errorf("repairing intent json: %w", err)
	}

	var intent Intent
	if err := json.Unmarshal([]byte(repaired), &intent); err != nil {
		return Intent{}, fmt.Errorf("decoding intent: %w", err)
	}
	return intent, nil
}

// SQLStep asks the model for a single read-only query answering the intent.
type SQLStep struct {
	LLM        Completer
	SchemaHint string
	Dialect    string
}

func (s *SQLStep) Name() Name { return StepSQLGeneration }

func (s *SQLStep) Run(ctx context.Context, st *State) (any, error) {
	dialect := s.Dialect
	if dialect == "" {
		dialect = "ANSI"
	}
	system := fmt.Sprintf("You write %s SQL. Reply with exactly one SELECT statement and nothing else.", dialect)

	var b strings.Builder
	if s.SchemaHint != "" {
		fmt.Fprintf(&b, "Schema:\n%s\n\n", s.SchemaHint)
	}
	fmt.Fprintf(&b, "Question: %s\n", st.Question)
	fmt.Fprintf(&b, "Intent: %s\n", st.Intent.Summary)
	if len(st.Intent.Tables) > 0 {
		fmt.Fprintf(&b, "Likely tables: %s\n", strings.Join(st.Intent.Tables, ", "))
	}
	if len(st.Intent.Metrics) > 0 {
		fmt.Fprintf(&b, "Metrics: %s\n", strings.Join(st.Intent.Metrics, ", "))
	}

	out, err := s.LLM.Complete(ctx, system, b.String())
	if err != nil {
		return nil, Fail(StepSQLGeneration, "could not generate SQL", err)
	}

	query, err := ExtractSQL(out)
	if err != nil {
		return nil, Fail(StepSQLGeneration, "the generated SQL was rejected", err)
	}

	st.SQL = query
	return map[string]string{"sql": query}, nil
}

var (
	fenceRe     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	readStartRe = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
	literalRe   = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"]|"")*"`)
	writeWordRe = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|attach|detach|pragma|copy|call|exec|execute)\b`)
)

// ExtractSQL pulls one statement out of model output and checks it only reads.
func ExtractSQL(out string) (string, error) {
	query := strings.TrimSpace(stripFences(out))
	query = strings.TrimSpace(strings.TrimSuffix(query, ";"))

	if query == "" {
		return "", fmt.Errorf("empty statement: %w", ErrInvalidSQL)
	}
	// Quoted literals and identifiers may hold any text.
	bare := literalRe.ReplaceAllString(query, "''")
	if strings.Contains(bare, ";") {
		return "", fmt.Errorf("multiple statements: %w", ErrInvalidSQL)
	}
	if !readStartRe.MatchString(query) {
		return "", fmt.Errorf("statement must start with SELECT or WITH: %w", ErrInvalidSQL)
	}
	if m := writeWordRe.FindString(bare); m != "" {
		return "", fmt.Errorf("statement contains %s: %w", strings.ToUpper(m), ErrInvalidSQL)
	}
	return query, nil
}

func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// ExecuteStep runs the generated SQL against the warehouse.
type ExecuteStep struct {
	Warehouse warehouse.Executor
	MaxRows   int
}

func (s *ExecuteStep) Name() Name { return StepSQLExecution }

func (s *ExecuteStep) Run(ctx context.Context, st *State) (any, error) {
	if st.SQL == "" {
		return nil, Fail(StepSQLExecution, "no SQL to execute", ErrInvalidSQL)
	}

	rs, err := s.Warehouse.Query(ctx, st.SQL, s.MaxRows)
	if err != nil {
		return nil, Fail(StepSQLExecution, "the query failed", err)
	}

	st.Result = rs
	return ResultPreview{
		Columns:   rs.Columns,
		Rows:      preview(rs.Rows),
		RowCount:  rs.RowCount,
		Truncated: rs.Truncated,
	}, nil
}

// ResultPreview is the viewer-facing slice of a result set.
type ResultPreview struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

func preview(rows [][]any) [][]any {
	if len(rows) > previewRows {
		return rows[:previewRows]
	}
	return rows
}

// Answer is the final result of a completed pipeline.
type Answer struct {
	Summary  string   `json:"summary"`
	SQL      string   `json:"sql"`
	Columns  []string `json:"columns,omitempty"`
	Rows     [][]any  `json:"rows,omitempty"`
	RowCount int      `json:"row_count"`
}

// SummarizeStep turns the result set into a short natural-language answer.
type SummarizeStep struct {
	LLM Completer
}

func (s *SummarizeStep) Name() Name { return StepSummarization }

func (s *SummarizeStep) Run(ctx context.Context, st *State) (any, error) {
	ans := Answer{SQL: st.SQL}
	if st.Result != nil {
		ans.Columns = st.Result.Columns
		ans.Rows = preview(st.Result.Rows)
		ans.RowCount = st.Result.RowCount
	}

	rows, err := json.Marshal(ans.Rows)
	if err != nil {
		return nil, Fail(StepSummarization, "could not prepare the result for summarization", err)
	}

	system := "You explain query results to business users in two or three sentences. Do not invent numbers."
	prompt := fmt.Sprintf("Question: %s\nSQL: %s\nColumns: %s\nRows (first %d of %d): %s",
		st.Question, st.SQL, strings.Join(ans.Columns, ", "), len(ans.Rows), ans.RowCount, rows)

	out, err := s.LLM.Complete(ctx, system, prompt)
	if err != nil {
		return nil, Fail(StepSummarization, "could not summarize the result", err)
	}

	ans.Summary = strings.TrimSpace(out)
	st.Summary = ans.Summary
	return ans, nil
}
