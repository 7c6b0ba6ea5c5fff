// Package chain composes a model client and a database handle into the
// question-to-answer flow: build schema context, ask the model for SQL, run
// it, and have the model phrase the rows as prose. A template-only variant
// formats a fixed prompt and returns the raw model reply.
package chain

import (
	"context"
	"fmt"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/llm"
)

const (
	DefaultTopK                = 5
	DefaultSQLTemperature      = 0.1
	DefaultTemplateTemperature = 0.2
)

// SloganTemplate is the fixed template behind the template-only mode.
const SloganTemplate = "Suggest a catchy T-shirt slogan about {topic}."

const sqlSystemPrompt = `You convert natural language questions into a single MySQL SQL query. ` +
	`Return ONLY SQL. No markdown, no explanation.`

const answerSystemPrompt = `You answer questions using query results from a database. ` +
	`Phrase a short natural language answer. Do not mention SQL or the database schema.`

// Response is the discriminated model/tooling result: either a structured
// mapping that carries a result field, or a raw text blob.
type Response struct {
	structured bool
	result     string
	raw        string
}

func Structured(result string) Response {
	return Response{structured: true, result: result}
}

func Raw(text string) Response {
	return Response{raw: text}
}

// Extract returns the result field when the response is structured, otherwise
// the raw text.
func (r Response) Extract() string {
	if r.structured {
		return r.result
	}
	return r.raw
}

// Result is one answered question: the phrased answer plus the SQL that
// produced it.
type Result struct {
	Response Response
	SQL      string
}

// SQLChain pairs a model client with a database handle. The pairing is fixed
// at construction; each Answer call issues at most one SQL execution.
type SQLChain struct {
	LLM         llm.Client
	DB          *database.Handle
	TopK        int
	Temperature float64
}

func NewSQLChain(client llm.Client, db *database.Handle, topK int, temperature float64) SQLChain {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if temperature <= 0 {
		temperature = DefaultSQLTemperature
	}
	return SQLChain{LLM: client, DB: db, TopK: topK, Temperature: temperature}
}

// Answer turns one question into one answer. Failures keep their class: model
// errors wrap llm.ErrUpstream, rejected or failing SQL becomes a
// *database.ExecError.
func (c SQLChain) Answer(ctx context.Context, question string) (Result, error) {
	reply, err := c.LLM.Complete(ctx, llm.Request{
		System:      sqlSystemPrompt,
		User:        GenerationPrompt(question, c.DB.TableInfo(), c.TopK),
		Temperature: c.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate sql: %w", err)
	}

	query := StripMarkdownSQL(reply)
	if strings.TrimSpace(query) == "" {
		return Result{}, fmt.Errorf("generate sql: %w: model returned empty SQL", llm.ErrUpstream)
	}
	if err := validateSelect(query); err != nil {
		return Result{}, &database.ExecError{Query: query, Err: err}
	}

	rows, err := c.DB.Run(ctx, query)
	if err != nil {
		return Result{}, err
	}

	answer, err := c.LLM.Complete(ctx, llm.Request{
		System:      answerSystemPrompt,
		User:        AnswerPrompt(question, query, rows),
		Temperature: c.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("phrase answer: %w", err)
	}

	return Result{
		Response: Structured(strings.TrimSpace(answer)),
		SQL:      query,
	}, nil
}

// TemplateChain is the database-free mode: format one template, make one
// model call, return the raw reply.
type TemplateChain struct {
	LLM         llm.Client
	Template    string
	Temperature float64
}

func NewTemplateChain(client llm.Client, temperature float64) TemplateChain {
	if temperature <= 0 {
		temperature = DefaultTemplateTemperature
	}
	return TemplateChain{LLM: client, Template: SloganTemplate, Temperature: temperature}
}

// Format renders the template for a topic. Pure function of its inputs.
func (c TemplateChain) Format(topic string) string {
	return strings.ReplaceAll(c.Template, "{topic}", topic)
}

func (c TemplateChain) Run(ctx context.Context, topic string) (Response, error) {
	reply, err := c.LLM.Complete(ctx, llm.Request{
		User:        c.Format(topic),
		Temperature: c.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("run template chain: %w", err)
	}
	return Raw(strings.TrimSpace(reply)), nil
}

// GenerationPrompt assembles the text-to-SQL prompt from the question, the
// table-info block, and the row limit. Pure function of its inputs.
func GenerationPrompt(question, tableInfo string, topK int) string {
	return fmt.Sprintf(`Schema and sample rows:
%s

Rules:
- Use only the listed tables and columns.
- Unless the question asks otherwise, limit the result to at most %d rows.
- Output a single SQL query only.

Question:
%s`, tableInfo, topK, strings.TrimSpace(question))
}

// AnswerPrompt assembles the summarization prompt from the question, the
// executed query, and its rows.
func AnswerPrompt(question, query string, rows database.Result) string {
	var builder strings.Builder
	builder.WriteString(strings.Join(rows.Columns, "\t"))
	builder.WriteString("\n")
	for _, row := range rows.Rows {
		fields := make([]string, len(row))
		for i, value := range row {
			fields[i] = fmt.Sprintf("%v", value)
		}
		builder.WriteString(strings.Join(fields, "\t"))
		builder.WriteString("\n")
	}
	if rows.Empty() {
		builder.WriteString("(no rows)\n")
	}

	return fmt.Sprintf(`Question:
%s

SQL query:
%s

Query result:
%s
Answer the question using only the query result.`, strings.TrimSpace(question), query, builder.String())
}

// StripMarkdownSQL removes a ```sql fence when the model wraps its reply in
// one.
func StripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// Only read statements reach the database. The parser also catches SQL the
// model hallucinated badly enough not to parse at all.
func validateSelect(query string) error {
	parser, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return fmt.Errorf("create sql parser: %w", err)
	}
	stmt, err := parser.Parse(query)
	if err != nil {
		return fmt.Errorf("generated SQL does not parse: %w", err)
	}
	if _, ok := stmt.(sqlparser.SelectStatement); !ok {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	return nil
}
