package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/chain"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/observability"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer  string `json:"answer"`
	SQL     string `json:"sql"`
	TraceID string `json:"trace_id"`
}

type sloganRequest struct {
	Topic string `json:"topic"`
}

// handleAsk runs one question through the SQL chain. The database handle is
// rebuilt per request, so schema changes are visible on the next question and
// no state is shared between questions.
func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.OpenHandle == nil || deps.LLM == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}

	var req askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	start := time.Now()

	handle, err := deps.OpenHandle(r.Context())
	if err != nil {
		observability.ObserveQuestion("database", time.Since(start))
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "cannot reach or introspect the database", true, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = handle.Close() }()

	c := chain.NewSQLChain(deps.LLM, handle, deps.Chain.TopK, deps.Chain.SQLTemperature)
	result, err := c.Answer(r.Context(), req.Question)
	if err != nil {
		writeAskError(deps, w, r, start, err)
		return
	}

	observability.ObserveQuestion("ok", time.Since(start))
	writeJSON(w, http.StatusOK, askResponse{
		Answer:  result.Response.Extract(),
		SQL:     result.SQL,
		TraceID: observability.TraceIDFromContext(r.Context()),
	})
}

func writeAskError(deps Dependencies, w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	var execErr *database.ExecError
	switch {
	case errors.As(err, &execErr):
		observability.ObserveQuestion("query", time.Since(start))
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "the generated SQL query failed", false, map[string]any{
			"sql":     execErr.Query,
			"details": execErr.Err.Error(),
		})
	case errors.Is(err, llm.ErrUpstream):
		observability.ObserveQuestion("model", time.Since(start))
		writeError(r.Context(), w, http.StatusBadGateway, "MODEL_UPSTREAM_FAILED", "the model call failed", true, map[string]any{"details": err.Error()})
	default:
		observability.ObserveQuestion("model", time.Since(start))
		writeError(r.Context(), w, http.StatusInternalServerError, "ASK_FAILED", "failed to answer the question", true, map[string]any{"details": err.Error()})
	}
	if deps.Logger != nil {
		deps.Logger.ErrorContext(r.Context(), "question failed",
			"trace_id", observability.TraceIDFromContext(r.Context()),
			"error", err,
		)
	}
}

// handleSlogan exposes the template-only chain: no database, one model call.
func handleSlogan(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.LLM == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SLOGAN_NOT_CONFIGURED", "slogan generation is not configured", false, nil)
		return
	}

	var req sloganRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid slogan request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TOPIC_REQUIRED", "topic is required", false, nil)
		return
	}

	c := chain.NewTemplateChain(deps.LLM, deps.Chain.TemplateTemperature)
	resp, err := c.Run(r.Context(), req.Topic)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "MODEL_UPSTREAM_FAILED", "the model call failed", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slogan":   resp.Extract(),
		"trace_id": observability.TraceIDFromContext(r.Context()),
	})
}

// handleSchema returns the table names and the table-info block the model
// sees, so users can check what the chain grounds its SQL on.
func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.OpenHandle == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "database dependency is not configured", false, nil)
		return
	}

	handle, err := deps.OpenHandle(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "cannot reach or introspect the database", true, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = handle.Close() }()

	writeJSON(w, http.StatusOK, map[string]any{
		"tables":     handle.TableNames(),
		"table_info": handle.TableInfo(),
	})
}
