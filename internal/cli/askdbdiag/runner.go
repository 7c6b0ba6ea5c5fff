// Package askdbdiag implements the standalone diagnostic mode: probe the
// database directly, then run a few fixed questions through the full chain.
// It is a smoke test for a deployment, not part of the served application.
package askdbdiag

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/askdb/askdb/internal/chain"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/llm"
)

const countProbe = "SELECT COUNT(*) as total FROM t_shirts"

// ExampleQuestions are the fixed questions the chain step runs.
var ExampleQuestions = []string{
	"How many t-shirts are in the database?",
	"What are the available brands?",
	"Show me Nike t-shirts that are available in size L",
}

type Options struct {
	Config config.Config
	LLM    llm.Client
	// Open builds the database handle; defaults to database.Open with the
	// resolved credentials.
	Open   func(ctx context.Context) (*database.Handle, error)
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the diagnostic flow and returns the process exit code. The
// chain step only runs when the connectivity step passed, so a down database
// never triggers a model call.
func Run(ctx context.Context, opts Options) int {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	creds, err := opts.Config.Credentials()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}

	open := opts.Open
	if open == nil {
		open = func(ctx context.Context) (*database.Handle, error) {
			return database.Open(ctx, database.ConfigFromCredentials(creds, opts.Config))
		}
	}

	banner(stdout, "Testing Database Connection")

	handle, err := open(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "database connection failed: %v\n", err)
		fmt.Fprintln(stderr, "Please fix database connection issues before testing the chain.")
		return 1
	}
	defer func() { _ = handle.Close() }()

	fmt.Fprintln(stdout, "database connection successful")
	fmt.Fprintf(stdout, "\nDatabase tables: %s\n", strings.Join(handle.TableNames(), ", "))
	fmt.Fprintf(stdout, "\nTable info:\n%s\n", handle.TableInfo())

	result, err := handle.Run(ctx, countProbe)
	if err != nil {
		fmt.Fprintf(stderr, "test query failed: %v\n", err)
		return 1
	}
	if !result.Empty() {
		fmt.Fprintf(stdout, "\ntest query successful, total t-shirts: %v\n", result.Rows[0][0])
	}

	if opts.LLM == nil {
		fmt.Fprintln(stderr, "no model client configured; skipping chain test")
		return 1
	}

	banner(stdout, "Testing Answer Chain with Model")

	c := chain.NewSQLChain(opts.LLM, handle, opts.Config.Chain.TopK, opts.Config.Chain.SQLTemperature)
	for i, question := range ExampleQuestions {
		if i > 0 {
			fmt.Fprintf(stdout, "\n%s\n", strings.Repeat("-", 60))
		}
		fmt.Fprintf(stdout, "\nQuestion: %s\n", question)

		answer, err := c.Answer(ctx, question)
		if err != nil {
			fmt.Fprintf(stderr, "chain test failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Answer: %s\n", answer.Response.Extract())
	}

	banner(stdout, "All database query tests completed successfully")
	return 0
}

func banner(w io.Writer, title string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(w, "%s\n%s\n%s\n", line, title, line)
}
