package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/askdb/askdb/internal/cli/askdbdiag"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/llm"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("askdb-diag")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	options := askdbdiag.Options{
		Config: cfg,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	if creds, err := cfg.Credentials(); err == nil {
		model, err := llm.New(llm.Config{
			BaseURL: cfg.Model.BaseURL,
			APIKey:  creds.APIKey,
			Model:   cfg.Model.Name,
			Timeout: cfg.Model.Timeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize model client: %v\n", err)
			os.Exit(1)
		}
		options.LLM = model
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	os.Exit(askdbdiag.Run(ctx, options))
}
