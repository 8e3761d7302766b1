// leadai-score: guardrail-gated scoring engine for AI project portfolios.
//
// KPI measurements are normalized against their targets, aggregated into
// weighted pillar scores, and capped by declarative guardrail rules. The
// engine is exposed two ways: an MCP stdio server for AI hosts, and a
// direct CLI for operators and cron.
//
// Usage:
//
//	leadai-score serve                           # Start MCP server (stdio transport)
//	leadai-score recompute [slug] [flags]        # Recompute scores
//	leadai-score diagnose <slug>                 # Explain guardrail evaluation
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hakant66/LeadAITrustFramework/internal/engine"
	scoreserver "github.com/hakant66/LeadAITrustFramework/internal/server"
	"github.com/hakant66/LeadAITrustFramework/internal/store"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "recompute":
		if err := runRecompute(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "diagnose":
		if err := runDiagnose(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("leadai-score v%s\n", scoreserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe() error {
	s, cleanup, err := scoreserver.New()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Diagnostics go to stderr so they don't interfere with MCP's
	// stdio transport on stdout.
	return server.ServeStdio(s)
}

// runRecompute handles `recompute [slug] [--kpis|--pillars] [--verbose]`.
// With no mode flag, both passes run.
func runRecompute(args []string) error {
	var slug string
	var kpisOnly, pillarsOnly, verbose bool
	for _, a := range args {
		switch a {
		case "--kpis":
			kpisOnly = true
		case "--pillars":
			pillarsOnly = true
		case "--verbose":
			verbose = true
		default:
			if slug != "" {
				return fmt.Errorf("unexpected argument %q", a)
			}
			slug = a
		}
	}
	if kpisOnly && pillarsOnly {
		return fmt.Errorf("--kpis and --pillars are mutually exclusive; omit both for a full pass")
	}

	eng, closeStore, err := openEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	var summary *engine.Summary
	switch {
	case kpisOnly:
		summary, err = eng.RecomputeKPIs(ctx, slug, verbose)
	case pillarsOnly:
		summary, err = eng.RecomputePillars(ctx, slug, verbose)
	default:
		summary, err = eng.RecomputeAll(ctx, slug, verbose)
	}
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// runDiagnose handles `diagnose <slug> [--verbose]`.
func runDiagnose(args []string) error {
	var slug string
	var verbose bool
	for _, a := range args {
		switch {
		case a == "--verbose":
			verbose = true
		case slug == "":
			slug = a
		default:
			fmt.Fprintln(os.Stderr, "usage: leadai-score diagnose <slug> [--verbose]")
			os.Exit(2)
		}
	}
	if slug == "" {
		fmt.Fprintln(os.Stderr, "usage: leadai-score diagnose <slug> [--verbose]")
		os.Exit(2)
	}

	eng, closeStore, err := openEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	diag, err := eng.Diagnose(context.Background(), slug, verbose)
	if err != nil {
		return err
	}
	return printJSON(diag)
}

func openEngine() (*engine.Engine, func(), error) {
	st, err := store.Open(store.FromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("opening score store: %w", err)
	}
	return engine.New(st), func() { _ = st.Close() }, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `leadai-score v%s — Guardrail-Gated Scoring Engine

Usage:
  leadai-score serve                      Start the MCP server (stdio transport)
  leadai-score recompute [slug] [flags]   Recompute scores (all projects when slug omitted)
      --kpis      KPI normalization pass only
      --pillars   Pillar aggregation pass only
      --verbose   Log per-row detail to stderr
  leadai-score diagnose <slug> [--verbose]  Explain one project's guardrail evaluation

Environment:
  LEADAI_DB                 SQLite database path (default ~/.leadai/leadai.db)
  LEADAI_QUERY_TIMEOUT_MS   Per-pass time budget (default 60000)
  LEADAI_LOCK_TTL_MS        Recompute lock lease (default 300000)

Configuration:
  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "leadai-score": {
        "command": "leadai-score",
        "args": ["serve"]
      }
    }
  }
`, scoreserver.Version)
}
