package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/studypilot/internal/config"
	"github.com/studypilot/internal/egress"
	"github.com/studypilot/internal/genai"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/storage"
)

type checkTarget struct {
	label  string
	secret string
}

type checkResult struct {
	label   string
	masked  string
	ok      bool
	latency time.Duration
	kind    genai.ErrorKind
	err     error
}

func main() {
	modelFlag := flag.String("model", "", "Model to probe with (default: first model of the default pool)")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "Per-credential probe timeout")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Printf("Warning: Could not load .env file: %v\n", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	model := *modelFlag
	if model == "" {
		cascade := cfg.GenAI.Pools[cfg.GenAI.DefaultPool]
		if len(cascade) == 0 {
			fmt.Println("No model configured and -model not set")
			os.Exit(1)
		}
		model = cascade[0]
	}

	targets := collectTargets(cfg)
	if len(targets) == 0 {
		fmt.Println("No credentials configured (set GENAI_API_KEYS or add credentials via the ops API)")
		os.Exit(1)
	}

	// This tool prints its own report; keep the rotator's logging quiet.
	logger := logging.New(logging.LevelError, logging.FormatText)

	rotator, err := egress.NewRotator(cfg.Egress.Proxies, cfg.Egress.RouteMaxFails, cfg.Egress.RouteCooldown, logger)
	if err != nil {
		fmt.Printf("Error configuring egress routes: %v\n", err)
		os.Exit(1)
	}

	client := genai.NewClient(cfg.GenAI.BaseURL)

	fmt.Printf("Probing %d credential(s) with model %s...\n\n", len(targets), model)

	var results []checkResult
	for i, target := range targets {
		res := probe(client, rotator, target, model, *timeoutFlag)
		results = append(results, res)

		if res.ok {
			fmt.Printf("[%d/%d] %-12s %s ✅ OK (%dms)\n",
				i+1, len(targets), target.label, res.masked, res.latency.Milliseconds())
		} else {
			fmt.Printf("[%d/%d] %-12s %s ❌ FAILED: %s (%dms)\n",
				i+1, len(targets), target.label, res.masked, res.kind, res.latency.Milliseconds())
		}

		// Small delay so the shared upstream does not see a burst
		time.Sleep(100 * time.Millisecond)
	}

	var healthy, failed int
	for _, res := range results {
		if res.ok {
			healthy++
		} else {
			failed++
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total: %d, Healthy: %d, Failed: %d\n", len(results), healthy, failed)

	if failed > 0 {
		fmt.Printf("\nFailed credentials:\n")
		for _, res := range results {
			if !res.ok {
				fmt.Printf("  %s (%s): %v\n", res.label, res.masked, res.err)
			}
		}
		os.Exit(1)
	}
}

// collectTargets merges the environment-configured credentials with the rows
// persisted by the pool. The durable mirror is optional here: an unreachable
// Postgres degrades to an env-only check.
func collectTargets(cfg *config.Config) []checkTarget {
	seen := make(map[string]bool)
	var targets []checkTarget

	for i, secret := range cfg.Pool.Credentials {
		if secret == "" || seen[secret] {
			continue
		}
		seen[secret] = true
		targets = append(targets, checkTarget{label: fmt.Sprintf("env-%d", i+1), secret: secret})
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		fmt.Printf("Warning: Postgres unreachable, checking environment credentials only: %v\n", err)
		return targets
	}
	defer postgres.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := storage.NewCredentialRepository(postgres).List(ctx)
	if err != nil {
		fmt.Printf("Warning: could not list stored credentials: %v\n", err)
		return targets
	}

	for _, row := range rows {
		if row.ID == "" || seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		label := row.Label
		if label == "" {
			label = models.MaskCredential(row.ID)
		}
		targets = append(targets, checkTarget{label: label, secret: row.ID})
	}

	return targets
}

// probe fires one minimal generation call through the next egress route.
func probe(client *genai.Client, rotator *egress.Rotator, target checkTarget, model string, timeout time.Duration) checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	route := rotator.Next()
	start := time.Now()
	_, err := client.GenerateContent(ctx, rotator.Client(route), target.secret, genai.Params{
		Model:  model,
		Prompt: "Reply with the single word: pong.",
	})
	latency := time.Since(start)

	res := checkResult{
		label:   target.label,
		masked:  models.MaskCredential(target.secret),
		latency: latency,
	}
	if err != nil {
		rotator.ReportFailure(route)
		res.kind = genai.KindOf(err)
		res.err = err
		return res
	}

	rotator.ReportSuccess(route)
	res.ok = true
	return res
}
