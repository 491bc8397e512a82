// ABOUTME: demo command: runs a workflow and a consensus round against built-in agents
// ABOUTME: Uses an in-memory store so nothing is written to disk

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/builtins"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

func runDemo(ctx context.Context) error {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Logging.Level = "error"
	logger := setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	c, err := coordinator.New(coordinator.Options{Config: cfg, Store: s, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(shutdownCtx)
	}()

	builtinAgents := []*agent.Local{
		builtins.Echo("echo"),
		builtins.Voter("voter-a", "ship", 0.8, "tests pass"),
		builtins.Voter("voter-b", "wait", 0.5, "docs missing"),
		builtins.Voter("voter-c", "ship", 0.4, ""),
		builtins.Failing("broken", ""),
	}
	for _, a := range builtinAgents {
		if _, err := c.Register(a.ID(), a); err != nil {
			return fmt.Errorf("registering %s: %w", a.ID(), err)
		}
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	cyan.Println("workflow")
	run, err := c.RunWorkflow(ctx, "", []workflow.Step{
		{Name: "fetch", AgentID: "echo", Action: "FETCH", Data: map[string]any{"url": "https://example.com"}},
		{Name: "summarize", AgentID: "echo", Action: "SUMMARIZE", Data: "three bullet points"},
	}, map[string]any{"user": "demo"})
	if err != nil {
		return fmt.Errorf("running workflow: %w", err)
	}
	printRun(run, green, red, gray)

	failed, err := c.RunWorkflow(ctx, "", []workflow.Step{
		{Name: "ok", AgentID: "echo", Action: "PING"},
		{Name: "boom", AgentID: "broken", Action: "PING"},
		{Name: "never", AgentID: "echo", Action: "PING"},
	}, nil)
	if err != nil {
		return fmt.Errorf("running workflow: %w", err)
	}
	printRun(failed, green, red, gray)
	fmt.Println()

	cyan.Println("consensus")
	res, err := c.RequestConsensus(ctx, "release v2 today?", map[string]any{"branch": "main"}, 2*time.Second)
	if err != nil {
		return fmt.Errorf("requesting consensus: %w", err)
	}
	decision, _ := json.Marshal(res.Decision)
	fmt.Printf("  decision %s  level %s  agreement %.2f%%  weight %.2f\n",
		decision, res.Level, res.AgreementScore, res.TotalWeight)
	for _, b := range res.Buckets {
		gray.Printf("    %-8s weight %.2f  votes %d\n", b.Key, b.Weight, b.Count)
	}

	stored, err := s.GetConsensus(ctx, res.DecisionID)
	if err != nil {
		return fmt.Errorf("reading stored round: %w", err)
	}
	gray.Printf("  persisted %s with %d votes\n", stored.DecisionID, len(stored.Votes))
	return nil
}

func printRun(run *workflow.Run, ok, bad, gray *color.Color) {
	mark := ok.Sprint("✓")
	if run.Status != workflow.StatusCompleted {
		mark = bad.Sprint("✗")
	}
	fmt.Printf("  %s %s %s (%s)\n", mark, run.ID, run.Status, run.CompletedAt.Sub(run.StartedAt).Round(time.Microsecond))
	for _, name := range run.Completed {
		out, _ := json.Marshal(run.Results[name])
		gray.Printf("    %-10s %s\n", name, out)
	}
	if run.Err != nil {
		bad.Printf("    %v\n", run.Err)
	}
}
