// ABOUTME: init command: interactive writer for a coordinator config file
// ABOUTME: Prompts for storage, health, timing and built-in agents, then writes YAML

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-coordinator configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "coordinator.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Coordinator Configuration ---")
	deliveryTimeout := prompt(reader, "Delivery timeout", "30s")
	stepTimeout := prompt(reader, "Workflow step timeout", "30s")
	consensusTimeout := prompt(reader, "Consensus timeout", "60s")
	dedupeTTL := prompt(reader, "Duplicate message window", "5m")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Health Configuration ---")
	healthAddr := prompt(reader, "gRPC health address (empty to disable)", "localhost:50061")
	healthInterval := prompt(reader, "Health sweep interval (0 to disable)", "30s")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	fmt.Println("\n--- Built-in Agents ---")
	withEcho := isYes(prompt(reader, "Add an echo agent?", "yes"))
	voters, _ := strconv.Atoi(prompt(reader, "Number of voter agents", "0"))
	type voterDecl struct {
		id, vote, confidence string
	}
	var voterDecls []voterDecl
	for i := 1; i <= voters; i++ {
		id := prompt(reader, fmt.Sprintf("Voter %d id", i), fmt.Sprintf("voter-%d", i))
		vote := prompt(reader, fmt.Sprintf("Voter %d vote", i), "yes")
		confidence := prompt(reader, fmt.Sprintf("Voter %d confidence (0-1)", i), "1.0")
		voterDecls = append(voterDecls, voterDecl{id: id, vote: vote, confidence: confidence})
	}

	var cfg strings.Builder
	cfg.WriteString("# coven-coordinator configuration\n")
	cfg.WriteString("# Generated by coven-coordinator init\n\n")

	cfg.WriteString("coordinator:\n")
	cfg.WriteString(fmt.Sprintf("  delivery_timeout: \"%s\"\n", deliveryTimeout))
	cfg.WriteString("  persist_timeout: \"5s\"\n")
	cfg.WriteString(fmt.Sprintf("  step_timeout: \"%s\"\n", stepTimeout))
	cfg.WriteString(fmt.Sprintf("  consensus_timeout: \"%s\"\n", consensusTimeout))
	cfg.WriteString(fmt.Sprintf("  dedupe_ttl: \"%s\"\n", dedupeTTL))
	cfg.WriteString("  dedupe_max_size: 10000\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("health:\n")
	if healthAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", healthAddr))
	}
	cfg.WriteString(fmt.Sprintf("  interval: \"%s\"\n", healthInterval))
	cfg.WriteString("  timeout: \"5s\"\n")
	cfg.WriteString("  cache_ttl: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("telemetry:\n")
	cfg.WriteString("  enabled: false\n")

	if withEcho || len(voterDecls) > 0 {
		cfg.WriteString("\nagents:\n")
		if withEcho {
			cfg.WriteString("  - id: \"echo\"\n")
			cfg.WriteString("    type: \"echo\"\n")
		}
		for _, v := range voterDecls {
			cfg.WriteString(fmt.Sprintf("  - id: \"%s\"\n", v.id))
			cfg.WriteString("    type: \"voter\"\n")
			cfg.WriteString(fmt.Sprintf("    vote: \"%s\"\n", v.vote))
			cfg.WriteString(fmt.Sprintf("    confidence: %s\n", v.confidence))
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfiguration written to %s\n", outputFile)
	fmt.Println("\nTo start the coordinator:")
	fmt.Println("  coven-coordinator serve")

	return nil
}

// prompt displays a question and returns user input or default value
func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
