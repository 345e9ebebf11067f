package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"podverify/internal/gateway"
	"podverify/internal/harness"
)

func main() {
	baseURL := flag.String("base-url", envOr("POD_GATEWAY_URL", ""), "Base URL of the API gateway or load balancer under test")
	scenarios := flag.String("scenario", "all", "Comma-separated scenarios: e2e-flow,nlb-session,all")
	timeout := flag.Duration("timeout", 10*time.Second, "Default per-step timeout (steps may override)")
	sessionPrefix := flag.String("session-prefix", "test-session", "Prefix for the generated session identifier")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	flag.Parse()

	if strings.TrimSpace(*baseURL) == "" {
		exitWith("POD_GATEWAY_URL or -base-url is required")
	}

	var selected []harness.Scenario
	clientCap := *timeout
	for _, name := range harness.ResolveScenarioSelection(*scenarios) {
		scenario, ok := harness.FindScenario(name)
		if !ok {
			exitWith("unknown scenario: " + name)
		}
		if longest := harness.MaxStepTimeout(scenario.Steps, *timeout); longest > clientCap {
			clientCap = longest
		}
		selected = append(selected, scenario)
	}

	// the client cap bounds one request; steps carry their own timeouts
	client := gateway.NewClient(gateway.Config{
		BaseURL: *baseURL,
		Timeout: 2 * clientCap,
	})
	cfg := harness.Config{
		TimeoutPerStep: *timeout,
		SessionPrefix:  *sessionPrefix,
	}

	textMode := strings.ToLower(strings.TrimSpace(*format)) != "json"

	reports := make([]harness.Report, 0, len(selected))
	anyFailed := false
	for _, scenario := range selected {
		var onEvent func(harness.Event)
		if textMode {
			fmt.Printf("=== %s ===\n", scenario.Name)
			fmt.Printf("Target: %s\n", *baseURL)
			onEvent = printEvent
		}
		report := harness.RunWithEvents(context.Background(), client, cfg, scenario.Steps, onEvent)
		reports = append(reports, report)
		if textMode {
			printTotals(report)
		}
		if !report.Pass() {
			anyFailed = true
		}
	}

	if !textMode {
		printJSON(reports)
	}
	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReports(*outputPath, reports); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}
	if anyFailed {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printEvent(event harness.Event) {
	switch event.Stage {
	case "step_start":
		fmt.Printf("Step %v/%v: %s (%s %s)\n",
			event.Data["index"], event.Data["total"], event.Message,
			event.Data["method"], event.Data["path"])
	case "step_result":
		status := fmt.Sprint(event.Data["status"])
		fmt.Printf("  [%s] %s (%vms)\n", strings.ToUpper(status), event.Message, event.Data["duration_ms"])
	}
}

func printTotals(report harness.Report) {
	fmt.Printf("Session: %s\n", report.SessionID)
	if report.Pass() {
		fmt.Printf("Result: PASS (%d steps)\n\n", report.Passed)
		return
	}
	fmt.Printf("Result: FAIL at %q [%s] %s (skipped %d)\n\n",
		report.FailedStep, report.Kind, report.Detail, report.Skipped)
}

func printJSON(reports []harness.Report) {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReports(path string, reports []harness.Report) error {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
