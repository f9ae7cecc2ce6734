// Command keel is a small introspection harness for the governance
// kernel: it loads a contract manifest, wires a pipeline with an audit
// sink, and executes a sample governed call.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/keel-labs/keel/pkg/approval"
	"github.com/keel-labs/keel/pkg/audit"
	"github.com/keel-labs/keel/pkg/config"
	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/pipeline"
	"github.com/keel-labs/keel/pkg/registry"
	"github.com/keel-labs/keel/pkg/risk"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "contracts":
		return runContracts(args[2:], stdout, stderr)
	case "run":
		return runAction(args[2:], stdout, stderr)
	case "assess":
		return runAssess(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: keel <contracts|run|assess> [flags]")
	fmt.Fprintln(w, "  contracts -manifest <file>            list registered contract keys")
	fmt.Fprintln(w, "  run -manifest <file> -action <id> -version <n> -type <t> -input <json>")
	fmt.Fprintln(w, "  assess -user <id> [-session <id>] -steps <json> [-capabilities <json>]")
}

func loadRegistry(manifestPath string) (*registry.InMemoryRegistry, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := registry.ParseManifest(f)
	if err != nil {
		return nil, err
	}
	reg := registry.NewInMemoryRegistry()
	if _, err := registry.RegisterManifest(reg, m); err != nil {
		return nil, err
	}
	return reg, nil
}

func runContracts(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("contracts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath := fs.String("manifest", "contracts.yaml", "contract manifest file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	reg, err := loadRegistry(*manifestPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	for _, key := range reg.List() {
		fmt.Fprintln(stdout, key)
	}
	return 0
}

func runAction(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath := fs.String("manifest", "contracts.yaml", "contract manifest file")
	actionID := fs.String("action", "", "action id")
	version := fs.Int("version", 1, "action version")
	execType := fs.String("type", string(contracts.ExecutionTool), "execution type")
	inputJSON := fs.String("input", "{}", "input as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	sink, closeSink, err := openSink(cfg, stdout)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer closeSink()

	reg, err := loadRegistry(*manifestPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	accountant := risk.NewAccountant(time.Duration(cfg.RiskWindowSeconds)*time.Second, cfg.RiskMaxAggregate)
	pipe := pipeline.New(reg, sink, pipeline.WithLogger(logger))
	pipe.Use(risk.AccountingMiddleware(accountant))

	var input any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		fmt.Fprintln(stderr, "error: input is not valid JSON:", err)
		return 2
	}

	// The demo executor echoes its input; real gateways supply their
	// business executor here.
	output, err := pipe.Run(context.Background(), pipeline.Request{
		ExecutionType: contracts.ExecutionType(*execType),
		ActionID:      *actionID,
		Version:       *version,
		Input:         input,
	}, func(_ context.Context, in any) (any, error) {
		return in, nil
	})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	encoded, _ := json.MarshalIndent(output, "", "  ")
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

// runAssess classifies a proposed step sequence and reports the verdict.
// Capability metadata comes from an inline inventory, keyed by extension
// id; steps without an entry are floored at write/internal risk.
func runAssess(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("assess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	userID := fs.String("user", "", "requesting user id")
	sessionID := fs.String("session", "", "session id")
	stepsJSON := fs.String("steps", "[]", "proposed steps as JSON")
	inventoryJSON := fs.String("capabilities", "{}", "extension capability inventory as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *userID == "" {
		fmt.Fprintln(stderr, "error: -user is required")
		return 2
	}

	var steps []risk.Step
	if err := json.Unmarshal([]byte(*stepsJSON), &steps); err != nil {
		fmt.Fprintln(stderr, "error: steps are not valid JSON:", err)
		return 2
	}
	var inventory map[string]*contracts.ExtensionState
	if err := json.Unmarshal([]byte(*inventoryJSON), &inventory); err != nil {
		fmt.Fprintln(stderr, "error: capabilities are not valid JSON:", err)
		return 2
	}

	provider := risk.StateProviderFunc(func(extensionID string) (*contracts.ExtensionState, bool) {
		state, ok := inventory[extensionID]
		return state, ok
	})
	principal := contracts.Principal{UserID: *userID, SessionID: *sessionID}

	assessment := risk.NewEvaluator().Evaluate(steps, provider)
	decision := risk.Decide(assessment, principal, approval.NewStore())

	encoded, _ := json.MarshalIndent(decision, "", "  ")
	fmt.Fprintln(stdout, string(encoded))
	if decision.Verdict == risk.VerdictApprovalRequired {
		return 3
	}
	return 0
}

func openSink(cfg *config.Config, stdout io.Writer) (audit.Sink, func(), error) {
	if cfg.AuditPath == "-" {
		return audit.NewJSONLSink(stdout), func() {}, nil
	}
	f, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return audit.NewJSONLSink(f), func() { _ = f.Close() }, nil
}
