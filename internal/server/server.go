// Package server exposes the governance engine over MCP. Agents call
// loopgate_evaluate before acting; operators resolve approvals and run
// reset ceremonies through the companion tools.
package server

import (
	"context"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/evaluator"
	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/metrics"
	"github.com/loopgate/loopgate/internal/quorum"
	"github.com/loopgate/loopgate/internal/scorer"
)

// Config holds server wiring paths.
type Config struct {
	ConfigPath      string
	LedgerPath      string
	AuthoritiesPath string // empty disables reset ceremonies
	TokenDir        string
	ApprovalDir     string // set to resolve approvals through the file store
	SignerSeed      []byte // empty means unsigned records
}

// Server wraps the MCP SDK server around the governance evaluator.
type Server struct {
	mcpServer  *mcpsdk.Server
	eval       *evaluator.Evaluator
	gate       *approval.Gate
	store      *approval.Store // nil when approvals are in-process
	led        *ledger.Ledger
	metrics    *metrics.Metrics
	configPath string

	mu         sync.Mutex
	configHash string
}

// New loads config and wires the full pipeline behind an MCP server.
// The scorer is injected: production deployments bring their own model,
// simulations bring fixtures.
func New(cfg Config, sc scorer.Scorer) (*Server, error) {
	governance, hash, err := config.LoadWithHash(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := governance.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var signer ledger.Signer = ledger.NoopSigner{}
	if len(cfg.SignerSeed) > 0 {
		signer, err = ledger.NewEd25519SignerFromSeed(cfg.SignerSeed)
		if err != nil {
			return nil, fmt.Errorf("build signer: %w", err)
		}
	}

	ledgerPath := cfg.LedgerPath
	if ledgerPath == "" {
		ledgerPath = ledger.DefaultPath()
	}
	led, err := ledger.Open(ledgerPath, signer)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	opts := evaluator.Options{Metrics: metrics.New()}
	if cfg.AuthoritiesPath != "" {
		verifier := quorum.NewVerifier(governance.ResetQuorum)
		if err := verifier.LoadAuthorities(cfg.AuthoritiesPath); err != nil {
			led.Close()
			return nil, err
		}
		tokenDir := cfg.TokenDir
		if tokenDir == "" {
			tokenDir = quorum.DefaultDir()
		}
		tokens, err := quorum.NewStore(tokenDir)
		if err != nil {
			led.Close()
			return nil, err
		}
		opts.Verifier = verifier
		opts.Tokens = tokens
	}

	gate := approval.NewGate()
	var channel approval.Channel = gate
	var store *approval.Store
	if cfg.ApprovalDir != "" {
		store, err = approval.NewStore(cfg.ApprovalDir)
		if err != nil {
			led.Close()
			return nil, fmt.Errorf("open approval store: %w", err)
		}
		store.Cleanup()
		channel = approval.NewStoreChannel(store)
	}

	s := &Server{
		eval:       evaluator.New(governance, sc, led, channel, opts),
		gate:       gate,
		store:      store,
		led:        led,
		metrics:    opts.Metrics,
		configPath: cfg.ConfigPath,
		configHash: hash,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "loopgate",
			Version: "0.1.0",
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close releases the ledger.
func (s *Server) Close() error {
	return s.led.Close()
}

// Evaluator exposes the pipeline for the CLI serve command.
func (s *Server) Evaluator() *evaluator.Evaluator { return s.eval }

// Metrics exposes the instrumentation registry for the scrape endpoint.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// ConfigHash returns the sha256 of the loaded config file.
func (s *Server) ConfigHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configHash
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_evaluate",
		Description: "Evaluate an autonomous action through governance. Returns the decision and sealed record; low-confidence actions wait for loopgate_approve or loopgate_deny up to the configured deadline.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_approve",
		Description: "Grant a pending human approval for a session. After the deadline, records a late-response follow-up inside the configured window.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_deny",
		Description: "Deny a pending human approval for a session.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_pending",
		Description: "List sessions currently waiting on a human approval.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_status",
		Description: "Report the governance state of all known sessions.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_resume",
		Description: "Run a quorum-authorized reset ceremony: verify endorsements over the session's chain position and return it to autonomous operation.",
	}, s.handleResume)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_verify",
		Description: "Verify a session's hash chain. A broken chain freezes the session.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "loopgate_export",
		Description: "Export a session's governance records and summary.",
	}, s.handleExport)
}
