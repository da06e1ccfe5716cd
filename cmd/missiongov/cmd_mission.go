package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"missiongov/internal/checkpoint"
	"missiongov/internal/config"
	"missiongov/internal/hitl"
	"missiongov/internal/mission"
	"missiongov/internal/scenario"
	"missiongov/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	approveMode string
	watchConfig bool
	tenantID    string
)

// runCmd runs scripted missions to a terminal or paused state
var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>...",
	Short: "Run scripted missions under the governor",
	Long: `Runs each scenario as a mission. Missions run concurrently and share the
breaker registry, approval gate and checkpoint store.

Approval requests are answered according to --approve:
  ask     prompt on the terminal (default)
  always  approve every request
  never   reject every request

Ctrl-C stops every mission after its current step; each is checkpointed and
can be continued with "missiongov resume".

Examples:
  missiongov run scenarios/deploy.yaml
  missiongov run a.yaml b.yaml --approve=always --watch`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMissions,
}

// resumeCmd continues a stopped or interrupted mission
var resumeCmd = &cobra.Command{
	Use:   "resume <scenario.yaml>",
	Short: "Resume a mission from its latest checkpoint",
	Long: `Reloads the latest checkpoint for the scenario's mission and continues at
the next step. A mission that was awaiting approval waits again.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeMission,
}

// resolveCmd answers a pending approval request offline
var resolveCmd = &cobra.Command{
	Use:   "resolve <mission-id> <checkpoint-id> <approve|reject>",
	Short: "Resolve a pending approval request",
	Long: `Resolves an approval request recorded in the checkpoint store. Approving
records the mission as RUNNING (or COMPLETED when its goal was already met);
rejecting records it as FAILED. Run "missiongov resume" to continue.`,
	Args: cobra.ExactArgs(3),
	RunE: resolveApproval,
}

// statusCmd prints the latest recorded state
var statusCmd = &cobra.Command{
	Use:   "status <mission-id>",
	Short: "Show a mission's latest state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

// checkpointsCmd lists a mission's checkpoint history
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <mission-id>",
	Short: "List a mission's checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  listCheckpoints,
}

// purgeCmd deletes a mission's checkpoints
var purgeCmd = &cobra.Command{
	Use:   "purge <mission-id>",
	Short: "Delete every checkpoint of a mission",
	Args:  cobra.ExactArgs(1),
	RunE:  purgeMission,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringVar(&approveMode, "approve", "ask", "How to answer approval requests: ask, always, never")
		c.Flags().BoolVar(&watchConfig, "watch", false, "Reload tripwires and safety level when the config file changes")
	}
	for _, c := range []*cobra.Command{resolveCmd, statusCmd, checkpointsCmd, purgeCmd} {
		c.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant that owns the mission")
		_ = c.MarkFlagRequired("tenant")
	}
}

// =============================================================================
// APPROVALS
// =============================================================================

// approver answers approval requests as they are opened.
type approver struct {
	mode string
	in   *bufio.Reader
	out  io.Writer

	promptMu sync.Mutex // one prompt at a time
	outMu    sync.Mutex
	app      *app
}

func newApprover(mode string, in io.Reader, out io.Writer) (*approver, error) {
	switch mode {
	case "ask", "always", "never":
	default:
		return nil, fmt.Errorf("invalid --approve %q (valid: ask, always, never)", mode)
	}
	return &approver{mode: mode, in: bufio.NewReader(in), out: out}, nil
}

// ApprovalRequested answers req off the controller's goroutine.
func (a *approver) ApprovalRequested(req types.ApprovalRequest) {
	go a.respond(req)
}

func (a *approver) respond(req types.ApprovalRequest) {
	decision, err := a.decide(req)
	if err != nil {
		logger.Warn("approval left pending", zap.String("checkpoint", req.CheckpointID), zap.Error(err))
		return
	}
	status, err := a.app.manager.Resolve(context.Background(), req.MissionID, req.TenantID, req.CheckpointID, decision)
	if err != nil {
		logger.Warn("failed to resolve approval", zap.String("checkpoint", req.CheckpointID), zap.Error(err))
		return
	}
	a.printf("  %s/%s: %s %s -> %s\n", req.TenantID, req.MissionID, req.Kind, decision, status)
}

func (a *approver) printf(format string, args ...interface{}) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *approver) decide(req types.ApprovalRequest) (types.Decision, error) {
	switch a.mode {
	case "always":
		return types.DecisionApprove, nil
	case "never":
		return types.DecisionReject, nil
	}

	a.promptMu.Lock()
	defer a.promptMu.Unlock()
	a.printf("\n[%s/%s] step %d needs %s\n  %s\nApprove? [y/N]: ",
		req.TenantID, req.MissionID, req.Step, req.Kind, req.Summary)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return parseAnswer(line), nil
}

func parseAnswer(line string) types.Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "approve":
		return types.DecisionApprove
	default:
		return types.DecisionReject
	}
}

// =============================================================================
// RUN / RESUME
// =============================================================================

// runSession wires an app with an approver, signal handling and an optional
// config watcher, then calls launch for each scenario and waits for all of
// them.
func runSession(cmd *cobra.Command, scenarios []*scenario.Scenario,
	launch func(ctx context.Context, a *app, s *scenario.Scenario, exec *scenario.Executor) error) error {
	out := cmd.OutOrStdout()
	ap, err := newApprover(approveMode, cmd.InOrStdin(), out)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, ap)
	if err != nil {
		return err
	}
	defer a.Close()
	ap.app = a

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			ap.printf("\nStopping missions (checkpointing)...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	if watchConfig {
		w, err := config.NewWatcher(configPath, a.reload)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	for _, s := range scenarios {
		if err := launch(ctx, a, s, scenario.NewExecutor(s)); err != nil {
			return fmt.Errorf("%s/%s: %w", s.TenantID, s.MissionID, err)
		}
	}

	results := make([]types.MissionState, len(scenarios))
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for i, s := range scenarios {
		g.Go(func() error {
			final, err := a.manager.Wait(gctx, s.MissionID, s.TenantID)
			results[i] = final
			return err
		})
	}
	waitErr := g.Wait()

	ap.outMu.Lock()
	printSummary(out, results)
	ap.outMu.Unlock()
	if waitErr != nil {
		return waitErr
	}
	var failed int
	for _, r := range results {
		if r.Status == types.StatusFailed || r.Status == types.StatusBudgetExceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d missions did not complete", failed, len(results))
	}
	return nil
}

// missionPolicy returns the scenario's approval policy override, or nil.
func missionPolicy(s *scenario.Scenario) (*hitl.Policy, error) {
	if s.SafetyLevel == "" {
		return nil, nil
	}
	p, err := approvalPolicy(cfg, s.SafetyLevel)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func runMissions(cmd *cobra.Command, args []string) error {
	scenarios, err := loadScenarios(args)
	if err != nil {
		return err
	}
	return runSession(cmd, scenarios, func(ctx context.Context, a *app, s *scenario.Scenario, exec *scenario.Executor) error {
		policy, err := missionPolicy(s)
		if err != nil {
			return err
		}
		_, err = a.manager.Start(ctx, mission.StartRequest{
			MissionID:   s.MissionID,
			TenantID:    s.TenantID,
			BudgetLimit: s.BudgetLimit,
			Executor:    exec,
			Approval:    policy,
		})
		return err
	})
}

func resumeMission(cmd *cobra.Command, args []string) error {
	scenarios, err := loadScenarios(args)
	if err != nil {
		return err
	}
	return runSession(cmd, scenarios, func(ctx context.Context, a *app, s *scenario.Scenario, exec *scenario.Executor) error {
		policy, err := missionPolicy(s)
		if err != nil {
			return err
		}
		_, err = a.manager.ResumeWith(ctx, mission.StartRequest{
			MissionID: s.MissionID,
			TenantID:  s.TenantID,
			Executor:  exec,
			Approval:  policy,
		})
		return err
	})
}

func loadScenarios(paths []string) ([]*scenario.Scenario, error) {
	var out []*scenario.Scenario
	seen := make(map[string]string)
	for _, path := range paths {
		s, err := scenario.Load(path)
		if err != nil {
			return nil, err
		}
		key := s.TenantID + "/" + s.MissionID
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%s and %s both define mission %s", prev, path, key)
		}
		seen[key] = path
		out = append(out, s)
	}
	return out, nil
}

func printSummary(w io.Writer, results []types.MissionState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTENANT\tMISSION\tSTATUS\tSTEPS\tCOST\tREASON")
	for _, r := range results {
		if r.MissionID == "" {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t$%.2f\t%s\n",
			r.TenantID, r.MissionID, r.Status, r.CurrentStep, r.TotalCost, r.Reason)
	}
	tw.Flush()
}

// =============================================================================
// INSPECTION
// =============================================================================

// withApp runs fn against an app with no approver.
func withApp(fn func(a *app) error) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func resolveApproval(cmd *cobra.Command, args []string) error {
	missionID, checkpointID := args[0], args[1]
	decision := types.Decision(strings.ToLower(args[2]))
	return withApp(func(a *app) error {
		status, err := a.manager.Resolve(cmd.Context(), missionID, tenantID, checkpointID, decision)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s -> %s\n", tenantID, missionID, decision, status)
		return nil
	})
}

func showStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		state, err := a.manager.GetStatus(cmd.Context(), args[0], tenantID)
		if err != nil {
			return err
		}
		view := struct {
			types.MissionState
			PendingApproval *types.ApprovalRequest `json:"pending_approval,omitempty"`
		}{MissionState: state}
		if state.Status == types.StatusAwaitingApproval {
			if p, err := latestPayload(cmd.Context(), a.store, args[0]); err == nil {
				view.PendingApproval = p.Resume.PendingApproval
			}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	})
}

func latestPayload(ctx context.Context, store checkpoint.Store, missionID string) (checkpoint.Payload, error) {
	rec, err := store.Latest(ctx, missionID, tenantID)
	if err != nil {
		return checkpoint.Payload{}, err
	}
	return checkpoint.DecodePayload(rec.Payload)
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		records, err := a.store.List(cmd.Context(), args[0], tenantID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECKPOINT\tSTATUS\tSTEP\tCOST\tCREATED")
		for _, r := range records {
			p, err := checkpoint.DecodePayload(r.Payload)
			if err != nil {
				return fmt.Errorf("checkpoint %s: %w", r.CheckpointID, err)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t$%.2f\t%s\n", r.CheckpointID, r.Status,
				p.State.CurrentStep, p.State.TotalCost, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	})
}

func purgeMission(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if _, err := a.store.Latest(cmd.Context(), args[0], tenantID); err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No checkpoints for %s/%s\n", tenantID, args[0])
				return nil
			}
			return err
		}
		if err := a.manager.Purge(cmd.Context(), args[0], tenantID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %s/%s\n", tenantID, args[0])
		return nil
	})
}
