package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
	"github.com/zjrosen/ravel/internal/solver"
)

var solveCmd = &cobra.Command{
	Use:   "solve [task description]",
	Short: "Decompose and solve a task",
	Long: `Creates a new execution for the task description and drives it until
the root is DONE or FAILED. Progress is streamed to stdout; the full
transition and artifact log is recorded in the execution database.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSolve,
}

func init() {
	rootCmd.AddCommand(solveCmd)
	solveCmd.Flags().StringP("profile", "p", "", "solve profile (default from config)")
	solveCmd.Flags().String("experiment", "", "experiment tag recorded with the execution")
	solveCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
	solveCmd.Flags().BoolP("verbose", "v", false, "echo log entries to stderr while solving")
}

func runSolve(cmd *cobra.Command, args []string) error {
	description := strings.Join(args, " ")
	profileName, _ := cmd.Flags().GetString("profile")
	if profileName == "" {
		profileName = cfg.Profile
	}
	experiment, _ := cmd.Flags().GetString("experiment")
	quiet, _ := cmd.Flags().GetBool("quiet")
	verbose, _ := cmd.Flags().GetBool("verbose")

	s, cleanup, err := buildSolver(profileName, experiment)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !quiet {
		go streamEvents(ctx, s, cmd.OutOrStdout())
	}
	if tail := log.Tail(ctx); verbose && tail != nil {
		go func() {
			for entry := range tail {
				fmt.Fprint(cmd.ErrOrStderr(), entry)
			}
		}()
	}

	out, err := s.Solve(ctx, description)
	if err != nil {
		if out != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "interrupted; resume with: ravel resume %s\n", out.ExecutionID)
		}
		return err
	}
	return printOutcome(cmd.OutOrStdout(), out)
}

func streamEvents(ctx context.Context, s *solver.Solver, w io.Writer) {
	for e := range s.Events().Subscribe(ctx) {
		switch e.Type {
		case solver.EventNodeCreated:
			fmt.Fprintf(w, "+ %s depth=%d  %s\n", shortID(e.NodeID), e.Depth, truncate(e.Detail, 70))
		case solver.EventTransition:
			fmt.Fprintf(w, "  %s %s -> %s\n", shortID(e.NodeID), e.From, e.To)
		case solver.EventReplan:
			fmt.Fprintf(w, "! %s replan retry=%d  %s\n", shortID(e.NodeID), e.Retry, truncate(e.Detail, 70))
		case solver.EventArtifact:
			fmt.Fprintf(w, "* %s artifact %s\n", shortID(e.NodeID), e.Detail)
		}
	}
}

func printOutcome(w io.Writer, out *solver.Outcome) error {
	fmt.Fprintf(w, "\nexecution: %s\nstatus:    %s\n", out.ExecutionID, out.Status)
	if out.Result != nil {
		fmt.Fprintf(w, "score:     %.2f\nresult:\n%s\n", out.Result.Score, out.Result.Value)
	}
	if out.Metrics != nil {
		fmt.Fprintf(w, "\n%s\n", out.Metrics.Summary())
	}
	if out.Status == graph.StatusFailed {
		for _, fb := range out.Feedback {
			fmt.Fprintf(w, "feedback: %s\n", fb)
		}
		return fmt.Errorf("solve failed: %s", out.Err)
	}
	return nil
}

func shortID(id graph.NodeID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
