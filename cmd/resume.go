package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	recsqlite "github.com/zjrosen/ravel/internal/recorder/sqlite"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [execution-id]",
	Short: "Resume a recorded execution",
	Long: `Reloads a persisted execution from the log and re-drives every node
that had not reached a terminal status. Finished subtrees and their
artifacts are kept as-is. Without an execution id, lists recorded
executions newest first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringP("profile", "p", "", "solve profile (default from config)")
	resumeCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
}

func runResume(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listExecutions(cmd)
	}

	profileName, _ := cmd.Flags().GetString("profile")
	if profileName == "" {
		profileName = cfg.Profile
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	s, cleanup, err := buildSolver(profileName, "")
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !quiet {
		go streamEvents(ctx, s, cmd.OutOrStdout())
	}

	out, err := s.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), out)
}

func listExecutions(cmd *cobra.Command) error {
	db, err := recsqlite.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening execution log: %w", err)
	}
	defer func() { _ = db.Close() }()

	execs, err := recsqlite.New(db).Executions(cmd.Context())
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded executions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROFILE\tEXPERIMENT\tPOLICY\tCREATED")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Profile, e.Experiment, e.Policy, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
