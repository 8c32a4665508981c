package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ravel/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List available solve profiles",
	Long: `Lists built-in profiles and user profiles from the profile directory.
A user profile with the same name as a built-in one overrides it.
With --watch the command stays running and reprints the table whenever
a profile file changes.`,
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.Flags().BoolP("watch", "w", false, "reprint the table when profile files change")
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	registry, err := profile.NewRegistry(cfg.ProfileDir)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}

	if err := printProfiles(cmd.OutOrStdout(), registry); err != nil {
		return err
	}

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchProfiles(ctx, cmd.OutOrStdout(), registry)
}

// watchProfiles blocks until ctx is done, reprinting the profile table
// after every registry reload.
func watchProfiles(ctx context.Context, w io.Writer, registry *profile.Registry) error {
	watcher, err := profile.NewWatcher(registry, profile.DefaultDebounce)
	if err != nil {
		return err
	}
	reloaded, err := watcher.Start()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	fmt.Fprintf(w, "\nwatching %s for changes\n", registry.UserDir())
	for {
		select {
		case <-reloaded:
			fmt.Fprintln(w)
			if err := printProfiles(w, registry); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printProfiles(out io.Writer, registry *profile.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDEPTH\tREPLANS\tCONCURRENCY\tINJECTION\tPOLICY\tTIMEOUT")
	for _, p := range registry.All() {
		injection := string(p.Injection)
		if injection == "" {
			injection = "DEPENDENCIES"
		}
		policy := p.Policy
		if policy == "" {
			policy = "fail_fast"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			p.Name, p.Source, p.MaxDepth, p.MaxReplans, p.MaxConcurrent,
			injection, policy, p.StageTimeout.Std())
	}
	return w.Flush()
}
