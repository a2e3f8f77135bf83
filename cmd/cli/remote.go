package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kurihiro0119/github-fork-cleaner/pkg/client"
)

var (
	remoteEndpoint string
	remoteToken    string
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a running fork-cleaner API server",
	Long: `Commands that go through the HTTP API instead of calling GitHub directly.

The session token is the one returned by /auth/callback. It is read from
--token or FORK_CLEANER_TOKEN.`,
}

var remoteHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the API server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		if err := c.HealthCheck(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s API is healthy\n", green("✓"))
		return nil
	},
}

var remoteForksCmd = &cobra.Command{
	Use:   "forks",
	Short: "List fork repositories through the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		forks, err := c.ListForks(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list forks: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), forks)
		}
		printForks(cmd.OutOrStdout(), forks)
		return nil
	},
}

var remoteBatchCmd = &cobra.Command{
	Use:   "batch [owner/name|name]...",
	Short: "Run a batch deletion on the API server and wait for it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemoteBatch,
}

var remoteHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the batch history kept by the API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		batches, err := c.ListBatches(cmd.Context(), historySize)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		summary, err := c.Summary(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to summarize history: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"batches": batches,
				"summary": summary,
			})
		}
		printBatches(cmd.OutOrStdout(), batches)
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteEndpoint, "endpoint", "", "API endpoint (default API_ENDPOINT)")
	remoteCmd.PersistentFlags().StringVar(&remoteToken, "token", "", "session token (default FORK_CLEANER_TOKEN)")
	remoteBatchCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	remoteHistoryCmd.Flags().IntVar(&historySize, "limit", 20, "number of batches to show")

	remoteCmd.AddCommand(remoteHealthCmd)
	remoteCmd.AddCommand(remoteForksCmd)
	remoteCmd.AddCommand(remoteBatchCmd)
	remoteCmd.AddCommand(remoteHistoryCmd)
}

func remoteClient() (*client.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	endpoint := remoteEndpoint
	if endpoint == "" {
		endpoint = cfg.APIEndpoint
	}
	token := remoteToken
	if token == "" {
		token = os.Getenv("FORK_CLEANER_TOKEN")
	}
	return client.NewClient(endpoint, token), nil
}

func runRemoteBatch(cmd *cobra.Command, args []string) error {
	c, err := remoteClient()
	if err != nil {
		return err
	}

	forks, err := c.ListForks(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list forks: %w", err)
	}
	selected, err := selectForks(forks, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !assumeYes && !confirm(cmd.InOrStdin(), out, selected) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	snap, err := c.StartBatch(cmd.Context(), selected)
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}
	fmt.Fprintf(out, "Batch %s started, press Ctrl+C to cancel\n", snap.ID)

	// Ctrl+C cancels the batch on the server; the wait below then returns
	// the cancelled report.
	interrupted, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
		case <-interrupted.Done():
			if _, err := c.CancelBatch(context.Background(), snap.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to cancel batch: %v\n", err)
			}
		}
	}()

	report, err := c.WaitBatch(cmd.Context(), snap.ID)
	close(finished)
	if err != nil {
		return fmt.Errorf("failed to wait for batch: %w", err)
	}

	if outputJSON {
		return printJSON(out, report)
	}
	printReport(out, report.Report)
	if report.FailedCount > 0 {
		return fmt.Errorf("%d of %d deletes failed", report.FailedCount, len(report.Deleted))
	}
	return nil
}
