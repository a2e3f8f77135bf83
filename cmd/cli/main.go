package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kurihiro0119/github-fork-cleaner/internal/config"
	"github.com/kurihiro0119/github-fork-cleaner/internal/deletion"
	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	"github.com/kurihiro0119/github-fork-cleaner/internal/encryption"
	"github.com/kurihiro0119/github-fork-cleaner/internal/gateway"
	"github.com/kurihiro0119/github-fork-cleaner/internal/history"
	"github.com/kurihiro0119/github-fork-cleaner/internal/logging"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/postgres"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage/sqlite"
)

// cliUser is the user id local batches are recorded under
const cliUser = "cli"

var (
	cfgFile    string
	outputJSON bool

	deleteAll   bool
	assumeYes   bool
	graceFlag   time.Duration
	historySize int
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "fork-cleaner",
	Short: "List and delete your GitHub fork repositories",
	Long: `A CLI tool for cleaning up the fork repositories of a GitHub account.

Forks are listed with the token in GITHUB_TOKEN and deleted one at a time,
in the order given. A failed delete is reported and the batch moves on.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := godotenv.Overload(cfgFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", cfgFile, err)
			}
		}
		return nil
	},
}

var forksCmd = &cobra.Command{
	Use:   "forks",
	Short: "Work with fork repositories",
}

var forksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fork repositories",
	Long:  `List the fork repositories owned by the authenticated user (first 100 repositories, most recently updated first).`,
	Args:  cobra.NoArgs,
	RunE:  runForksList,
}

var forksDeleteCmd = &cobra.Command{
	Use:   "delete [owner/name|name]...",
	Short: "Delete fork repositories",
	Long: `Delete the named fork repositories, or every fork with --all.

Repositories are deleted one at a time in the order given. Press Ctrl+C to stop
before the next repository; a delete already sent is allowed to finish.`,
	RunE: runForksDelete,
}

var integrationCmd = &cobra.Command{
	Use:   "integration",
	Short: "Check whether the GitHub App is installed",
	Args:  cobra.NoArgs,
	RunE:  runIntegration,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show batches deleted from this machine",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	forksDeleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete every listed fork")
	forksDeleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	forksDeleteCmd.Flags().DurationVar(&graceFlag, "grace", -1, "pause before the first delete (default DELETE_GRACE_INTERVAL)")

	historyCmd.Flags().IntVar(&historySize, "limit", 20, "number of batches to show")

	rootCmd.AddCommand(forksCmd)
	forksCmd.AddCommand(forksListCmd)
	forksCmd.AddCommand(forksDeleteCmd)
	rootCmd.AddCommand(integrationCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func getStorage(cfg *config.Config) (storage.Storage, error) {
	var cipher storage.TokenCipher = storage.PlainText{}
	if cfg.EncryptionKey != "" {
		svc, err := encryption.NewService(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = svc
	}

	var (
		store storage.Storage
		err   error
	)
	switch cfg.StorageType {
	case "postgres":
		store, err = postgres.NewPostgresStorage(cfg.PostgresURL, cipher)
	default:
		store, err = sqlite.NewSQLiteStorage(cfg.SQLitePath, cipher)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func getGateway(cfg *config.Config, logger logrus.FieldLogger) (*gateway.Gateway, error) {
	if cfg.GitHubToken == "" {
		return nil, fmt.Errorf("GITHUB_TOKEN is not set")
	}
	return gateway.New(cliUser, gateway.StaticToken(cfg.GitHubToken),
		gateway.WithBaseURL(cfg.GitHubAPIURL),
		gateway.WithAppID(cfg.GitHubAppID),
		gateway.WithLogger(logger),
	), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func describe(repo domain.Repository) string {
	if repo.Description == nil {
		return ""
	}
	desc := []rune(*repo.Description)
	if len(desc) > 60 {
		return string(desc[:57]) + "..."
	}
	return string(desc)
}

func printForks(w io.Writer, forks []domain.Repository) {
	if len(forks) == 0 {
		fmt.Fprintln(w, "No fork repositories found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Repository", "Description", "URL"})
	for i, repo := range forks {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			repo.FullName(),
			describe(repo),
			repo.URL,
		})
	}
	table.Render()
}

func runForksList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := getGateway(cfg, logger)
	if err != nil {
		return err
	}

	forks, err := gw.ListForkRepositories(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list forks: %w", err)
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), forks)
	}
	printForks(cmd.OutOrStdout(), forks)
	return nil
}

// selectForks picks the named forks in the order they were named. A name
// matches either "owner/name" or the bare repository name.
func selectForks(forks []domain.Repository, names []string) ([]domain.Repository, error) {
	selection := domain.NewSelection(nil)
	for _, name := range names {
		var match *domain.Repository
		for i := range forks {
			if forks[i].FullName() == name || forks[i].Name == name {
				match = &forks[i]
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("no fork named %q", name)
		}
		if !selection.Contains(match.ID) {
			selection.Toggle(*match)
		}
	}
	return selection.Items(), nil
}

func confirm(in io.Reader, out io.Writer, repos []domain.Repository) bool {
	fmt.Fprintf(out, "%s\n", yellow(fmt.Sprintf("The following %d repositories will be permanently deleted:", len(repos))))
	for _, repo := range repos {
		fmt.Fprintf(out, "  - %s\n", repo.FullName())
	}
	fmt.Fprint(out, "Continue? [y/N]: ")

	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runForksDelete(cmd *cobra.Command, args []string) error {
	if !deleteAll && len(args) == 0 {
		return fmt.Errorf("name at least one repository or pass --all")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := getGateway(cfg, logger)
	if err != nil {
		return err
	}

	forks, err := gw.ListForkRepositories(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list forks: %w", err)
	}

	selected := forks
	if !deleteAll {
		if selected, err = selectForks(forks, args); err != nil {
			return err
		}
	}
	if len(selected) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No fork repositories to delete.")
		return nil
	}

	out := cmd.OutOrStdout()
	if !assumeYes && !confirm(cmd.InOrStdin(), out, selected) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	store, err := getStorage(cfg)
	if err != nil {
		logger.WithError(err).Warn("History storage unavailable, this batch will not be recorded")
		store = nil
	} else {
		defer store.Close()
	}

	grace := cfg.GraceInterval
	if graceFlag >= 0 {
		grace = graceFlag
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := deletion.NewController(gw,
		deletion.WithGraceInterval(grace),
		deletion.WithLogger(logger),
		deletion.WithObserver(func(snap deletion.Snapshot) {
			if !outputJSON {
				fmt.Fprintf(out, "\rProgress: %3d%% (%d/%d)", snap.Percent(), snap.Visited, snap.Total)
			}
		}),
		deletion.WithCompletionHandler(func(report deletion.Report) {
			if store == nil {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.SaveDeletionBatch(saveCtx, report.Batch(cliUser)); err != nil {
				logger.WithError(err).Warn("Failed to record batch")
			}
		}),
	)

	if !outputJSON && grace > 0 {
		fmt.Fprintf(out, "Starting in %s, press Ctrl+C to cancel\n", grace)
	}
	run := controller.Start(ctx, selected)
	report, err := run.Wait(context.Background())
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(out, report)
	}
	fmt.Fprintln(out)
	printReport(out, report)
	if len(report.Failed()) > 0 {
		return fmt.Errorf("%d of %d deletes failed", len(report.Failed()), len(report.Deleted))
	}
	return nil
}

func printReport(w io.Writer, report deletion.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Repository", "Result", "Error"})
	for _, o := range report.Deleted {
		result := green("deleted")
		if !o.Succeeded() {
			result = red("failed")
		}
		table.Append([]string{o.Repository.FullName(), result, o.Error})
	}
	for _, repo := range report.Remaining {
		table.Append([]string{repo.FullName(), yellow("skipped"), ""})
	}
	table.Render()

	bold.Fprintf(w, "Batch %s %s: %d deleted, %d failed, %d skipped\n",
		report.ID, report.State, len(report.Succeeded()), len(report.Failed()), len(report.Remaining))
}

func runIntegration(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.GitHubAppID == 0 {
		return fmt.Errorf("GITHUB_APP_ID is not set")
	}
	gw, err := getGateway(cfg, logger)
	if err != nil {
		return err
	}

	installed, err := gw.IsIntegrationInstalled(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to check installation: %w", err)
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"installed":   installed,
			"install_url": cfg.InstallURL(),
		})
	}
	if installed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s GitHub App %q is installed\n", green("✓"), cfg.GitHubAppSlug)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s GitHub App %q is not installed\n", red("✗"), cfg.GitHubAppSlug)
	fmt.Fprintf(cmd.OutOrStdout(), "Install it at %s\n", cfg.InstallURL())
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := getStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	hist := history.NewHistory(store)
	batches, err := hist.ListBatches(cmd.Context(), cliUser, historySize)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	summary, err := hist.Summarize(cmd.Context(), cliUser)
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
}

func printBatches(w io.Writer, batches []*domain.DeletionBatch) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No batches recorded.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Batch", "Finished", "State", "Total", "Deleted", "Failed"})
	for _, b := range batches {
		table.Append([]string{
			b.ID,
			b.FinishedAt.Local().Format("2006-01-02 15:04"),
			b.State,
			fmt.Sprintf("%d", b.Total),
			fmt.Sprintf("%d", b.Succeeded),
			fmt.Sprintf("%d", b.Failed),
		})
	}
	table.Render()
}

func printSummary(w io.Writer, summary *domain.BatchSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Batches", fmt.Sprintf("%d", summary.Batches)})
	table.Append([]string{"Completed", fmt.Sprintf("%d", summary.Completed)})
	table.Append([]string{"Cancelled", fmt.Sprintf("%d", summary.Cancelled)})
	table.Append([]string{"Repositories deleted", fmt.Sprintf("%d", summary.Succeeded)})
	table.Append([]string{"Failed deletes", fmt.Sprintf("%d", summary.Failed)})
	table.Append([]string{"Skipped", fmt.Sprintf("%d", summary.Skipped)})
	table.Render()
}
