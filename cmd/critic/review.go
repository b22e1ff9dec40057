package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/config"
	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/internal/decompose"
	"github.com/ShayCichocki/critic/internal/diff"
	"github.com/ShayCichocki/critic/internal/git"
	"github.com/ShayCichocki/critic/internal/orchestrator"
	"github.com/ShayCichocki/critic/internal/permission"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/publish"
	"github.com/ShayCichocki/critic/internal/recovery"
	"github.com/ShayCichocki/critic/internal/state"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/internal/version"
	"github.com/ShayCichocki/critic/pkg/models"
)

var (
	reviewID          string
	reviewTitle       string
	reviewRepo        string
	reviewPublish     bool
	reviewJSON        bool
	reviewFailOn      string
	reviewMetricsAddr string
	reviewBase        string
	reviewHead        string
)

var reviewCmd = &cobra.Command{
	Use:   "review [diff-file|-]",
	Short: "Review a unified diff",
	Long: `Review a unified diff with a pool of agents.

The diff is read from the given file, or from stdin when the argument is "-".
Full file contents are read from --repo when the files exist there; otherwise
they are rebuilt from the diff hunks.

With --base, the diff is taken from the git repository at --repo instead:
the working tree against --base, or --head against its merge base with --base.

With --publish, every finding becomes a comment that is appended to the
outbox once approved with 'critic approve'. Comments not approved within
permission.confirm_timeout are withheld.

Press Ctrl-C once to stop the review and keep the partial report; press it
again to abort immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().StringVar(&reviewID, "id", "", "Change-set ID (default: derived from the diff content)")
	reviewCmd.Flags().StringVar(&reviewTitle, "title", "", "Change-set title")
	reviewCmd.Flags().StringVar(&reviewRepo, "repo", ".", "Working tree holding the post-change files")
	reviewCmd.Flags().BoolVar(&reviewPublish, "publish", false, "Publish approved findings as comments")
	reviewCmd.Flags().BoolVar(&reviewJSON, "json", false, "Print the report as JSON")
	reviewCmd.Flags().StringVar(&reviewFailOn, "fail-on", "none", "Exit non-zero on findings at or above this severity (error, warning, info, none)")
	reviewCmd.Flags().StringVar(&reviewBase, "base", "", "Review the git changes against this ref")
	reviewCmd.Flags().StringVar(&reviewHead, "head", "", "With --base, review this ref instead of the working tree")
	reviewCmd.Flags().StringVar(&reviewMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while reviewing")
}

func runReview(cmd *cobra.Command, args []string) error {
	if _, ok := failOnRank[reviewFailOn]; !ok {
		return fmt.Errorf("invalid --fail-on %q", reviewFailOn)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cs, err := loadChangeSet(cmd.Context(), args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(cs.Units) == 0 {
		fmt.Fprintln(os.Stderr, "No reviewable files in diff.")
		return nil
	}

	if cfg.Log.Debug {
		path := cfg.Log.DebugPath
		if path == "" {
			path = orchestrator.DebugLogPath(reviewRepo)
		}
		logger, err := orchestrator.InitDebugLog(path)
		if err != nil {
			return fmt.Errorf("init debug log: %w", err)
		}
		defer logger.Close()
	}

	if cfg.Log.TraceFile != "" {
		shutdown, err := telemetry.InitTracing(cfg.Log.TraceFile, version.Get())
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Printf("[trace] shutdown: %v", err)
			}
		}()
	}

	env, err := buildReviewEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	if reviewMetricsAddr != "" {
		srv := &http.Server{
			Addr:              reviewMetricsAddr,
			Handler:           promhttp.HandlerFor(env.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	id, events, err := env.orch.Review(ctx, cs, orchestrator.ReviewOptions{Publish: reviewPublish})
	if err != nil {
		return err
	}
	if reviewPublish {
		fmt.Fprintf(os.Stderr, "Review %s: approve comments with 'critic approve <id>' (see 'critic pending')\n", id)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		interrupts := 0
		for range sigs {
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(os.Stderr, "\nStopping review, press Ctrl-C again to abort...")
				env.orch.Cancel(id)
				continue
			}
			cancel()
			return
		}
	}()

	var done *orchestrator.ProgressEvent
	progress := newProgressPrinter(os.Stderr)
	for ev := range events {
		progress.Print(ev)
		if ev.Type == orchestrator.EventReviewDone {
			last := ev
			done = &last
		}
	}
	if done == nil {
		return fmt.Errorf("review %s ended without a result", id)
	}

	if done.Report != nil {
		if reviewJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(done.Report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
		} else {
			printReport(cmd.OutOrStdout(), done.Report)
		}
	}
	if reviewPublish {
		fmt.Fprintf(os.Stderr, "Published %d, withheld %d\n", done.Published, done.Withheld)
	}

	switch done.State {
	case orchestrator.StateError:
		return fmt.Errorf("review %s failed: %w", id, done.Err)
	case orchestrator.StateCancelled:
		return fmt.Errorf("review %s cancelled", id)
	}
	if done.Report != nil && exceedsFailOn(done.Report, reviewFailOn) {
		return fmt.Errorf("findings at or above %s severity", reviewFailOn)
	}
	return nil
}

// reviewEnv holds every component a review run needs.
type reviewEnv struct {
	db        *state.DB
	registry  *prometheus.Registry
	collector *telemetry.Collector
	inbox     *permission.Inbox
	orch      *orchestrator.Orchestrator
}

func buildReviewEnv(cfg *config.Config) (*reviewEnv, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	env := &reviewEnv{db: db, registry: prometheus.NewRegistry()}

	env.collector = telemetry.NewCollector(telemetry.CollectorConfig{
		Registerer: env.registry,
		Store:      db,
		Retention:  cfg.Recovery.Retention,
	})

	perms := permission.NewManager(cfg.Permission,
		permission.WithAuditStore(db),
		permission.WithSink(env.collector),
	)
	env.inbox, err = permission.OpenInbox(cfg.Permission.InboxDir, perms)
	if err != nil {
		env.Close()
		return nil, err
	}

	patterns, err := cfg.Patterns()
	if err != nil {
		env.Close()
		return nil, err
	}

	engine := conversation.NewEngine(b, cfg.ConversationConfig(), conversation.WithSink(env.collector))
	runner := agent.New(engine, cfg.AgentConfig(),
		agent.WithPermissions(perms),
		agent.WithSink(env.collector),
	)

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithRecovery(recovery.New(cfg.Recovery, recovery.WithSink(env.collector))),
		orchestrator.WithStore(db),
		orchestrator.WithSink(env.collector),
	}
	if reviewPublish {
		outbox, err := publish.NewOutbox(cfg.Publish.Outbox)
		if err != nil {
			env.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithPublisher(permission.NewGate(perms, outbox)))
	}

	env.orch = orchestrator.New(orchestrator.RequiredConfig{
		Decomposer: decompose.New(cfg.Decompose.Config, decompose.WithPatterns(patterns)),
		Runner:     runner,
		Pool:       pool.New(cfg.Pool, pool.WithSink(env.collector)),
	}, opts...)
	return env, nil
}

// Close stops the orchestrator and releases every resource.
func (e *reviewEnv) Close() {
	if e.orch != nil {
		e.orch.Stop()
	}
	if e.inbox != nil {
		e.inbox.Close()
	}
	if e.collector != nil {
		e.collector.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

// openStore opens the history database and applies retention.
func openStore(cfg *config.Config) (*state.DB, error) {
	path := cfg.Store.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = state.ProjectPath(cwd)
	}
	db, err := state.OpenMigrated(path)
	if err != nil {
		return nil, err
	}
	if n, err := db.MarkInterrupted(); err != nil {
		log.Printf("[store] mark interrupted reviews: %v", err)
	} else if n > 0 {
		log.Printf("[store] marked %d interrupted reviews as ERROR", n)
	}
	if cfg.Store.Retention > 0 {
		if _, err := db.PurgeReviews(cfg.Store.Retention); err != nil {
			log.Printf("[store] purge reviews: %v", err)
		}
	}
	if cfg.Recovery.Retention > 0 {
		if _, err := db.PurgeErrorRecords(cfg.Recovery.Retention); err != nil {
			log.Printf("[store] purge error records: %v", err)
		}
	}
	return db, nil
}

// loadChangeSet builds the change-set from git refs or a diff input.
func loadChangeSet(ctx context.Context, args []string, stdin io.Reader) (*models.ChangeSet, error) {
	if reviewBase != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--base and a diff argument are mutually exclusive")
		}
		cs, _, err := git.ChangeSet(ctx, git.NewRunner(reviewRepo), reviewRepo, git.ChangeSetOptions{
			ID:       reviewID,
			DeriveID: changeSetID,
			Base:     reviewBase,
			Head:     reviewHead,
		})
		if err != nil {
			return nil, err
		}
		if reviewTitle != "" {
			cs.Title = reviewTitle
		}
		return cs, nil
	}
	if reviewHead != "" {
		return nil, fmt.Errorf("--head requires --base")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("a diff file, \"-\" or --base is required")
	}

	raw, err := readDiff(args[0], stdin)
	if err != nil {
		return nil, err
	}
	csID := reviewID
	if csID == "" {
		csID = changeSetID(raw)
	}
	return diff.Parse(raw, diff.Options{
		ChangeSetID: csID,
		Title:       reviewTitle,
		Content:     diff.RepoContent(reviewRepo),
	})
}

// readDiff reads the diff at path, or from stdin for "-".
func readDiff(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(filepath.Clean(path))
	}
	if err != nil {
		return "", fmt.Errorf("read diff: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("read diff: empty input")
	}
	return string(data), nil
}

// changeSetID derives a stable ID from the diff so re-reviews of the same
// change produce the same task IDs.
func changeSetID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "cs-" + hex.EncodeToString(sum[:6])
}

var failOnRank = map[string]int{
	"none":    0,
	"info":    1,
	"warning": 2,
	"error":   3,
}

var severityRank = map[models.Severity]int{
	models.SeveritySuggestion: 0,
	models.SeverityInfo:       1,
	models.SeverityWarning:    2,
	models.SeverityError:      3,
}

// exceedsFailOn reports whether any finding reaches the --fail-on threshold.
func exceedsFailOn(r *models.AnalysisReport, threshold string) bool {
	floor := failOnRank[threshold]
	if floor == 0 {
		return false
	}
	for _, f := range r.Findings() {
		if severityRank[f.Severity] >= floor {
			return true
		}
	}
	return false
}
