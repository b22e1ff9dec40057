package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/critic/internal/state"
)

var (
	historyLimit    int
	historySessions bool
	historyAudit    bool
	historyJSON     bool
)

var historyCmd = &cobra.Command{
	Use:   "history [review-id]",
	Short: "Show past reviews",
	Long: `Show past reviews from the history database.

Without arguments, lists the most recent reviews.
With a review ID, prints that review's report, and with --sessions or --audit
its agent sessions or permission audit log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of reviews to list")
	historyCmd.Flags().BoolVar(&historySessions, "sessions", false, "List agent sessions of the review")
	historyCmd.Flags().BoolVar(&historyAudit, "audit", false, "List permission audit entries of the review")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the report as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Store.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		path = state.ProjectPath(cwd)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No reviews yet. Run 'critic review <diff>' to start.")
		return nil
	}

	db, err := state.OpenMigrated(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 {
		return listReviews(db)
	}
	return showReview(db, args[0])
}

func listReviews(db *state.DB) error {
	reviews, err := db.ListReviews(historyLimit)
	if err != nil {
		return err
	}
	if len(reviews) == 0 {
		fmt.Println("No reviews yet.")
		return nil
	}
	for _, r := range reviews {
		fmt.Printf("%s  %s  %-10s %3d tasks  %s ago  %s\n",
			r.ID, r.ChangeSetID, stateLabel(r.State), r.TaskCount,
			formatDuration(time.Since(r.StartedAt)), r.Title)
	}
	return nil
}

func stateLabel(s string) string {
	switch s {
	case state.ReviewCompleted:
		return color.GreenString("%s", s)
	case state.ReviewError:
		return color.RedString("%s", s)
	case state.ReviewCancelled:
		return color.YellowString("%s", s)
	default:
		return s
	}
}

func showReview(db *state.DB, id string) error {
	r, err := db.GetReview(id)
	if err != nil {
		return err
	}

	switch {
	case historySessions:
		sessions, err := db.ListSessions(id)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  depth=%s  state=%s  turns=%d\n",
				s.ID, s.TaskID, s.Depth, s.State, len(s.Turns))
		}
		return nil
	case historyAudit:
		entries, err := db.ListAudit(id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-18s %-14s %-10s %s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Operation, e.Level, e.Outcome, e.Resource, e.DecidedBy)
		}
		return nil
	}

	if r.Report == nil {
		fmt.Printf("Review %s is %s and has no report.\n", r.ID, r.State)
		return nil
	}
	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Report)
	}
	printReport(os.Stdout, r.Report)
	return nil
}
