package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/critic/internal/permission"
	"github.com/ShayCichocki/critic/pkg/models"
)

var (
	decisionReason string
	decisionAll    bool
)

var approveCmd = &cobra.Command{
	Use:   "approve [request-id...]",
	Short: "Approve pending authorization requests",
	Long: `Approve pending authorization requests of a running review.

The decision is written to the permission inbox, where the review picks it up.
Use 'critic pending' to list request IDs, or --all to approve every pending
request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args, true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny [request-id...]",
	Short: "Deny pending authorization requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args, false)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending authorization requests",
	RunE:  runPending,
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&decisionReason, "reason", "", "Reason recorded in the audit log")
		c.Flags().BoolVar(&decisionAll, "all", false, "Decide every pending request")
	}
}

func decide(ids []string, approved bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Permission.InboxDir

	if decisionAll {
		reqs, err := permission.ListRequests(dir)
		if err != nil {
			return fmt.Errorf("list requests: %w", err)
		}
		for _, r := range reqs {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no request IDs given (see 'critic pending')")
	}

	verb, symbol, attr := "Approved", "✓", color.FgGreen
	if !approved {
		verb, symbol, attr = "Denied", "✗", color.FgRed
	}
	for _, id := range ids {
		d := permission.FileDecision{
			RequestID: id,
			Approved:  approved,
			DecidedBy: decider(),
			Reason:    decisionReason,
		}
		if err := permission.WriteDecision(dir, d); err != nil {
			return fmt.Errorf("write decision for %s: %w", id, err)
		}
		printStatus(os.Stdout, symbol, fmt.Sprintf("%s %s", verb, id), attr)
	}
	return nil
}

func decider() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reqs, err := permission.ListRequests(cfg.Permission.InboxDir)
	if err != nil {
		return fmt.Errorf("list requests: %w", err)
	}
	if len(reqs) == 0 {
		fmt.Println("No pending requests.")
		return nil
	}

	now := time.Now()
	for _, r := range reqs {
		printPending(r, now)
	}
	return nil
}

func printPending(r models.AuthorizationRequest, now time.Time) {
	expires := "expired"
	if left := r.ExpiresAt.Sub(now); left > 0 {
		expires = "expires in " + formatDuration(left)
	}
	color.New(color.Bold).Printf("%s", r.ID)
	fmt.Printf("  %s %s (%s)\n", r.Operation, r.Context.Resource, expires)
	if r.Context.Summary != "" {
		fmt.Printf("    %s\n", r.Context.Summary)
	}
	if r.Context.Payload != "" {
		fmt.Printf("    %s\n", truncate(r.Context.Payload, 200))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
