// Package orchestrator runs code reviews end to end.
//
// A review moves through PLANNING, EXECUTING, AGGREGATING and optionally
// PUBLISHING before it settles in COMPLETED, CANCELLED or ERROR:
//   - Planning: the change-set is decomposed into prioritized analysis
//     tasks and their dependency graph is built
//   - Executing: the Scheduler hands ready tasks to free agent slots; every
//     failed attempt goes to the error handler, which decides whether the
//     task is retried, run at a simpler depth, or given up
//   - Aggregating: agent results are merged into one deduplicated report
//   - Publishing: each finding becomes a comment effect that reaches the
//     publish target only after it is authorized
//
// Example usage:
//
//	orch := orchestrator.New(orchestrator.RequiredConfig{
//		Decomposer: decompose.New(decompose.DefaultConfig()),
//		Runner:     agent.New(engine, agent.DefaultConfig()),
//		Pool:       pool.New(pool.DefaultConfig()),
//	})
//	id, events, err := orch.Review(ctx, changeSet, orchestrator.ReviewOptions{})
//	for ev := range events {
//		if ev.Type == orchestrator.EventReviewDone {
//			report := ev.Report
//		}
//	}
package orchestrator
