package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/render"
	"github.com/rcliao/agent-tape/internal/tape"
)

func init() {
	contextCmd := &cobra.Command{
		Use:   "context [task description]",
		Short: "Build a bounded context for a task",
		Long: "Explore anchors plus search hits (or recent entries), select what the task needs,\n" +
			"and trim to the budget. The tape is not modified unless it overflows without an anchor.",
		Run: runContext,
	}
	contextFlags(contextCmd)
	contextCmd.Flags().Bool("messages", false, "Render the context as chat messages")
	RootCmd.AddCommand(contextCmd)

	summaryCmd := &cobra.Command{
		Use:   "summary [task description]",
		Short: "Report candidate and selected counts for a task context",
		Run:   runSummary,
	}
	contextFlags(summaryCmd)
	RootCmd.AddCommand(summaryCmd)

	overflowCmd := &cobra.Command{
		Use:   "overflow [task description]",
		Short: "Build a context as if the tape had overflowed",
		Long: "Scope the context to the last anchor onward, or append a context:overflow\n" +
			"anchor and use recent entries when the tape has none.",
		Run: runOverflow,
	}
	contextFlags(overflowCmd)
	RootCmd.AddCommand(overflowCmd)
}

func contextFlags(cmd *cobra.Command) {
	cmd.Flags().String("tag", "", "Task tag matched against entry meta")
	cmd.Flags().IntP("budget", "b", 0, "Max entries (default: context.budget)")
	cmd.Flags().Int("max-bytes", 0, "Max serialized bytes (default: context.max_bytes)")
	cmd.Flags().String("selector", "rule", "Selection strategy: rule or all")
}

// contextRequest reads the shared context flags. It returns the tape options
// the selector needs, the task and the budget.
func contextRequest(cmd *cobra.Command, args []string) ([]tape.Option, ctxbuild.Task, func(*session) ctxbuild.Budget) {
	tag, _ := cmd.Flags().GetString("tag")
	entries, _ := cmd.Flags().GetInt("budget")
	maxBytes, _ := cmd.Flags().GetInt("max-bytes")
	selector, _ := cmd.Flags().GetString("selector")

	var sel ctxbuild.Selector
	switch selector {
	case "rule":
		sel = ctxbuild.RuleSelector{}
	case "all":
		sel = ctxbuild.AllSelector{}
	default:
		exitErr("context", fmt.Errorf("unknown selector %q (valid: rule, all)", selector))
	}

	task := ctxbuild.Task{Description: strings.Join(args, " "), Tag: tag}
	budget := func(s *session) ctxbuild.Budget {
		b := s.cfg.Budget()
		if cmd.Flags().Changed("budget") {
			b.Entries = entries
		}
		if cmd.Flags().Changed("max-bytes") {
			b.Bytes = maxBytes
		}
		return b
	}
	return []tape.Option{tape.WithSelector(sel)}, task, budget
}

func runContext(cmd *cobra.Command, args []string) {
	asMessages, _ := cmd.Flags().GetBool("messages")
	opts, task, budget := contextRequest(cmd, args)

	s := openSession(cmd, opts...)
	defer s.Close()

	c, err := s.tape.ContextFor(cmd.Context(), task, budget(s))
	if err != nil {
		exitErr("context", err)
	}
	if asMessages {
		printJSON(render.Messages(c.Entries))
		return
	}
	if formatFlag == "text" {
		printEntries(c.Entries)
		return
	}
	printJSON(c)
}

func runSummary(cmd *cobra.Command, args []string) {
	opts, task, budget := contextRequest(cmd, args)

	s := openSession(cmd, opts...)
	defer s.Close()

	if cmd.Flags().Changed("budget") || cmd.Flags().Changed("max-bytes") {
		c, err := s.tape.ContextFor(cmd.Context(), task, budget(s))
		if err != nil {
			exitErr("summary", err)
		}
		printJSON(c.Summary)
		return
	}
	sum, err := s.tape.ContextSummary(cmd.Context(), task)
	if err != nil {
		exitErr("summary", err)
	}
	printJSON(sum)
}

func runOverflow(cmd *cobra.Command, args []string) {
	opts, task, budget := contextRequest(cmd, args)

	s := openSession(cmd, opts...)
	defer s.Close()

	res, err := s.tape.Overflow(cmd.Context(), task, budget(s))
	if err != nil {
		exitErr("overflow", err)
	}
	printJSON(res)
}
