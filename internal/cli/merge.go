package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/store"
	"github.com/rcliao/agent-tape/internal/tape"
)

func init() {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Append a batch of drafts from stdin as one fork merge",
		Long: "Fork the tape, append newline-delimited JSON drafts ({kind, payload, meta}) read from\n" +
			"stdin to the fork, then merge it back in one batch. With --expect-size the merge fails\n" +
			"with a conflict unless the tape holds exactly that many entries.",
		Run: runMerge,
	}

	cmd.Flags().Int64("expect-size", -1, "Required tape size at merge time")
	cmd.Flags().Bool("if-unchanged", false, "Fail if the tape grew while reading stdin")

	RootCmd.AddCommand(cmd)
}

func runMerge(cmd *cobra.Command, args []string) {
	expect, _ := cmd.Flags().GetInt64("expect-size")
	ifUnchanged, _ := cmd.Flags().GetBool("if-unchanged")

	policy := tape.MergeAlways
	switch {
	case cmd.Flags().Changed("expect-size"):
		policy = tape.MergeIfSize(expect)
	case ifUnchanged:
		policy = tape.MergeIfUnchanged
	}

	s := openSession(cmd)
	defer s.Close()
	ctx := cmd.Context()

	f, err := s.tape.Fork(ctx, tape.WithMergePolicy(policy))
	if err != nil {
		exitErr("fork", err)
	}
	drafts, err := store.ReadDrafts(os.Stdin)
	if err != nil {
		f.Discard()
		exitErr("read drafts", err)
	}
	if _, err := f.AppendDrafts(ctx, drafts...); err != nil {
		f.Discard()
		exitErr("fork append", err)
	}

	merged, err := s.tape.Merge(ctx, f)
	if err != nil {
		exitErr("merge", err)
	}
	printJSON(map[string]any{
		"fork":    f.ID(),
		"point":   f.Point(),
		"policy":  f.Policy().String(),
		"entries": merged,
	})
}
