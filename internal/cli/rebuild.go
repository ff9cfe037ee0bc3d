package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the tape into its derived indexes",
		Long:  "Rebuild the anchor index and search indexes from the entry store and report what they hold.",
		Run:   runRebuild,
	}

	RootCmd.AddCommand(cmd)
}

func runRebuild(cmd *cobra.Command, args []string) {
	s := openSession(cmd)
	defer s.Close()
	ctx := cmd.Context()

	if err := s.tape.Rebuild(ctx); err != nil {
		exitErr("rebuild", err)
	}
	size, err := s.tape.Size(ctx)
	if err != nil {
		exitErr("rebuild", err)
	}
	anchors, err := s.tape.Anchors(ctx)
	if err != nil {
		exitErr("rebuild", err)
	}
	printJSON(map[string]any{
		"ok":      true,
		"tape":    s.cfg.Tape,
		"entries": size,
		"anchors": len(anchors),
	})
}
