package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s := openSession(cmd)
	defer s.Close()

	var dbPath string
	if sq, ok := s.store.(*store.SQLiteStore); ok {
		dbPath = sq.Path()
	}
	stats, err := store.CollectStats(cmd.Context(), s.store, dbPath)
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(stats)
}
