package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search entries by relevance",
		Long:  "Rank entries against a query with the configured indexes (keyword, semantic or both).",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	s := openSession(cmd)
	defer s.Close()

	entries, err := s.tape.Search(cmd.Context(), query, limit)
	if err != nil {
		exitErr("search", err)
	}
	printEntries(entries)
}
