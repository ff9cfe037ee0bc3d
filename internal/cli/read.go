package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Read one entry by id",
		Args:  cobra.ExactArgs(1),
		Run:   runRead,
	}
	RootCmd.AddCommand(readCmd)

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List the latest entries, oldest first",
		Run:   runRecent,
	}
	recentCmd.Flags().IntP("limit", "l", 20, "Max entries")
	RootCmd.AddCommand(recentCmd)

	rangeCmd := &cobra.Command{
		Use:   "range <start> <end>",
		Short: "List entries with ids in [start, end]",
		Args:  cobra.ExactArgs(2),
		Run:   runRange,
	}
	RootCmd.AddCommand(rangeCmd)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		exitErr("parse id", fmt.Errorf("%q is not an entry id", s))
	}
	return id
}

func runRead(cmd *cobra.Command, args []string) {
	id := parseID(args[0])

	s := openSession(cmd)
	defer s.Close()

	e, err := s.tape.Read(cmd.Context(), id)
	if err != nil {
		exitErr("read", err)
	}
	printJSON(e)
}

func runRecent(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	s := openSession(cmd)
	defer s.Close()

	entries, err := s.tape.Recent(cmd.Context(), limit)
	if err != nil {
		exitErr("recent", err)
	}
	printEntries(entries)
}

func runRange(cmd *cobra.Command, args []string) {
	start, end := parseID(args[0]), parseID(args[1])

	s := openSession(cmd)
	defer s.Close()

	entries, err := s.tape.Range(cmd.Context(), start, end)
	if err != nil {
		exitErr("range", err)
	}
	printEntries(entries)
}
