package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "tapes",
		Short: "List tapes in the store",
		Run:   runTapes,
	}

	RootCmd.AddCommand(cmd)
}

func runTapes(cmd *cobra.Command, args []string) {
	s := openSession(cmd)
	defer s.Close()

	names, err := s.store.Tapes(cmd.Context())
	if err != nil {
		exitErr("tapes", err)
	}
	if formatFlag == "text" {
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}
	printJSON(names)
}
