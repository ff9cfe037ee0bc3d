package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the tape as NDJSON",
		Long:  "Export every entry of the tape as newline-delimited JSON, oldest first.",
		Run:   runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")

	s := openSession(cmd)
	defer s.Close()

	entries, err := store.ExportAll(cmd.Context(), s.store, s.cfg.Tape)
	if err != nil {
		exitErr("export", err)
	}

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			exitErr("create output", err)
		}
		defer f.Close()
		w = f
	}
	if err := store.WriteNDJSON(w, entries); err != nil {
		exitErr("export", err)
	}
}
