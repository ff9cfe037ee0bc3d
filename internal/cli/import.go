package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import entries from NDJSON",
		Long:  "Append entries from NDJSON (file or stdin), as produced by export. Entries get new ids.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		r = f
	}

	drafts, err := store.ReadDrafts(r)
	if err != nil {
		exitErr("parse ndjson", err)
	}

	s := openSession(cmd)
	defer s.Close()

	imported, err := store.Import(cmd.Context(), s.store, s.cfg.Tape, drafts)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", len(imported))
}
