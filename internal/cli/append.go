package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "append [content]",
		Short: "Append an entry to the tape",
		Long: "Append an entry. Content can be a positional arg or piped via stdin.\n" +
			"Messages are stored as {role, content}; other kinds as {text} unless --json is set.",
		Run: runAppend,
	}

	cmd.Flags().StringP("kind", "k", "message", "Kind: message, tool_call, tool_result, event")
	cmd.Flags().StringP("role", "r", "user", "Message role")
	cmd.Flags().Bool("json", false, "Content is the raw JSON payload")
	cmd.Flags().String("task", "", "Task tag stored in meta")
	cmd.Flags().String("meta", "", "JSON metadata (string values)")

	RootCmd.AddCommand(cmd)
}

func runAppend(cmd *cobra.Command, args []string) {
	kind, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	rawJSON, _ := cmd.Flags().GetBool("json")
	task, _ := cmd.Flags().GetString("task")
	metaStr, _ := cmd.Flags().GetString("meta")

	content := readContent(args)
	if strings.TrimSpace(content) == "" {
		exitErr("append", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	if model.Kind(kind) == model.KindAnchor {
		exitErr("append", fmt.Errorf("use handoff to record anchors"))
	}

	var payload any
	switch {
	case rawJSON:
		payload = json.RawMessage(content)
	case model.Kind(kind) == model.KindMessage:
		payload = map[string]string{"role": role, "content": strings.TrimSpace(content)}
	default:
		payload = map[string]string{"text": strings.TrimSpace(content)}
	}

	s := openSession(cmd)
	defer s.Close()

	e, err := s.tape.Append(cmd.Context(), model.Kind(kind), payload, parseMeta(metaStr, task))
	if err != nil {
		exitErr("append", err)
	}
	b, _ := json.Marshal(e)
	fmt.Println(string(b))
}

// readContent joins positional args, or reads piped stdin when there are none.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return ""
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}
	return string(b)
}

