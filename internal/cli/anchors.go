package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/model"
)

func init() {
	handoffCmd := &cobra.Command{
		Use:   "handoff <name>",
		Short: "Record an anchor with a state snapshot",
		Long:  "Record a milestone anchor, e.g. phase:analysis or task/start, with optional JSON state.",
		Args:  cobra.ExactArgs(1),
		Run:   runHandoff,
	}
	handoffCmd.Flags().StringP("state", "s", "", "JSON object snapshot")
	handoffCmd.Flags().String("task", "", "Task tag stored in meta")
	RootCmd.AddCommand(handoffCmd)

	anchorsCmd := &cobra.Command{
		Use:   "anchors",
		Short: "List anchors, oldest first",
		Run:   runAnchors,
	}
	anchorsCmd.Flags().StringP("name", "n", "", "Only anchors with this name")
	anchorsCmd.Flags().Bool("last", false, "Only the most recent anchor")
	anchorsCmd.Flags().Bool("after", false, "With --last: print the entries after it instead")
	RootCmd.AddCommand(anchorsCmd)
}

func runHandoff(cmd *cobra.Command, args []string) {
	stateStr, _ := cmd.Flags().GetString("state")
	task, _ := cmd.Flags().GetString("task")

	var state map[string]any
	if stateStr != "" {
		if err := json.Unmarshal([]byte(stateStr), &state); err != nil {
			exitErr("parse state", err)
		}
	}

	s := openSession(cmd)
	defer s.Close()

	a, err := s.tape.HandoffWithMeta(cmd.Context(), args[0], state, parseMeta("", task))
	if err != nil {
		exitErr("handoff", err)
	}
	b, _ := json.Marshal(a)
	fmt.Println(string(b))
}

func runAnchors(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	last, _ := cmd.Flags().GetBool("last")
	after, _ := cmd.Flags().GetBool("after")

	s := openSession(cmd)
	defer s.Close()
	ctx := cmd.Context()

	if last {
		a, ok, err := s.tape.LastAnchor(ctx, name)
		if err != nil {
			exitErr("anchors", err)
		}
		if !ok {
			printJSON(nil)
			return
		}
		if !after {
			printJSON(a)
			return
		}
		entries, err := s.tape.After(ctx, a)
		if err != nil {
			exitErr("anchors", err)
		}
		printEntries(entries)
		return
	}

	all, err := s.tape.Anchors(ctx)
	if err != nil {
		exitErr("anchors", err)
	}
	out := []model.Anchor{}
	for _, a := range all {
		if name == "" || a.Name == name {
			out = append(out, a)
		}
	}
	if formatFlag == "text" {
		for _, a := range out {
			fmt.Printf("%d\t%s\n", a.ID, a.Name)
		}
		return
	}
	printJSON(out)
}
