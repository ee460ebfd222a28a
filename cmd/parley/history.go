package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	var clear bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the persisted conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Database, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if clear {
				if err := st.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("history cleared")
				return nil
			}

			msgs, err := st.Recent(ctx, store.LoadOptions{
				MaxCount:     limit,
				IncludeTools: true,
			})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			fmt.Printf("%d messages\n", len(msgs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest N messages (0 = all)")
	cmd.Flags().BoolVar(&clear, "clear", false, "delete all persisted messages")
	return cmd
}

func printMessage(m models.Message) {
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("2006-01-02 15:04:05 ")
	}
	fmt.Printf("%s%-9s %s\n", ts, m.Role, oneline(m.FirstText()))
	for _, b := range m.Blocks {
		switch b.Kind {
		case models.BlockToolUse:
			fmt.Printf("%s  -> tool_use %s (%s) %s\n", strings.Repeat(" ", len(ts)), b.ToolName, b.ToolUseID, b.Input)
		case models.BlockToolResult:
			status := "ok"
			if b.IsError {
				status = "error"
			}
			fmt.Printf("%s  <- tool_result %s [%s]\n", strings.Repeat(" ", len(ts)), b.ToolUseID, status)
		}
	}
}
