package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/partner/internal/sessions"
	"github.com/haasonsaas/partner/pkg/models"
	"github.com/spf13/cobra"
)

func buildHistoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}
	cmd.AddCommand(
		buildHistoryListCmd(flags),
		buildHistoryShowCmd(flags),
		buildHistoryDeleteCmd(flags),
		buildHistoryMigrateCmd(flags),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, flags *globalFlags, fn func(sessions.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func buildHistoryListCmd(flags *globalFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(store sessions.Store) error {
				items, err := store.List(cmd.Context(), sessions.ListOptions{Limit: limit, Offset: offset})
				if err != nil {
					return fmt.Errorf("list conversations: %w", err)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
				for _, item := range items {
					title := item.Title
					if title == "" {
						title = "(untitled)"
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", item.ID, title, item.MessageCount, item.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max number of conversations to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of conversations to skip")
	return cmd
}

func buildHistoryShowCmd(flags *globalFlags) *cobra.Command {
	var showTools bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(store sessions.Store) error {
				conv, err := store.Get(cmd.Context(), args[0])
				if errors.Is(err, sessions.ErrNotFound) {
					return fmt.Errorf("conversation %s not found", args[0])
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s\n\n", conv.Title)
				for _, msg := range conv.Messages {
					switch msg.Role {
					case models.RoleSystem:
						continue
					case models.RoleTool:
						if showTools {
							fmt.Fprintf(out, "[%s] %s\n\n", msg.ToolName, preview(msg.Content, 300))
						}
					case models.RoleAssistant:
						if text := strings.TrimSpace(msg.Content); text != "" {
							fmt.Fprintf(out, "assistant: %s\n\n", text)
						}
						if showTools {
							for _, call := range msg.ToolCalls {
								fmt.Fprintf(out, "  → %s %s\n", call.Name, preview(string(call.Arguments), 200))
							}
						}
					default:
						label := "user"
						if msg.Hot {
							label = "user (mid-run)"
						}
						fmt.Fprintf(out, "%s: %s\n\n", label, msg.Content)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showTools, "tools", false, "Include tool calls and results")
	return cmd
}

func buildHistoryDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(store sessions.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, sessions.ErrNotFound) {
						return fmt.Errorf("conversation %s not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func buildHistoryMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or roll back the conversation database schema",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, flags, func(m *sessions.Migrator) error {
				applied, pending, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tAPPLIED")
				for _, entry := range applied {
					fmt.Fprintf(w, "%s\tapplied\t%s\n", entry.ID, entry.AppliedAt.Local().Format(time.DateTime))
				}
				for _, migration := range pending {
					fmt.Fprintf(w, "%s\tpending\t-\n", migration.ID)
				}
				return w.Flush()
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Long: `Roll back the most recent migrations.

The schema is migrated up again the next time the store is opened, so
this is mainly useful before downgrading the binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, flags, func(m *sessions.Migrator) error {
				rolled, err := m.Down(cmd.Context(), steps)
				for _, id := range rolled {
					fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
				}
				return err
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(status, down)
	return cmd
}

// withMigrator runs fn against the configured SQL store.
func withMigrator(cmd *cobra.Command, flags *globalFlags, fn func(*sessions.Migrator) error) error {
	return withStore(cmd, flags, func(store sessions.Store) error {
		sqlStore, ok := store.(*sessions.SQLStore)
		if !ok {
			return errors.New("the memory store has no schema to migrate")
		}
		m, err := sqlStore.Migrator()
		if err != nil {
			return err
		}
		return fn(m)
	})
}
