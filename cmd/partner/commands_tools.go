package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/internal/tools/policy"
	"github.com/spf13/cobra"
)

func buildToolsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}
	cmd.AddCommand(buildToolsListCmd(flags))
	return cmd
}

func buildToolsListCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools with their category and approval requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			registry, err := catalog.Default()
			if err != nil {
				return err
			}
			disabled := map[string]bool{}
			for _, name := range policy.NewResolver(registry).Expand(cfg.Tools.Disabled) {
				disabled[name] = true
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(registry.Enabled(disabled))
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tAPPROVAL\tSTATUS")
			for _, desc := range registry.List() {
				gate := "-"
				if desc.Sensitive {
					gate = "required"
				} else if desc.IsTerminal() {
					gate = "denylist"
				}
				status := "enabled"
				if disabled[desc.Name] {
					status = "disabled"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", desc.Name, desc.Category, gate, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print enabled descriptors as JSON")
	return cmd
}
