package main

import (
	"fmt"

	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func buildConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := config.JSONSchema()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(maskSecrets(*cfg))
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
	)
	return cmd
}

func maskSecrets(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	providers := make(map[string]config.ProviderConfig, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		p.APIKey = mask(p.APIKey)
		providers[name] = p
	}
	cfg.LLM.Providers = providers
	cfg.Tools.Web.BraveAPIKey = mask(cfg.Tools.Web.BraveAPIKey)
	cfg.Approval.TOTPSecret = mask(cfg.Approval.TOTPSecret)
	cfg.Approval.Slack.BotToken = mask(cfg.Approval.Slack.BotToken)
	cfg.Approval.Telegram.BotToken = mask(cfg.Approval.Telegram.BotToken)
	cfg.Remote.Token = mask(cfg.Remote.Token)
	return cfg
}

func buildApprovalCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Set up remote approvals",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enroll",
		Short: "Generate a TOTP secret and show it as a QR code",
		Long: `Generate a TOTP secret for remote approvals. Scan the QR code with an
authenticator app, then put the secret in approval.totp_secret. Remote
replies must carry a current code, for example "approve 123456".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			enrollment, err := approval.Enroll(cfg.Approval.Issuer, cfg.Approval.Account)
			if err != nil {
				return err
			}
			qr, err := enrollment.QR()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, qr)
			fmt.Fprintf(out, "secret: %s\n\nadd to your config:\n\napproval:\n  totp_secret: %s\n", enrollment.Secret, enrollment.Secret)
			return nil
		},
	})
	return cmd
}
