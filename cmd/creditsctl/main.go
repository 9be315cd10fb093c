package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mealcredits/internal/auth"
	"mealcredits/internal/bootstrap"
	"mealcredits/internal/config"
	"mealcredits/internal/logging"
	"mealcredits/internal/services"
)

var rootCmd = &cobra.Command{
	Use:           "creditsctl",
	Short:         "Operator tool for the meal generation credit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if _, err := os.Stat(".env"); err == nil {
			_ = godotenv.Load()
		}
	},
}

var (
	grantKind   string
	grantAmount int
	tokenEmail  string
	tokenTTL    time.Duration
)

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			bal, err := svc.GetCredits(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, bal)
		})
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Credit a user by hand",
	Example: `  # Make good a purchase whose webhook lacked metadata
  creditsctl grant u_123 --kind single --amount 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			bal, err := svc.GrantCredits(cmd.Context(), args[0], grantKind, grantAmount)
			if err != nil {
				return err
			}
			return printJSON(cmd, bal)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			entries, err := svc.CreditHistory(cmd.Context(), args[0], 50)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "List the configured credit packs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printJSON(cmd, cfg.Prices.List())
	},
}

var freebieCmd = &cobra.Command{
	Use:   "freebie",
	Short: "Anonymous freebie commands",
}

var freebieResetCmd = &cobra.Command{
	Use:   "reset <device-id>",
	Short: "Give a device its anonymous freebie back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			if err := svc.ResetFreebie(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "freebie restored for %s\n", args[0])
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed bearer token for local testing",
	Long:  `Issue an HS256 token signed with JWT_SECRET_KEY. Only useful with AUTH_PROVIDER=jwt.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecretKey == "" {
			return fmt.Errorf("JWT_SECRET_KEY is not set")
		}
		token, err := auth.NewJWTAuthenticator(cfg.JWTSecretKey).Issue(args[0], tokenEmail, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantKind, "kind", "single", "credit kind: single or 7-day-plan")
	grantCmd.Flags().IntVar(&grantAmount, "amount", 1, "number of credits to add")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	freebieCmd.AddCommand(freebieResetCmd)
	rootCmd.AddCommand(balanceCmd, grantCmd, historyCmd, pricesCmd, freebieCmd, tokenCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{Format: "console", Level: cfg.LogLevel, Component: "creditsctl"})
	return cfg, nil
}

func withService(ctx context.Context, fn func(*services.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backends, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()
	return fn(services.New(cfg, backends.Ledger, backends.Freebies, nil))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
