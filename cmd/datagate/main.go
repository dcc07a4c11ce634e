package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "datagate",
	Short: "Data-access gateway CLI",
	Long:  "A CLI for operating the datagate access gateway: issue API keys, query access logs, pull reports.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(configCmd())
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			body, err := client.getRaw("/")
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println(body)
			return nil
		},
	}
}

// --- keys ---

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key (loopback-public, otherwise key-gated)",
		RunE: func(cmd *cobra.Command, args []string) error {
			purpose, _ := cmd.Flags().GetString("purpose")
			description, _ := cmd.Flags().GetString("description")
			classifications, _ := cmd.Flags().GetStringSlice("classification")
			allowedIPs, _ := cmd.Flags().GetStringSlice("allowed-ip")

			client := newClient()
			result, err := client.post("/admin/api-keys", map[string]any{
				"purpose":             purpose,
				"description":         description,
				"data_classification": classifications,
				"allowed_ips":         allowedIPs,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("purpose", "", "Key purpose: Marketing, Audit, or System")
	createCmd.Flags().String("description", "", "Human-readable key description")
	createCmd.Flags().StringSlice("classification", nil, "Data classifications the key may read (repeatable)")
	createCmd.Flags().StringSlice("allowed-ip", nil, "Restrict the key to these client IPs (repeatable)")
	createCmd.MarkFlagRequired("purpose")        //nolint:errcheck
	createCmd.MarkFlagRequired("classification") //nolint:errcheck

	cmd.AddCommand(createCmd)
	return cmd
}

// --- logs ---

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "logs", Short: "Query persisted access logs (requires an Audit key)"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "List access-log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			apiKey, _ := cmd.Flags().GetString("api-key")
			since, _ := cmd.Flags().GetString("since")

			params := []string{}
			if endpoint != "" {
				params = append(params, "endpoint="+endpoint)
			}
			if apiKey != "" {
				params = append(params, "api_key="+apiKey)
			}
			if since != "" {
				params = append(params, "since="+since)
			}
			path := "/admin/access-logs"
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}

			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	queryCmd.Flags().String("endpoint", "", "Filter by endpoint prefix")
	queryCmd.Flags().String("api-key", "", "Filter by key token")
	queryCmd.Flags().String("since", "", "Only entries at or after this RFC3339 timestamp")

	cmd.AddCommand(queryCmd)
	return cmd
}

// --- reports ---

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Pull gateway reports (purpose-gated)"}

	for _, r := range []struct {
		use, short, path string
	}{
		{"top-spenders", "Top spending customers (Marketing)", "/customers/top-spending"},
		{"expensive", "Most expensive transactions (Marketing)", "/transactions/most-expensive"},
		{"timeline", "Daily transaction volume (Audit)", "/transactions/timeline"},
		{"status", "Transaction status distribution (Audit)", "/transactions/status-distribution"},
		{"classifications", "Transaction counts per classification (System)", "/transactions/classification-counts"},
		{"recent", "Recent transactions (System)", "/transactions/recent"},
		{"events", "Recent operational events (System)", "/events/recent"},
	} {
		path := r.path
		cmd.AddCommand(&cobra.Command{
			Use:   r.use,
			Short: r.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newClient()
				result, err := client.get(path)
				if err != nil {
					printError(err.Error())
					return nil
				}
				printResult(result)
				return nil
			},
		})
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist gateway address and API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("api-key"); v != "" {
				cfg.APIKey = v
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Config saved to", configPath())
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Gateway base URL")
	setCmd.Flags().String("api-key", "", "API key sent in X-API-Key")

	cmd.AddCommand(setCmd)
	return cmd
}
