package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initHostname  string
	initOutput    string
	initAPIKey    string
	initMasterKey string
	initDataDir   string
	initMode      string
	initSMTPAddr  string
	initSMTPFrom  string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize ChronoMail configuration",
	Long: `Interactive wizard to create a ChronoMail configuration file.

This command helps you set up ChronoMail by:
  1. Creating a configuration file
  2. Generating an API key and an encryption master key
  3. Showing the next steps to start the server

Examples:
  # Interactive mode - prompts for missing values
  chronomail init

  # Non-interactive with all flags
  chronomail init --hostname mail.example.com --transport smtp \
      --smtp-addr relay.example.com:587 --smtp-from capsules@example.com

  # Quick setup for testing
  chronomail init --transport console -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Server hostname FQDN")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initMasterKey, "master-key", "", "Base64 encryption master key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/chronomail", "Data directory for the capsule database")
	initCmd.Flags().StringVar(&initMode, "transport", "console", "Delivery transport: smtp, console")
	initCmd.Flags().StringVar(&initSMTPAddr, "smtp-addr", "", "Upstream SMTP relay host:port (transport smtp)")
	initCmd.Flags().StringVar(&initSMTPFrom, "smtp-from", "", "Envelope sender address (transport smtp)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("ChronoMail Configuration Wizard")
	fmt.Println("===============================")
	fmt.Println()

	if initHostname == "" {
		defaultHostname, _ := os.Hostname()
		initHostname = prompt(reader, "Server hostname", defaultHostname)
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initMode != "smtp" && initMode != "console" {
		return fmt.Errorf("invalid transport: %s (must be smtp or console)", initMode)
	}

	if initMode == "smtp" {
		if initSMTPAddr == "" {
			initSMTPAddr = prompt(reader, "SMTP relay (host:port)", "")
			if initSMTPAddr == "" {
				return fmt.Errorf("smtp-addr is required for the smtp transport")
			}
		}
		if initSMTPFrom == "" {
			initSMTPFrom = prompt(reader, "Envelope sender address", "capsules@"+initHostname)
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if initMasterKey == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		initMasterKey = base64.StdEncoding.EncodeToString(secret)
		fmt.Println("  Generated encryption master key")
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	transportSection := `transport:
  mode: console`
	if initMode == "smtp" {
		transportSection = fmt.Sprintf(`transport:
  mode: smtp
  smtp:
    addr: "%s"
    from: "%s"
    starttls: true
    # username: ""
    # password: ""`, initSMTPAddr, initSMTPFrom)
	}

	return fmt.Sprintf(`# ChronoMail configuration
# Generated by: chronomail init

server:
  hostname: "%s"

api:
  listen_addr: ":8080"
  api_key: "%s"

storage:
  path: "%s"

encryption:
  master_key: "%s"

dispatcher:
  tick_interval: 1m
  delivery_timeout: 2m

%s

admission:
  enabled: true
  requests: 100
  period: 1m
  block_duration: 5m

stats:
  realtime_ttl: 5m
  refresh_interval: 1m
  dashboard_days: 7

metrics:
  enabled: true
  listen_addr: ":9090"
  path: "/metrics"
  # allowed_ips:
  #   - "10.0.0.0/8"

logging:
  level: info
  format: json
`, initHostname, initAPIKey, filepath.Join(initDataDir, "capsules.db"), initMasterKey, transportSection)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Printf("1. Review the configuration:\n")
	fmt.Printf("   cat %s\n", initOutput)
	fmt.Println()
	fmt.Printf("2. Start the server:\n")
	fmt.Printf("   chronomail serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Printf("3. Create your first capsule:\n")
	fmt.Printf("   curl -X POST http://localhost:8080/api/v1/capsules \\\n")
	fmt.Printf("     -H 'X-API-Key: %s' \\\n", initAPIKey)
	fmt.Printf("     -H 'Content-Type: application/json' \\\n")
	fmt.Printf("     -d '{\"recipient\":\"you@example.com\",\"subject\":\"Hello future\",\"message\":\"...\",\"scheduled_at\":\"2030-01-01T00:00:00Z\"}'\n")
	fmt.Println()
	fmt.Println("Keep the master key safe. Losing it makes stored capsules unreadable.")
}
