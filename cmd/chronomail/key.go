package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronomail/chronomail/internal/keystore"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Encryption key management commands",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List encryption keys",
	RunE:  runKeyList,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the current encryption key",
	Long: `Retire the current encryption key and generate a fresh one.

Retired keys stay in the keyring so existing capsules remain readable.
New capsules are encrypted with the new key.`,
	RunE: runKeyRotate,
}

func init() {
	keyCmd.AddCommand(keyListCmd, keyRotateCmd)
	rootCmd.AddCommand(keyCmd)
}

func openKeystore() (*keystore.KeyStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := openCapsuleStore()
	if err != nil {
		return nil, nil, err
	}

	keys, err := keystore.New(store.DB(), cfg.Encryption.MasterKey, cliLogger())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	cleanup := func() {
		keys.Close()
		store.Close()
	}
	return keys, cleanup, nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	keys, cleanup, err := openKeystore()
	if err != nil {
		return err
	}
	defer cleanup()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCURRENT\tACTIVE\tCREATED\tUSAGE")
	fmt.Fprintln(w, "--\t-------\t------\t-------\t-----")

	for _, k := range keys.Keys() {
		current := ""
		if k.Current {
			current = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\n",
			k.ID,
			current,
			k.Active,
			k.CreatedAt.Format(time.RFC3339),
			k.UsageCount,
		)
	}

	return w.Flush()
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	keys, cleanup, err := openKeystore()
	if err != nil {
		return err
	}
	defer cleanup()

	newID, err := keys.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}

	fmt.Printf("Encryption key rotated\n")
	fmt.Printf("  Current key: %s\n", newID)
	return nil
}
