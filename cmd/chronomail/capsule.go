package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/keystore"
)

var (
	capsuleListStatus string
	capsuleListLimit  int
	capsuleShowBody   bool
)

var capsuleCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Capsule management commands",
}

var capsuleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List capsules",
	RunE:  runCapsuleList,
}

var capsuleShowCmd = &cobra.Command{
	Use:   "show <capsule_id>",
	Short: "Show capsule details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapsuleShow,
}

var capsuleStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capsule counts per status",
	RunE:  runCapsuleStats,
}

var capsuleResendCmd = &cobra.Command{
	Use:   "resend <capsule_id>",
	Short: "Reset a failed or stuck capsule back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapsuleResend,
}

var capsuleDeleteCmd = &cobra.Command{
	Use:   "delete <capsule_id>",
	Short: "Delete a capsule and its attachments",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapsuleDelete,
}

func init() {
	capsuleListCmd.Flags().StringVar(&capsuleListStatus, "status", "", "Filter by status (pending, processing, sent, failed)")
	capsuleListCmd.Flags().IntVar(&capsuleListLimit, "limit", 50, "Maximum number of capsules to show")
	capsuleShowCmd.Flags().BoolVar(&capsuleShowBody, "decrypt", false, "Decrypt and print the message body")

	capsuleCmd.AddCommand(capsuleListCmd, capsuleShowCmd, capsuleStatsCmd, capsuleResendCmd, capsuleDeleteCmd)
	rootCmd.AddCommand(capsuleCmd)
}

// openCapsuleStore opens the capsule database directly. The server must not
// be running since bbolt allows a single writer process.
func openCapsuleStore() (*capsule.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := capsule.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capsule store (is the server running?): %w", err)
	}

	return store, nil
}

func runCapsuleList(cmd *cobra.Command, args []string) error {
	store, err := openCapsuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	filter := capsule.ListFilter{
		Limit: capsuleListLimit,
	}
	if capsuleListStatus != "" {
		filter.Status = capsule.Status(capsuleListStatus)
	}

	capsules, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list capsules: %w", err)
	}

	if len(capsules) == 0 {
		fmt.Println("No capsules found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRECIPIENT\tSCHEDULED\tCREATED")
	fmt.Fprintln(w, "--\t------\t---------\t---------\t-------")

	for _, c := range capsules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(c.ID),
			c.Status,
			c.RecipientAddress,
			c.ScheduledAt.Format("2006-01-02 15:04"),
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d capsules\n", len(capsules))

	return nil
}

func runCapsuleShow(cmd *cobra.Command, args []string) error {
	store, err := openCapsuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	id := args[0]

	c, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			return fmt.Errorf("capsule not found: %s", id)
		}
		return fmt.Errorf("failed to get capsule: %w", err)
	}

	fmt.Printf("Capsule: %s\n\n", c.ID)
	fmt.Printf("Status:     %s\n", c.Status)
	fmt.Printf("Recipient:  %s\n", c.RecipientAddress)
	if c.Subject != "" {
		fmt.Printf("Subject:    %s\n", c.Subject)
	}
	fmt.Printf("Scheduled:  %s\n", c.ScheduledAt.Format(time.RFC3339))
	fmt.Printf("Created:    %s\n", c.CreatedAt.Format(time.RFC3339))

	if c.SentAt != nil {
		fmt.Printf("Sent:       %s\n", c.SentAt.Format(time.RFC3339))
	}
	if c.FailureReason != "" {
		fmt.Printf("\nFailure Reason:\n  %s\n", c.FailureReason)
	}
	if c.ClientIP != "" {
		fmt.Printf("\nClient IP: %s\n", c.ClientIP)
	}

	attachments, err := store.Attachments(ctx, c.ID)
	if err == nil && len(attachments) > 0 {
		fmt.Println("\nAttachments:")
		for _, att := range attachments {
			fmt.Printf("  %s (%s, %d bytes)\n", att.OriginalName, att.MimeType, att.Size)
		}
	}

	if capsuleShowBody {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys, err := keystore.New(store.DB(), cfg.Encryption.MasterKey, cliLogger())
		if err != nil {
			return fmt.Errorf("failed to open keystore: %w", err)
		}

		plaintext, err := keys.Decrypt(c.Ciphertext)
		if err != nil {
			return fmt.Errorf("failed to decrypt message: %w", err)
		}

		fmt.Println("\nMessage:")
		fmt.Println("---")
		fmt.Println(string(plaintext))
		fmt.Println("---")
	}

	return nil
}

func runCapsuleStats(cmd *cobra.Command, args []string) error {
	store, err := openCapsuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get capsule stats: %w", err)
	}

	fmt.Println("Capsule Statistics")
	fmt.Println("==================")
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Sent:       %d\n", stats.Sent)
	fmt.Printf("Failed:     %d\n", stats.Failed)

	return nil
}

func runCapsuleResend(cmd *cobra.Command, args []string) error {
	store, err := openCapsuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	id := args[0]

	c, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			return fmt.Errorf("capsule not found: %s", id)
		}
		return fmt.Errorf("failed to get capsule: %w", err)
	}

	switch c.Status {
	case capsule.StatusFailed, capsule.StatusProcessing:
		if err := store.CompareAndSetStatus(ctx, id, c.Status, capsule.StatusPending, capsule.StatusFields{}); err != nil {
			return fmt.Errorf("failed to reset capsule: %w", err)
		}
	case capsule.StatusPending:
		fmt.Printf("Capsule %s is already pending\n", id)
		return nil
	case capsule.StatusSent:
		return fmt.Errorf("capsule %s has already been sent", id)
	default:
		return fmt.Errorf("capsule %s has unexpected status %s", id, c.Status)
	}

	fmt.Printf("Capsule %s queued for delivery\n", id)
	return nil
}

func runCapsuleDelete(cmd *cobra.Command, args []string) error {
	store, err := openCapsuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]

	if err := store.Delete(context.Background(), id); err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			return fmt.Errorf("capsule not found: %s", id)
		}
		return fmt.Errorf("failed to delete capsule: %w", err)
	}

	fmt.Printf("Capsule %s deleted\n", id)
	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
