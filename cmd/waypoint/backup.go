package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/waypoint/internal/snapshot"
	"github.com/hyperengineering/waypoint/internal/worker"
)

var (
	backupDest   string
	backupUpload bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent copy of the local store",
	Long:  "Write a consistent copy of the local store and optionally upload it to the configured S3-compatible bucket.",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local store row counts and size",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	backupCmd.Flags().StringVar(&backupDest, "dest", "",
		"Backup file path (default from backup.path)")
	backupCmd.Flags().BoolVar(&backupUpload, "upload", false,
		"Upload the backup and print a presigned download URL")
}

func runBackup(cmd *cobra.Command, args []string) error {
	client, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	dest := backupDest
	if dest == "" {
		dest = cfg.Backup.Path
	}

	if !backupUpload {
		if err := client.Backup(cmd.Context(), dest); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"path": dest})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s\n", dest)
		return nil
	}

	if !cfg.BackupUploadEnabled() {
		return errors.New("backup.bucket is not configured")
	}
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	if err := worker.RunBackup(cmd.Context(), client, uploader, client.ClientID(), dest); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	url, expires, err := uploader.PresignedURL(cmd.Context(), client.ClientID())
	if err != nil {
		return fmt.Errorf("presign backup URL: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"path":       dest,
			"client_id":  client.ClientID(),
			"url":        url,
			"expires_at": expires,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s and uploaded\n%s\n", dest, url)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	client, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"path":            cfg.Database.Path,
			"client_id":       client.ClientID(),
			"cached_rows":     stats.CachedRows,
			"pending_actions": stats.PendingActions,
			"analytics_rows":  stats.AnalyticsRows,
			"size_bytes":      stats.SizeBytes,
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Path:\t%s\n", cfg.Database.Path)
	fmt.Fprintf(w, "Client ID:\t%s\n", client.ClientID())
	fmt.Fprintf(w, "Cached rows:\t%d\n", stats.CachedRows)
	fmt.Fprintf(w, "Pending actions:\t%d\n", stats.PendingActions)
	fmt.Fprintf(w, "Analytics rows:\t%d\n", stats.AnalyticsRows)
	fmt.Fprintf(w, "Size:\t%s\n", formatSize(stats.SizeBytes))
	return w.Flush()
}
