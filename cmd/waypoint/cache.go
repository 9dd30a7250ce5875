package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/waypoint/internal/validation"
	"github.com/hyperengineering/waypoint/pkg/waypoint"
)

var evictTTL time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage cached snapshots",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <type>",
	Short: "Print the newest cached payload for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheGet,
}

var cachePutCmd = &cobra.Command{
	Use:   "put <type> [file]",
	Short: "Cache a JSON payload read from file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCachePut,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Delete snapshots older than the TTL",
	Args:  cobra.NoArgs,
	RunE:  runCacheEvict,
}

func init() {
	cacheEvictCmd.Flags().DurationVar(&evictTTL, "ttl", 0,
		"Maximum snapshot age (default from cache.ttl)")

	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cachePutCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
}

func entityTypeArg(raw string) (waypoint.EntityType, error) {
	if verr := validation.ValidateEntityType(raw); verr != nil {
		return "", fmt.Errorf("entity type %s", verr.Message)
	}
	return waypoint.EntityType(raw), nil
}

func runCacheGet(cmd *cobra.Command, args []string) error {
	entityType, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}

	client, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.GetCachedData(cmd.Context(), entityType)
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("no cached %s", entityType)
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runCachePut(cmd *cobra.Command, args []string) error {
	entityType, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}

	var data []byte
	if len(args) == 2 && args[1] != "-" {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), validation.MaxPayloadBytes+1))
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if verr := validation.ValidatePayload("payload", data); verr != nil || len(data) == 0 {
		return fmt.Errorf("payload must be a JSON document of at most %d bytes", validation.MaxPayloadBytes)
	}

	client, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	entity, err := client.CacheData(cmd.Context(), entityType, json.RawMessage(data))
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":        entity.ID,
			"type":      entity.Type,
			"timestamp": entity.Timestamp,
			"synced":    entity.Synced,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cached %s as %s\n", entity.Type, entity.ID)
	return nil
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	client, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ttl := evictTTL
	if ttl <= 0 {
		ttl = time.Duration(cfg.Cache.TTL)
	}

	removed, err := client.ClearOldCache(cmd.Context(), ttl)
	if err != nil {
		return fmt.Errorf("evict cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"removed": removed,
			"ttl":     ttl.String(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d snapshot(s) older than %s\n", removed, ttl)
	return nil
}
