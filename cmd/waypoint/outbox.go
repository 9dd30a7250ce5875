package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/hyperengineering/waypoint/internal/validation"
	"github.com/hyperengineering/waypoint/pkg/waypoint"
)

var enqueuePayload string

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued mutations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in replay order",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue <action> <entity-type> <entity-id>",
	Short: "Queue a mutation for replay",
	Args:  cobra.ExactArgs(3),
	RunE:  runOutboxEnqueue,
}

var outboxRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Discard a pending action without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRemove,
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Probe the remote and replay pending actions once",
	Args:  cobra.NoArgs,
	RunE:  runOutboxFlush,
}

func init() {
	outboxEnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "",
		"JSON payload sent with the action")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxEnqueueCmd)
	outboxCmd.AddCommand(outboxRemoveCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	client, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	pending, err := client.GetPendingActions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list pending actions: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), types.OutboxResponse{Pending: pending, Count: len(pending)})
	}

	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending actions.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tACTION\tENTITY\tQUEUED\tRETRIES\tLAST ERROR")
	for _, a := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s/%d\t%s\t%d\t%s\n",
			a.ID,
			a.Action,
			a.EntityType,
			a.EntityID,
			a.Timestamp.Local().Format("2006-01-02 15:04:05"),
			a.Retries,
			dash(a.LastError),
		)
	}
	return w.Flush()
}

func runOutboxEnqueue(cmd *cobra.Command, args []string) error {
	entityID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("entity id %q is not an integer", args[2])
	}

	req := types.QueueActionRequest{
		Action:     types.ActionKind(args[0]),
		EntityType: args[1],
		EntityID:   entityID,
	}
	if enqueuePayload != "" {
		req.Payload = json.RawMessage(enqueuePayload)
	}
	if errs := validation.ValidateQueueActionRequest(&req); len(errs) > 0 {
		return fmt.Errorf("invalid action: %s %s", errs[0].Field, errs[0].Message)
	}

	client, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	a, err := client.QueueAction(cmd.Context(), req.Action, req.EntityType, req.EntityID, req.Payload)
	if err != nil {
		return fmt.Errorf("queue action: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), a)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%d as %s\n", a.Action, a.EntityType, a.EntityID, a.ID)
	return nil
}

func runOutboxRemove(cmd *cobra.Command, args []string) error {
	id := args[0]
	if verr := validation.ValidateULID("id", id); verr != nil {
		return fmt.Errorf("id %s", verr.Message)
	}

	client, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RemovePendingAction(cmd.Context(), id); err != nil {
		return fmt.Errorf("remove action: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      id,
			"removed": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
	return nil
}

func runOutboxFlush(cmd *cobra.Command, args []string) error {
	client, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if !cfg.RemoteConfigured() {
		return fmt.Errorf("remote.base_url is not configured")
	}
	if !client.Probe(cmd.Context()) {
		return fmt.Errorf("remote is unreachable; pending actions kept")
	}

	res, err := client.Flush(cmd.Context())
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return printFlushResult(cmd, res)
}

func printFlushResult(cmd *cobra.Command, res waypoint.SyncResult) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d of %d action(s): %d failed, %d dropped\n",
		res.Succeeded, res.Attempted, res.Failed, res.Dropped)
	if res.Lost > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d action(s) were taken over by another drain and stay queued\n", res.Lost)
	}
	return nil
}
