package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"threadlink/api/internal/chat"
	"threadlink/api/internal/engine"
)

type syncOptions struct {
	*rootOptions
	memory bool
	user   string
	create engine.Request
}

func newSyncCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync operation against a thread",
		Long: `Run a single engine operation without the HTTP service.

Thread ids are "<channel>:<root ts>", e.g. C024BE91L:1714659000.000100.`,
	}

	cmd.PersistentFlags().BoolVar(&opts.memory, "memory", false, "keep links in memory (dry runs)")
	cmd.PersistentFlags().StringVar(&opts.user, "user", "", "chat user id to record and notify as the requester")

	createCmd := &cobra.Command{
		Use:   "create <thread-id>",
		Short: "Create an issue from an unlinked thread",
		Args:  threadArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd.OutOrStdout(), chat.EventThreadCreateRequested, args)
		},
	}
	createCmd.Flags().StringVar(&opts.create.Project, "project", "", "project key (default JIRA_PROJECT)")
	createCmd.Flags().StringVar(&opts.create.IssueType, "issue-type", "", "issue type (default JIRA_ISSUE_TYPE)")
	createCmd.Flags().StringVar(&opts.create.Summary, "summary", "", "issue summary (default: first line of the root message)")
	createCmd.Flags().StringVar(&opts.create.Priority, "priority", "", "issue priority name")
	cmd.AddCommand(createCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <thread-id> [issue-key]",
		Short: "Link a thread to an issue, or append its new messages",
		Args:  threadArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd.OutOrStdout(), chat.EventUploadRequested, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh <thread-id>",
		Short: "Append new messages to the linked issue",
		Args:  threadArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd.OutOrStdout(), chat.EventRefreshRequested, args)
		},
	})

	return cmd
}

// threadArgs checks the argument count and that the first one is a thread id.
func threadArgs(minArgs, maxArgs int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(minArgs, maxArgs)(cmd, args); err != nil {
			return err
		}
		_, _, err := chat.SplitThreadID(args[0])
		return err
	}
}

func runSync(ctx context.Context, opts *syncOptions, out io.Writer, eventType chat.EventType, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req := engine.Request{ThreadID: args[0], InvokingUser: opts.user}
	if eventType == chat.EventThreadCreateRequested {
		req.Project = strings.ToUpper(strings.TrimSpace(opts.create.Project))
		req.IssueType = strings.TrimSpace(opts.create.IssueType)
		req.Summary = opts.create.Summary
		req.Priority = strings.TrimSpace(opts.create.Priority)
	}
	if len(args) > 1 {
		req.IssueKey = strings.ToUpper(strings.TrimSpace(args[1]))
	}

	c, err := build(ctx, opts.cfg, opts.logger, buildOptions{memory: opts.memory})
	if err != nil {
		return err
	}
	defer c.Close()

	var res engine.Result
	switch eventType {
	case chat.EventThreadCreateRequested:
		res, err = c.engine.CreateFromThread(ctx, req)
	case chat.EventUploadRequested:
		res, err = c.engine.UploadToThread(ctx, req)
	default:
		res, err = c.engine.Refresh(ctx, req)
	}
	if res.Status != "" {
		if encErr := writeResult(out, res, c.jira.BrowseURL(res.IssueKey)); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", engine.KindOf(err), err)
	}
	return nil
}

func writeResult(out io.Writer, res engine.Result, issueURL string) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		engine.Result
		IssueURL string `json:"issueUrl"`
	}{res, issueURL})
}
