package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/spf13/cobra"
)

const pollInterval = 500 * time.Millisecond

func newPrivacyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "privacy",
		Short: "File and inspect data-subject requests",
	}
	var wait bool
	submit := func(kind model.DataRequestKind) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			c := opts.client()
			req, err := c.CreateDataRequest(ctx, kind, args[0])
			if err != nil {
				return err
			}
			if wait {
				if req, err = waitForRequest(ctx, c, req); err != nil {
					return err
				}
			}
			return printDataRequest(cmd.OutOrStdout(), req, opts.jsonOut)
		}
	}

	access := &cobra.Command{
		Use:   "access <session-id>",
		Short: "Export everything stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE:  submit(model.DataRequestAccess),
	}
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Erase everything stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE:  submit(model.DataRequestDeletion),
	}
	for _, c := range []*cobra.Command{access, del} {
		c.Flags().BoolVar(&wait, "wait", false, "poll until the request completes")
	}

	status := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the outcome of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			req, err := opts.client().DataRequest(ctx, args[0])
			if err != nil {
				return err
			}
			return printDataRequest(cmd.OutOrStdout(), req, opts.jsonOut)
		},
	}

	cmd.AddCommand(access, del, status)
	return cmd
}

func waitForRequest(ctx context.Context, c *Client, req model.DataRequest) (model.DataRequest, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for req.Status == model.DataRequestPending {
		select {
		case <-ctx.Done():
			return req, fmt.Errorf("request %s still pending: %w", req.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := c.DataRequest(ctx, req.ID)
		if err != nil {
			return req, err
		}
		req = next
	}
	return req, nil
}

func printDataRequest(w io.Writer, req model.DataRequest, asJSON bool) error {
	if asJSON {
		return printJSON(w, req)
	}
	fmt.Fprintf(w, "Request:  %s\n", req.ID)
	fmt.Fprintf(w, "Kind:     %s\n", req.Kind)
	fmt.Fprintf(w, "Session:  %s\n", req.SubjectID)
	fmt.Fprintf(w, "Status:   %s\n", req.Status)
	if req.Status != model.DataRequestPending {
		fmt.Fprintf(w, "Rows:     %d\n", req.RowsAffected)
	}
	if req.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", req.Reason)
	}
	return nil
}
