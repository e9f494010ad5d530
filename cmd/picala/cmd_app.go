package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type linkResponse struct {
	Kind   string `json:"kind"`
	Result string `json:"result"`
	Route  string `json:"route"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <url>",
		Short: "Handle a deep link as if the app was opened with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdOpen(cmd.Context(), cmd.OutOrStdout(), newAPIClient(), args[0])
		},
	}
}

func cmdOpen(ctx context.Context, out io.Writer, api *apiClient, link string) error {
	var resp linkResponse
	if err := api.post(ctx, "/v1/links", map[string]string{"url": link}, &resp); err != nil {
		return err
	}

	switch resp.Result {
	case "succeeded":
		fmt.Fprintln(out, "✓ Link verified")
	case "failed":
		msg := resp.Error
		if msg == "" {
			msg = "The link could not be used"
		}
		fmt.Fprintf(out, "✗ %s\n", msg)
	case "ignored":
		fmt.Fprintln(out, "Link ignored")
	}
	if resp.Route != "" {
		fmt.Fprintf(out, "→ %s\n", resp.Route)
	}
	return nil
}

func newLifecycleCmd(name, state string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Report that the app moved to %s", state),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Refreshed bool `json:"refreshed"`
			}
			if err := newAPIClient().post(cmd.Context(), "/v1/lifecycle", map[string]string{"state": state}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "App state: %s\n", state)
			if resp.Refreshed {
				fmt.Fprintln(cmd.OutOrStdout(), "Session refreshed")
			}
			return nil
		},
	}
}
