package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminClient talks to a running daemon over its HTTP API.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(apiURL string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func newLaunchCmd(apiURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <run_id>",
		Short: "Launch a created run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient(*apiURL)
			return client.postAndPrint(cmd.Context(), cmd,
				fmt.Sprintf("/api/runs/%s/launch", args[0]))
		},
	}
}

func newTerminateCmd(apiURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <run_id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient(*apiURL)
			return client.postAndPrint(cmd.Context(), cmd,
				fmt.Sprintf("/api/runs/%s/terminate", args[0]))
		},
	}
}

func newStatusCmd(apiURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run and its worker health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient(*apiURL)
			if err := client.getAndPrint(cmd.Context(), cmd,
				fmt.Sprintf("/api/runs/%s", args[0])); err != nil {
				return err
			}
			return client.getAndPrint(cmd.Context(), cmd,
				fmt.Sprintf("/api/runs/%s/health", args[0]))
		},
	}
}

func (c *adminClient) postAndPrint(ctx context.Context, cmd *cobra.Command, path string) error {
	return c.doAndPrint(ctx, cmd, http.MethodPost, path)
}

func (c *adminClient) getAndPrint(ctx context.Context, cmd *cobra.Command, path string) error {
	return c.doAndPrint(ctx, cmd, http.MethodGet, path)
}

func (c *adminClient) doAndPrint(ctx context.Context, cmd *cobra.Command, method string, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		cmd.Println(strings.TrimSpace(string(body)))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}
