// sigctl is the operator CLI for a running signalforge daemon. It talks to
// the daemon's admin HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var adminAddr string

func main() {
	root := &cobra.Command{
		Use:           "sigctl",
		Short:         "Inspect and control a running signalforge daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&adminAddr, "addr", "http://127.0.0.1:9101", "Admin endpoint of the daemon")

	root.AddCommand(statusCmd(), paramsCmd(), rollbackCmd(), stopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's runtime snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return get(cmd, "/status")
		},
	}
}

func paramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "List retained parameter-set versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return get(cmd, "/params")
		},
	}
}

func rollbackCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Republish a historical parameter set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"version": {strconv.FormatInt(version, 10)}}
			return post(cmd, "/rollback?"+q.Encode())
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "Parameter-set version to restore")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, "/stop")
		},
	}
}

func get(cmd *cobra.Command, path string) error {
	return request(cmd, http.MethodGet, path)
}

func post(cmd *cobra.Command, path string) error {
	return request(cmd, http.MethodPost, path)
}

func request(cmd *cobra.Command, method, path string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), method, adminAddr+path, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
