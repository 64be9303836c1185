package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/registry"
)

const compliancePath = "/v1/compliance"

func newComplianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Print the compliance report of a running server",
		Args:  cobra.NoArgs,
		RunE:  runCompliance,
	}
	cmd.Flags().String("addr", "http://localhost:19090", "Base URL of the admin API")
	cmd.Flags().Bool("json", false, "Print the raw JSON snapshot")
	cmd.Flags().Bool("reset", false, "Reset the compliance counters after printing")
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	return cmd
}

func runCompliance(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	addr, _ := flags.GetString("addr")
	asJSON, _ := flags.GetBool("json")
	reset, _ := flags.GetBool("reset")
	timeout, _ := flags.GetDuration("timeout")

	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	url := strings.TrimRight(addr, "/") + compliancePath

	snap, err := fetchCompliance(cmd.Context(), client, url)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else if err := writeComplianceTable(out, snap); err != nil {
		return err
	}

	if reset {
		if err := adminCall(cmd.Context(), client, http.MethodDelete, url, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "compliance counters reset")
	}
	return nil
}

func fetchCompliance(ctx context.Context, client *http.Client, url string) (registry.ComplianceSnapshot, error) {
	var snap registry.ComplianceSnapshot
	err := adminCall(ctx, client, http.MethodGet, url, &snap)
	return snap, err
}

// adminCall performs one admin API request and decodes a JSON body into dst
// when dst is non-nil. Non-2xx responses are returned as errors carrying the
// server's error message.
func adminCall(ctx context.Context, client *http.Client, method, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e domain.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, url, e.Message, e.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, url, resp.Status)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func writeComplianceTable(w io.Writer, snap registry.ComplianceSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tEXECUTIONS\tSTORED\tFAILURES\tCOMPLIANCE")

	names := make([]string, 0, len(snap.Agents))
	for name := range snap.Agents {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		m := snap.Agents[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\n", name, m.TotalExecutions, m.Stored, m.Failures, m.ComplianceRate*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\noverall compliance: %.1f%% (%d/%d stored)\n", snap.OverallCompliance, snap.TotalStored, snap.TotalExecutions)
	fmt.Fprintf(w, "failures: %d  unresolved: %d  bypass warnings: %d\n",
		snap.ComplianceFailures, snap.UnresolvedExecutions, snap.BypassWarnings)
	return nil
}
