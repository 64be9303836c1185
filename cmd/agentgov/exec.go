package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/agentgov/pkg/domain"
)

var errExecutionFailed = errors.New("execution failed")

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [key=value ...]",
		Short: "Execute one request and print the result as JSON",
		Long: `Execute one request through the full governance path and print the result.

Positional key=value arguments become request context values. Numbers and
booleans are decoded; everything else stays a string.

Examples:
  agentgov exec --agent market_data symbol=AAPL
  agentgov exec --type query --content "latest CPI print"
  echo '{"type":"quote","context":{"agent":"market_data","symbol":"MSFT"}}' | agentgov exec --file -`,
		RunE: runExec,
	}
	cmd.Flags().String("type", "", "Request type")
	cmd.Flags().String("content", "", "Free-text request content")
	cmd.Flags().String("agent", "", "Agent to dispatch to when no pattern routes the request")
	cmd.Flags().StringP("file", "f", "", "Read the request as JSON from a file (- for stdin)")
	cmd.Flags().Duration("timeout", 0, "Execution deadline (0 uses governance.timeouts.request_timeout)")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	result := a.executor.Execute(ctx, req)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if result.Failed() {
		return fmt.Errorf("%w: %s", errExecutionFailed, result.Error)
	}
	return nil
}

// buildRequest assembles a request from --file or the individual flags plus
// key=value arguments. Flags override values read from the file.
func buildRequest(cmd *cobra.Command, args []string) (domain.Request, error) {
	var req domain.Request
	flags := cmd.Flags()

	if file, _ := flags.GetString("file"); file != "" {
		var r io.Reader = cmd.InOrStdin()
		if file != "-" {
			//nolint:gosec // Request file path is supplied by the operator
			f, err := os.Open(file)
			if err != nil {
				return req, fmt.Errorf("open request file: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return req, fmt.Errorf("decode request: %w", err)
		}
	}

	if v, _ := flags.GetString("type"); v != "" {
		req.Type = v
	}
	if v, _ := flags.GetString("content"); v != "" {
		req.Content = v
	}
	values, err := parseContextArgs(args)
	if err != nil {
		return req, err
	}
	if agent, _ := flags.GetString("agent"); agent != "" {
		values["agent"] = agent
	}
	if len(values) > 0 {
		if req.Context == nil {
			req.Context = make(map[string]any, len(values))
		}
		for k, v := range values {
			req.Context[k] = v
		}
	}
	if timeout, _ := flags.GetDuration("timeout"); timeout > 0 {
		req.Deadline = time.Now().Add(timeout)
	}
	return req, nil
}

// parseContextArgs turns key=value pairs into context values.
func parseContextArgs(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context argument %q, expected key=value", arg)
		}
		values[key] = parseScalar(raw)
	}
	return values, nil
}

func parseScalar(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
