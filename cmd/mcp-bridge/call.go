package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
)

func newCallCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool on a running bridge and print its result",
		Example: `
  mcp-bridge call add '{"a":5,"b":6}'
  mcp-bridge call --url https://host/sse echo '{"message":"hi"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments json.RawMessage
			if len(args) == 2 {
				arguments = json.RawMessage(args[1])
				if !json.Valid(arguments) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[1])
				}
			}

			level := new(slog.LevelVar)
			lvl, err := parseLevel(v.GetString(logLevelKey))
			if err != nil {
				return err
			}
			level.Set(lvl)
			logger, err := newLogger(cmd.ErrOrStderr(), v.GetString(logFormatKey), level)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(callTimeoutKey))
			defer cancel()

			return callTool(ctx, v.GetString(callURLKey), args[0], arguments, cmd.OutOrStdout(), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("url", "u", "http://127.0.0.1:8080/sse", "event stream URL of the bridge")
	flags.Duration("timeout", 30*time.Second, "overall timeout of the call")

	mustBindFlag(v, callURLKey, "BRIDGE_URL", flags.Lookup("url"))
	mustBindFlag(v, callTimeoutKey, "", flags.Lookup("timeout"))

	return cmd
}

var errToolFailed = errors.New("tool reported an error")

func callTool(ctx context.Context, url, name string, args json.RawMessage, out io.Writer, logger *slog.Logger) error {
	cli := bridge.NewSSEClient(url, nil, bridge.WithSSEClientLogger(logger))
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	info, err := cli.Initialize(ctx, bridge.Info{Name: "mcp-bridge-call", Version: version})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	logger.Debug("connected", slog.String("server", info.Name), slog.String("version", info.Version))

	res, err := cli.CallTool(ctx, bridge.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return err
	}

	for _, c := range res.Content {
		switch c.Type {
		case bridge.ContentTypeText:
			fmt.Fprintln(out, c.Text)
		default:
			fmt.Fprintf(out, "[%s %s, %d bytes]\n", c.Type, c.MimeType, len(c.Data))
		}
	}
	if res.IsError {
		return errToolFailed
	}
	return nil
}
