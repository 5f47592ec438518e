// Command mcp-bridge serves the calculator tools over the SSE JSON-RPC bridge and calls tools on a
// running bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-bridge:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-bridge",
		Short:         "JSON-RPC over Server-Sent Events bridge",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfigFile(v)
			return err
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a config file (yaml, toml or json)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	mustBindFlag(v, configKey, "BRIDGE_CONFIG", flags.Lookup("config"))
	mustBindFlag(v, logLevelKey, "BRIDGE_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(v, logFormatKey, "BRIDGE_LOG_FORMAT", flags.Lookup("log-format"))

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newCallCommand(v))
	return cmd
}
