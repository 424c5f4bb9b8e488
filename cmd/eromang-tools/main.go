// eromang-tools serves the builtin planning tools over MCP on stdio, so a
// separate process can act as the tool backend (bridge.transport: stdio).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/xinge0721/Eromang/eromang/generation/harness/tools"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("eromang-tools", pflag.ContinueOnError)
	workspace := flagSet.String("workspace", "", "directory served by file_info (disabled when empty)")
	logLevel := flagSet.String("log-level", "warn", "log level")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("eromang-tools", version)
		return nil
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	// stdout carries the protocol
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "eromang-tools").Logger()

	server, err := tools.NewServer(version, tools.Builtin(*workspace)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("workspace", *workspace).Msg("serving tools on stdio")
	if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
