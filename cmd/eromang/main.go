// eromang is an interactive two-model assistant. Every line read from stdin
// is one user turn: the dialogue model answers directly or hands the work to
// the knowledge model, which plans and runs tools before the dialogue model
// summarizes. Streamed content goes to stdout and model reasoning to stderr.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xinge0721/Eromang/eromang/config"
	"github.com/xinge0721/Eromang/eromang/generation/harness"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flagBindings maps command-line flags to config keys.
var flagBindings = map[string]string{
	"log-level":       "log.level",
	"log-pretty":      "log.pretty",
	"transport":       "bridge.transport",
	"workspace":       "bridge.workspace",
	"history-backend": "history.backend",
	"max-iterations":  "harness.max_iterations",
}

func run() error {
	flagSet := pflag.NewFlagSet("eromang", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to config file (default: search ., .., etc/eromang, user config dir)")
	ask := flagSet.String("ask", "", "run a single turn with this input and exit")
	flagSet.String("log-level", "info", "log level (debug, info, warn, error)")
	flagSet.Bool("log-pretty", true, "human-readable logs on stderr")
	flagSet.String("transport", "builtin", "tool backend transport (builtin, stdio, sse, http)")
	flagSet.String("workspace", "", "directory the builtin file_info tool may read")
	flagSet.String("history-backend", "file", "history persistence (file, libsql, none)")
	flagSet.Int("max-iterations", 10, "state transitions allowed per turn")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if *showVersion {
		fmt.Println("eromang", version)
		return nil
	}

	v := viper.New()
	for flag, key := range flagBindings {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	cfg, err := config.LoadConfigWith(v, *configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &turnWriter{content: os.Stdout, thinking: os.Stderr}
	buildCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	engine, err := harness.NewFactory(cfg, logger).
		WithSink(out.write).
		WithVersion(version).
		Build(buildCtx)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	if *ask != "" {
		_, err := turn(ctx, engine, out, *ask)
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		exited, err := turn(ctx, engine, out, input)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error().Err(err).Msg("turn failed")
			continue
		}
		if exited {
			fmt.Fprintln(os.Stderr, "bye")
			return nil
		}
	}
	return scanner.Err()
}

// turn runs one input and prints the answer unless it was already streamed.
func turn(ctx context.Context, engine *harness.Engine, out *turnWriter, input string) (bool, error) {
	out.reset()
	resp, err := engine.Run(ctx, input)
	if err != nil {
		return false, err
	}
	answer := strings.TrimSpace(resp.Answer)
	if answer != "" && !strings.HasSuffix(strings.TrimSpace(out.streamed.String()), answer) {
		fmt.Fprint(out.content, answer)
	}
	fmt.Fprintln(out.content)
	return resp.Exited, nil
}

// turnWriter forwards streamed chunks and remembers this turn's content.
type turnWriter struct {
	content  io.Writer
	thinking io.Writer
	streamed strings.Builder
}

func (w *turnWriter) reset() { w.streamed.Reset() }

func (w *turnWriter) write(kind ports.ChunkKind, text string) {
	switch kind {
	case ports.ChunkThinking:
		fmt.Fprint(w.thinking, text)
	case ports.ChunkContent:
		w.streamed.WriteString(text)
		fmt.Fprint(w.content, text)
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `eromang: a dialogue model and a knowledge model working one conversation.

Reads one user turn per line from stdin and exits on EOF or when the
dialogue model ends the conversation. Use --ask for a single turn.

Usage:
  eromang [flags]

Flags:
%s`, flagSet.FlagUsages())
}
