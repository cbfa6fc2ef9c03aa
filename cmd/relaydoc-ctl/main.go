package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/commandclient"
	"github.com/rs/zerolog"
)

const usage = `usage: relaydoc-ctl [flags] <command> [args]

commands:
  forgotten list
  forgotten get <key>
  forgotten download <key> [dir]
  forgotten delete <key>
  backends
  shutdown status|start|cancel|drain
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaydoc-ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("base-url", envOrDefault("RELAYDOC_BASE_URL", "http://127.0.0.1:8080"), "relaydoc base URL")
	token := fs.String("token", strings.TrimSpace(os.Getenv("RELAYDOC_TOKEN")), "bearer token")
	timeout := fs.Duration("timeout", durationEnv("RELAYDOC_CTL_TIMEOUT", 15*time.Second), "per-request timeout")
	interval := fs.Duration("interval", time.Second, "poll interval for shutdown drain")
	fs.Usage = func() { fmt.Fprint(stderr, usage); fs.PrintDefaults() }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(stderr, "token is required (--token or RELAYDOC_TOKEN)")
		return 2
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, NoColor: true, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	client := commandclient.NewClient(*baseURL, *token, &http.Client{Timeout: *timeout})

	result, err := dispatch(ctx, client, rest, *interval, &logger)
	if errors.Is(err, errUsage) {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}
	if err != nil {
		logger.Error().Err(err).Strs("command", rest).Msg("command failed")
		return 1
	}
	if result != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return 0
}

var errUsage = errors.New("invalid arguments")

func dispatch(ctx context.Context, client *commandclient.Client, args []string, interval time.Duration, logger *zerolog.Logger) (any, error) {
	arg := func(i int) string {
		if i < len(args) {
			return strings.TrimSpace(args[i])
		}
		return ""
	}
	switch arg(0) {
	case "forgotten":
		switch arg(1) {
		case "list":
			keys, err := client.GetForgottenList(ctx)
			if keys == nil {
				keys = []string{}
			}
			return map[string]any{"keys": keys}, err
		case "get":
			if arg(2) == "" {
				return nil, fmt.Errorf("%w: forgotten get needs a key", errUsage)
			}
			link, err := client.GetForgotten(ctx, arg(2))
			return map[string]any{"key": arg(2), "url": link}, err
		case "download":
			if arg(2) == "" {
				return nil, fmt.Errorf("%w: forgotten download needs a key", errUsage)
			}
			dir := arg(3)
			if dir == "" {
				dir = "."
			}
			path, err := client.DownloadForgotten(ctx, arg(2), dir)
			return map[string]any{"key": arg(2), "path": path}, err
		case "delete":
			if arg(2) == "" {
				return nil, fmt.Errorf("%w: forgotten delete needs a key", errUsage)
			}
			err := client.DeleteForgotten(ctx, arg(2))
			return map[string]any{"key": arg(2), "deleted": err == nil}, err
		}
	case "backends":
		return client.Backends(ctx)
	case "shutdown":
		switch arg(1) {
		case "", "status":
			return client.ShutdownStatus(ctx)
		case "start":
			return client.SetShuttingDown(ctx, true)
		case "cancel":
			return client.SetShuttingDown(ctx, false)
		case "drain":
			return client.Drain(ctx, commandclient.DrainOptions{Interval: interval, Logger: logger})
		}
	}
	return nil, fmt.Errorf("%w: %s", errUsage, strings.Join(args, " "))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
