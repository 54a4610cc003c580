package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/guseggert/evalsock/frame"
	"github.com/guseggert/evalsock/repl"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	socketFlag := &cli.StringFlag{
		Name:    "socket",
		Usage:   "Path of the unix socket to serve on or connect to.",
		Value:   repl.DefaultSocketPath(),
		EnvVars: []string{"EVALSOCK_SOCKET"},
	}
	logLevelFlag := &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Minimum log level. One of [debug,info,warn,error].",
		Value:   "info",
		EnvVars: []string{"EVALSOCK_LOG_LEVEL"},
	}
	maxBlobSizeFlag := &cli.UintFlag{
		Name:    "max-blob-size",
		Usage:   "Largest message accepted, in bytes.",
		Value:   frame.DefaultMaxBlobSize,
		EnvVars: []string{"EVALSOCK_MAX_BLOB_SIZE"},
	}

	return &cli.App{
		Name:  "evalsock",
		Usage: "run JavaScript in a long-lived process over a local unix socket",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the evaluation socket until interrupted.",
				Flags: []cli.Flag{
					socketFlag,
					logLevelFlag,
					maxBlobSizeFlag,
					&cli.StringFlag{
						Name:    "gateway-socket",
						Usage:   "Path of a second unix socket for the HTTP/WebSocket gateway. Disabled if empty.",
						EnvVars: []string{"EVALSOCK_GATEWAY_SOCKET"},
					},
					&cli.StringFlag{
						Name:    "request-global",
						Usage:   "Name of the global through which code sees the current request.",
						Value:   repl.DefaultRequestGlobal,
						EnvVars: []string{"EVALSOCK_REQUEST_GLOBAL"},
					},
				},
				Action: serve,
			},
			{
				Name:      "eval",
				Usage:     "Run code on a serving process and print the JSON response.",
				ArgsUsage: "[code]",
				Description: "The code is taken from the arguments, or from stdin if there are none. " +
					"Exits non-zero if the code failed.",
				Flags: []cli.Flag{
					socketFlag,
					logLevelFlag,
					maxBlobSizeFlag,
				},
				Action: eval,
			},
		},
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func parseMaxBlobSize(ctx *cli.Context) (uint32, error) {
	n := ctx.Uint("max-blob-size")
	if n == 0 || uint64(n) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("max blob size must be between 1 and %d", ^uint32(0))
	}
	return uint32(n), nil
}

func serve(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	maxBlobSize, err := parseMaxBlobSize(ctx)
	if err != nil {
		return err
	}

	server, err := repl.NewServer(
		repl.WithLogger(logger),
		repl.WithSocketPath(ctx.String("socket")),
		repl.WithGatewaySocketPath(ctx.String("gateway-socket")),
		repl.WithMaxBlobSize(maxBlobSize),
		repl.WithRequestGlobal(ctx.String("request-global")),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		if err := server.Stop(); err != nil {
			logger.Sugar().Warnf("error stopping server: %s", err)
		}
	}()

	return server.Run()
}

func eval(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	maxBlobSize, err := parseMaxBlobSize(ctx)
	if err != nil {
		return err
	}

	code := strings.Join(ctx.Args().Slice(), " ")
	if code == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading code from stdin: %w", err)
		}
		code = string(b)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := repl.Dial(sigCtx, ctx.String("socket"),
		repl.WithClientLogger(logger),
		repl.WithClientMaxBlobSize(maxBlobSize),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Eval(sigCtx, code)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(ctx.App.Writer, string(resp.Value))
	return nil
}
