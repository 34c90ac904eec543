package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/guseggert/nativehost/host"
	"github.com/guseggert/nativehost/host/process"
	"github.com/guseggert/nativehost/internal/config"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parentWindowFlag is added by Chrome on Windows and carries nothing the host uses.
const parentWindowFlag = "--parent-window="

func main() {
	app := &cli.App{
		Name:      "nativehost",
		Usage:     "native messaging host that lets a browser extension start, stop and read the output of a local application",
		ArgsUsage: "[origin or manifest path and extension ID, as passed by the browser]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file. Defaults to the nearest " + config.FileName + " at or above the binary's directory.",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "The application's directory. Overrides app.workdir; the extension can still change it with whereiszeronet.",
			},
			&cli.StringFlag{
				Name:  "debug-addr",
				Usage: "Serve the read-only debug API on this address. Overrides host.debug_addr.",
			},
			&cli.StringFlag{
				Name:  "lock-file",
				Usage: "Hold a lock on this file while the application runs. Overrides app.lock_file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides log.level.",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs to this file instead of stderr. Overrides log.file.",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "print the status of a running host, using its debug API",
				Flags: []cli.Flag{addrFlag()},
				Action: func(c *cli.Context) error {
					client, err := debugClient(c)
					if err != nil {
						return err
					}
					st, err := client.Status(c.Context)
					if err != nil {
						return fmt.Errorf("getting status: %w", err)
					}
					return printJSON(st)
				},
			},
			{
				Name:      "tail",
				Usage:     "follow the output of a running host's application, using its debug API",
				ArgsUsage: "[stdout|stderr]",
				Flags:     []cli.Flag{addrFlag()},
				Action: func(c *cli.Context) error {
					stream := process.Stdout
					if c.NArg() > 0 {
						stream = process.Stream(c.Args().First())
					}
					if stream != process.Stdout && stream != process.Stderr {
						return fmt.Errorf("unsupported stream %q", stream)
					}
					client, err := debugClient(c)
					if err != nil {
						return err
					}
					return client.Tail(c.Context, stream, os.Stdout)
				},
			},
			{
				Name:      "call",
				Usage:     "start a host, send it one request the way a browser would, and print the response",
				ArgsUsage: "<command> [arg...]",
				Description: "Arguments that are valid JSON are sent as JSON, anything else as a string.\n" +
					"The host exits after responding, stopping anything it started.",
				Action: call,
			},
		},
	}

	// writing a response after the browser closed its end must fail with EPIPE rather than kill the host,
	// so that Run still stops the supervised process
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, stripBrowserFlags(os.Args)); err != nil {
		log.Fatal(err)
	}
}

func addrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "addr",
		Usage: "Address of the host's debug API. Defaults to host.debug_addr from the config.",
	}
}

// stripBrowserFlags drops the flags browsers add to the host's command line that the CLI does not define.
func stripBrowserFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, parentWindowFlag) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if exe, err := os.Executable(); err == nil {
			path = config.Discover(filepath.Dir(exe))
		}
	}

	cfg := config.Defaults()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if c.IsSet("workdir") {
		cfg.App.Workdir = c.String("workdir")
	}
	if c.IsSet("debug-addr") {
		cfg.Host.DebugAddr = c.String("debug-addr")
	}
	if c.IsSet("lock-file") {
		cfg.App.LockFile = c.String("lock-file")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a development logger. It never writes to stdout, which carries the protocol.
func newLogger(file string) (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.OutputPaths = []string{"stderr"}
	if file != "" {
		logConfig.OutputPaths = []string{file}
	}
	logConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.File)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Chrome passes the caller's origin, Firefox the manifest path and extension ID
	logger.Named("main").Info("launched", zap.Strings("Args", c.Args().Slice()), zap.Int("PID", os.Getpid()))

	opts := []host.Option{
		host.WithLogger(logger),
		host.WithLogLevel(cfg.Level()),
		host.WithLaunchConfig(cfg.LaunchConfig()),
		host.WithEntry(cfg.App.Entry),
		host.WithMaxFrameSize(cfg.Host.MaxFrameSize),
	}
	if cfg.Host.DebugAddr != "" {
		opts = append(opts, host.WithDebugAddr(cfg.Host.DebugAddr))
	}
	if cfg.App.LockFile != "" {
		opts = append(opts, host.WithLockFile(cfg.App.LockFile))
	}

	h, err := host.New(opts...)
	if err != nil {
		return fmt.Errorf("building host: %w", err)
	}
	return h.Run(c.Context)
}

func cliLogger() *zap.SugaredLogger {
	logger, err := newLogger("")
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel)).Sugar()
}

func debugClient(c *cli.Context) (*host.DebugClient, error) {
	addr := c.String("addr")
	if addr == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return nil, err
		}
		addr = cfg.Host.DebugAddr
	}
	if addr == "" {
		return nil, fmt.Errorf("no debug address: pass --addr or set host.debug_addr")
	}
	return host.NewDebugClient(cliLogger(), addr), nil
}

func call(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("missing command")
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding own executable: %w", err)
	}

	// the child host sees the same configuration as this process
	var hostArgs []string
	for _, name := range []string{"config", "workdir", "lock-file", "log-level", "log-file"} {
		if c.IsSet(name) {
			hostArgs = append(hostArgs, "--"+name, c.String(name))
		}
	}
	cmd := exec.CommandContext(c.Context, self, hostArgs...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}

	var args []any
	for _, a := range c.Args().Tail() {
		if gjson.Valid(a) {
			args = append(args, json.RawMessage(a))
		} else {
			args = append(args, a)
		}
	}

	resp, callErr := host.NewPeer(stdout, stdin).Call(c.Args().First(), args...)
	stdin.Close()
	if err := cmd.Wait(); err != nil && callErr == nil {
		return fmt.Errorf("host exited: %w", err)
	}
	if callErr != nil {
		return callErr
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
