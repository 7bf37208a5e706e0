package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/guseggert/scriptagent/agent"
	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/process"
	"github.com/guseggert/scriptagent/internal/config"
	agentlog "github.com/guseggert/scriptagent/internal/log"
	"github.com/guseggert/scriptagent/internal/sqlite"
	"github.com/guseggert/scriptagent/script"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "scriptagent",
		Usage: "runs script templates on this host and streams their output to operators",
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			scriptCommand,
			hashPasswordCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func envVars(name string) []string {
	return []string{"SCRIPTAGENT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a YAML config file. Flags override values from the file.",
			EnvVars: envVars("config"),
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			EnvVars: envVars("listen-addr"),
		},
		&cli.StringFlag{
			Name:    "db-file",
			Usage:   "The SQLite database holding script templates.",
			EnvVars: envVars("db-file"),
		},
		&cli.StringFlag{
			Name:    "script-dir",
			Usage:   "Directory script files are written to before they are run.",
			EnvVars: envVars("script-dir"),
		},
		&cli.StringFlag{
			Name:    "interpreter",
			Usage:   "The program script files are run with.",
			EnvVars: envVars("interpreter"),
		},
		&cli.DurationFlag{
			Name:    "grace-period",
			Usage:   "How long a stopped script has to exit before it is killed.",
			EnvVars: envVars("grace-period"),
		},
		&cli.IntFlag{
			Name:    "watcher-buffer",
			Usage:   "Number of messages a connection may lag behind a script before it is disconnected.",
			EnvVars: envVars("watcher-buffer"),
		},
		&cli.StringFlag{
			Name:    "auth-user",
			Usage:   "The HTTP Basic user operators authenticate as.",
			EnvVars: envVars("auth-user"),
		},
		&cli.StringFlag{
			Name:    "auth-password-hash",
			Usage:   "The bcrypt hash of the operator password, see hash-password.",
			EnvVars: envVars("auth-password-hash"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "One of [debug,info,warn,error].",
			EnvVars: envVars("log-level"),
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "Write logs to this file, rotating it, instead of stderr.",
			EnvVars: envVars("log-file"),
		},
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [exit,none].",
			Value: "none",
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before running the heartbeat failure action.",
			Value: time.Minute,
		},
	},
	Action: serve,
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}

	overrideString := func(name string, dst *string) {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	overrideString("listen-addr", &cfg.ListenAddr)
	overrideString("db-file", &cfg.DBFile)
	overrideString("script-dir", &cfg.ScriptDir)
	overrideString("interpreter", &cfg.Interpreter)
	overrideString("auth-user", &cfg.AuthUser)
	overrideString("auth-password-hash", &cfg.AuthPasswordHash)
	overrideString("log-level", &cfg.LogLevel)
	overrideString("log-file", &cfg.LogFile)
	if ctx.IsSet("grace-period") {
		cfg.GracePeriod = ctx.Duration("grace-period")
	}
	if ctx.IsSet("watcher-buffer") {
		cfg.WatcherBuffer = ctx.Int("watcher-buffer")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	level, err := agentlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := agentlog.New(level, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var heartbeatFailureHandler func()
	switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
	}

	if err := os.MkdirAll(cfg.ScriptDir, 0o700); err != nil {
		return fmt.Errorf("creating script dir: %w", err)
	}

	db, err := sqlite.Open(cfg.DBFile)
	if err != nil {
		return err
	}
	defer db.Close()
	scripts, err := script.NewSQLiteRepository(ctx.Context, db)
	if err != nil {
		return err
	}

	validator, err := auth.NewBasicValidator(cfg.AuthUser, cfg.AuthPasswordHash)
	if err != nil {
		return fmt.Errorf("building auth validator: %w", err)
	}

	runner := &process.Runner{
		Log:         logger.Named("process_runner").Sugar(),
		Interpreter: cfg.Interpreter,
		ScriptDir:   cfg.ScriptDir,
		GracePeriod: cfg.GracePeriod,
	}

	nodeAgent, err := agent.NewNodeAgent(
		scripts,
		runner,
		validator,
		agent.WithLogger(logger),
		agent.WithListenAddr(cfg.ListenAddr),
		agent.WithWatcherBuffer(cfg.WatcherBuffer),
		agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(nodeAgent.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return nodeAgent.Stop(stopCtx)
	})
	return g.Wait()
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a script template on an agent and stream its output",
	ArgsUsage: "<template id>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "127.0.0.1",
			EnvVars: envVars("host"),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   2123,
			EnvVars: envVars("port"),
		},
		&cli.StringFlag{
			Name:    "user",
			EnvVars: envVars("user"),
		},
		&cli.StringFlag{
			Name:    "password",
			EnvVars: envVars("password"),
		},
		&cli.StringFlag{
			Name:    "operator",
			Usage:   "Name recorded as the template's last run user.",
			EnvVars: []string{"SCRIPTAGENT_OPERATOR", "USER"},
		},
		&cli.StringFlag{
			Name:     "workspace",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "execute-id",
			Usage: "Attach to this execution if it is running. Defaults to a new ID.",
		},
		&cli.StringFlag{
			Name:  "args",
			Usage: "Arguments passed to the script, split with shell quoting rules.",
		},
	},
	Action: run,
}

func run(ctx *cli.Context) error {
	templateID := ctx.Args().First()
	if templateID == "" {
		return errors.New("template id is required")
	}
	executeID := ctx.String("execute-id")
	if executeID == "" {
		executeID = uuid.NewString()
	}

	l, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	client, err := agent.NewClient(
		l.Sugar(),
		ctx.String("host"),
		ctx.Int("port"),
		agent.WithBasicAuth(ctx.String("user"), ctx.String("password")),
		agent.WithOperator(ctx.String("operator")),
	)
	if err != nil {
		return err
	}
	// keeps an agent started with --on-heartbeat-failure alive while its script runs
	client.StartHeartbeat()
	defer client.StopHeartbeat()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.DialScript(ctx.Context, templateID, ctx.String("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()

	greeting, err := conn.Read(ctx.Context)
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "connected: ") {
		return errors.New(greeting)
	}
	fmt.Fprintln(os.Stderr, greeting)

	if err := conn.Start(ctx.Context, executeID, ctx.String("args")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "execute id: %s\n", executeID)

	// an interrupt stops the execution, the exit event still ends the command
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-sigCtx.Done():
		}
		stopCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
		defer cancel()
		if err := conn.Stop(stopCtx, executeID); err != nil {
			fmt.Fprintf(os.Stderr, "error stopping execution: %s\n", err)
		}
	}()

	start := time.Now()
	ev, err := conn.Wait(ctx.Context, executeID, func(msg string) {
		if strings.HasPrefix(msg, "{") {
			// command acknowledgements
			return
		}
		fmt.Println(msg)
	})
	if err != nil {
		return fmt.Errorf("reading output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s after %s: %s\n", ev.State, time.Since(start).Round(time.Millisecond), ev.Msg)
	if ev.State != "completed" || ev.ExitCode != 0 {
		code := ev.ExitCode
		if code <= 0 {
			code = 1
		}
		return cli.Exit("", code)
	}
	return nil
}

var scriptCommand = &cli.Command{
	Name:  "script",
	Usage: "manage script templates",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "add a script template, printing its id",
			ArgsUsage: "<file, or - for stdin>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "db-file",
					Value:   config.Default().DBFile,
					EnvVars: envVars("db-file"),
				},
				&cli.StringFlag{
					Name:     "workspace",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "Defaults to the file name.",
				},
			},
			Action: addScript,
		},
	},
}

func addScript(ctx *cli.Context) error {
	file := ctx.Args().First()
	if file == "" {
		return errors.New("script file is required")
	}
	var (
		body []byte
		err  error
	)
	if file == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	name := ctx.String("name")
	if name == "" {
		name = filepath.Base(file)
	}

	db, err := sqlite.Open(ctx.String("db-file"))
	if err != nil {
		return err
	}
	defer db.Close()
	scripts, err := script.NewSQLiteRepository(ctx.Context, db)
	if err != nil {
		return err
	}

	tmpl := &script.Template{
		WorkspaceID: ctx.String("workspace"),
		Name:        name,
		Body:        string(body),
	}
	if err := scripts.Create(ctx.Context, tmpl); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "added %s (%s)\n", name, humanize.Bytes(uint64(len(body))))
	fmt.Println(tmpl.ID)
	return nil
}

var hashPasswordCommand = &cli.Command{
	Name:  "hash-password",
	Usage: "read a password from the terminal and print its bcrypt hash for auth-password-hash",
	Action: func(ctx *cli.Context) error {
		fmt.Fprint(os.Stderr, "password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		hash, err := auth.HashPassword(string(password))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}
