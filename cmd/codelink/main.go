package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nvollmar/codelink/pkg/bus"
	"github.com/nvollmar/codelink/pkg/client"
	"github.com/nvollmar/codelink/pkg/config"
	"github.com/nvollmar/codelink/pkg/logging"
	"github.com/nvollmar/codelink/pkg/protocol"
	"github.com/nvollmar/codelink/pkg/terminal"
	"github.com/nvollmar/codelink/pkg/workspace"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string
	var url string
	var token string
	fs := flag.NewFlagSet("codelink", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to config file")
	fs.StringVar(&url, "url", "", "Bridge URL (overrides config)")
	fs.StringVar(&token, "token", "", "Auth token (overrides config)")
	fs.Usage = usage

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if err := dispatch(args, configPath, url, token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: codelink [flags] <command> [command flags]

Commands:
  tree      Print the remote workspace file tree
  cat       Print a remote file's content
  put       Write stdin (or a local file) to a remote path
  run       Run a shell command on the bridge
  watch     Stream bridge events until interrupted
  version   Print version information

Flags:
  -config path   Config file (YAML)
  -url string    Bridge URL, e.g. ws://localhost:3742 (overrides config)
  -token string  Auth token (overrides config)
`)
}

func dispatch(args []string, configPath, url, token string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "tree":
		return runTree(rest, configPath, url, token)
	case "cat":
		return runCat(rest, configPath, url, token)
	case "put":
		return runPut(rest, configPath, url, token)
	case "run":
		return runRun(rest, configPath, url, token)
	case "watch":
		return runWatch(rest, configPath, url, token)
	case "version":
		fmt.Printf("codelink %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runtime bundles the connected client and its logger for one CLI
// invocation.
type runtime struct {
	cfg    *config.Config
	log    *logging.Logger
	client *client.Client
}

func connect(ctx context.Context, configPath, url, token string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if url != "" {
		cfg.Server.URL = url
	}
	if token != "" {
		cfg.Server.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	opts := client.FromConfig(cfg)
	opts.Logger = logger
	cli := client.New(opts)

	if err := cli.Connect(ctx); err != nil {
		cli.Close()
		logger.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, log: logger, client: cli}, nil
}

func (r *runtime) close() {
	r.client.Close()
	_ = r.log.Close()
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if cfg.Logging.Dir == "" {
		return logging.NewNop(), nil
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}
	return logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTree(args []string, configPath, url, token string) error {
	fs := flag.NewFlagSet("codelink tree", flag.ContinueOnError)
	includeHidden := fs.Bool("hidden", false, "Include hidden files")
	maxDepth := fs.Int("depth", 0, "Maximum tree depth (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := connect(ctx, configPath, url, token)
	if err != nil {
		return err
	}
	defer rt.close()

	tree, err := workspace.NewTree(rt.client, rt.client.Bus(), rt.log)
	if err != nil {
		return err
	}
	defer tree.Close()

	roots, err := tree.Refresh(ctx, workspace.RefreshOptions{
		IncludeHidden: *includeHidden,
		MaxDepth:      *maxDepth,
	})
	if err != nil {
		return err
	}
	printTree(os.Stdout, roots, "")
	return nil
}

func printTree(w io.Writer, nodes []protocol.FileTreeNode, indent string) {
	for _, node := range nodes {
		name := node.Name
		if node.Kind == protocol.NodeKindDirectory {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s\n", indent, name)
		printTree(w, node.Children, indent+"  ")
	}
}

func runCat(args []string, configPath, url, token string) error {
	fs := flag.NewFlagSet("codelink cat", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: codelink cat <path>")
	}
	path := fs.Arg(0)

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := connect(ctx, configPath, url, token)
	if err != nil {
		return err
	}
	defer rt.close()

	resp, err := rt.client.SendRequest(ctx, protocol.ReadFile{
		RequestID: protocol.NewRequestID(),
		Path:      path,
	})
	if err != nil {
		return err
	}
	content, _ := resp.Payload["content"].(string)
	fmt.Print(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		fmt.Println()
	}
	return nil
}

func runPut(args []string, configPath, url, token string) error {
	fs := flag.NewFlagSet("codelink put", flag.ContinueOnError)
	fromFile := fs.String("file", "", "Read content from a local file instead of stdin")
	mkdirs := fs.Bool("mkdirs", false, "Create parent directories")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: codelink put [-file local] [-mkdirs] <remote-path>")
	}
	path := fs.Arg(0)

	var content []byte
	var err error
	if *fromFile != "" {
		content, err = os.ReadFile(*fromFile)
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := connect(ctx, configPath, url, token)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.client.SendRequest(ctx, protocol.WriteFile{
		RequestID:         protocol.NewRequestID(),
		Path:              path,
		Content:           string(content),
		CreateDirectories: *mkdirs,
	}); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", len(content), path)
	return nil
}

func runRun(args []string, configPath, url, token string) error {
	fs := flag.NewFlagSet("codelink run", flag.ContinueOnError)
	cwd := fs.String("cwd", "", "Working directory on the bridge side")
	visible := fs.Bool("visible", false, "Run in a visible editor terminal")
	name := fs.String("name", "codelink", "Terminal name for visible runs")
	wait := fs.Duration("wait", 2*time.Minute, "How long to wait for a visible run to complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: codelink run [flags] <command...>")
	}
	command := strings.Join(fs.Args(), " ")

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := connect(ctx, configPath, url, token)
	if err != nil {
		return err
	}
	defer rt.close()

	term, err := terminal.NewLog(rt.client, rt.client.Bus(), rt.log)
	if err != nil {
		return err
	}
	defer term.Close()

	result, err := term.Run(ctx, command, terminal.RunOptions{
		Cwd:          *cwd,
		Visible:      *visible,
		TerminalName: *name,
	})
	if err != nil {
		return err
	}

	if result != nil {
		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	}
	return streamVisibleRun(ctx, term, *wait)
}

// streamVisibleRun prints terminal lines as they arrive until the log
// records a completion or the wait expires.
func streamVisibleRun(ctx context.Context, term *terminal.Log, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	printed := 1 // the echoed command line
	for {
		lines := term.Lines()
		for _, line := range lines[printed:] {
			out := os.Stdout
			if line.Kind == terminal.KindError {
				out = os.Stderr
			}
			fmt.Fprintln(out, line.Text)
		}
		printed = len(lines)

		if term.Completions() > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for terminal completion")
		}
	}
}

func runWatch(args []string, configPath, url, token string) error {
	fs := flag.NewFlagSet("codelink watch", flag.ContinueOnError)
	subject := fs.String("subject", ">", "Message subject filter, e.g. document.* or terminal.>")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := connect(ctx, configPath, url, token)
	if err != nil {
		return err
	}
	defer rt.close()

	enc := json.NewEncoder(os.Stdout)
	sub, err := rt.client.Bus().Subscribe(client.SubjectMessage(*subject), func(msg *bus.Envelope) {
		_ = enc.Encode(map[string]any{
			"subject": msg.Subject,
			"message": msg.Data,
		})
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	stateSub, err := rt.client.Bus().Subscribe(client.SubjectState, func(msg *bus.Envelope) {
		fmt.Fprintf(os.Stderr, "state: %v\n", msg.Data)
	})
	if err != nil {
		return err
	}
	defer func() { _ = stateSub.Unsubscribe() }()

	fmt.Fprintln(os.Stderr, "watching (Ctrl-C to stop)")
	<-ctx.Done()
	return nil
}
