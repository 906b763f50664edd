package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	idmlock "go-idmlock"
	"go-idmlock/database"
	"go-idmlock/firmware"
	"go-idmlock/idm"

	"github.com/VictoriaMetrics/metrics"
	"github.com/eiannone/keyboard"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "idmnode",
		Short: "An interactive IDM lock manager node",
		Long: `Idmnode is a demonstration of the go-idmlock library.
It takes one lock on a set of emulated drives, keeps its lease renewed and
lets you convert, release and break it from the keyboard. Drives live in
memory or, with --backend postgres, in a database shared with other nodes.
Every flag can also be set as IDM_<FLAG> in the environment or a .env file.`,
		RunE: runNode,
	}

	cobra.OnInitialize(initConfig)
	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// node is the interactive state of one running idmnode.
type node struct {
	conf     *Config
	engine   *idmlock.Engine
	session  *idmlock.Session
	op       idmlock.LockOp
	faulty   bool
	lvbSeq   uint64
	lastLine string
}

func runNode(cmd *cobra.Command, _ []string) error {
	var ctx = context.Background()

	conf, err := processConfig(cmd)
	if err != nil {
		return err
	}

	// Logs go to stderr so they don't get cleared by status updates
	var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.LogLevel}))

	codec, closeCodec, err := openCodec(ctx, conf)
	if err != nil {
		return err
	}
	defer closeCodec()

	var opts = []idmlock.Option{
		idmlock.WithPoolSize(conf.PoolSize),
		idmlock.WithCommandTimeout(conf.CommandTimeout),
		idmlock.WithMajorityTimeout(conf.MajorityTimeout),
		idmlock.WithLogger(logger),
		idmlock.WithMetricsSet(metrics.NewSet()),
	}
	if h := failureHandler(conf); h != nil {
		opts = append(opts, idmlock.WithFailureHandler(h))
	}

	engine, err := idmlock.NewEngine(codec, opts...)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if conf.MetricsAddr != "" {
		go serveMetrics(conf.MetricsAddr, engine, logger)
	}

	session, err := engine.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}
	if !conf.Host.IsZero() {
		if err := session.SetHostID(conf.Host); err != nil {
			return fmt.Errorf("failed to set host id: %w", err)
		}
	}

	op, err := idmlock.NewLockOp(conf.Mode, conf.Drives, conf.LockTimeout)
	if err != nil {
		return fmt.Errorf("invalid lock: %w", err)
	}

	var n = &node{conf: conf, engine: engine, session: session, op: op}

	fmt.Printf("Acquiring %s as %s...\n", conf.Lock, session.HostID().Short())
	n.report("acquire", session.Acquire(ctx, conf.Lock, op))

	// Print initial state
	n.printStatus()

	// Set up periodic status updates
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Set up signal handling for graceful shutdown
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Initialize keyboard
	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	// Keyboard input channel
	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	// Main loop
	for {
		select {
		case <-ticker.C:
			n.printStatus()
		case key := <-keyCh:
			if quit := n.handleKey(ctx, key); quit {
				fmt.Printf("\n\nShutting down gracefully...\n")
				if err := engine.Close(ctx); err != nil {
					return fmt.Errorf("failed to release locks: %w", err)
				}
				fmt.Printf("✓ Released all locks\n")
				return nil
			}
			n.printStatus()
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, crashing immediately (no cleanup)...\n", sig)
			os.Exit(1)
		}
	}
}

func openCodec(ctx context.Context, conf *Config) (idm.Codec, func(), error) {
	if conf.Backend == backendMemory {
		return firmware.NewArray(), func() {}, nil
	}

	fmt.Printf("Connecting to database...\n")
	var db, err = sql.Open("postgres", conf.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	drives, err := database.NewDrives(db, conf.Table)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return drives, func() { _ = db.Close() }, nil
}

func failureHandler(conf *Config) idmlock.FailureHandler {
	switch {
	case conf.KillPath != "":
		return idmlock.KillPathHandler{Path: conf.KillPath}
	case conf.KillSignal != 0 && conf.KillPID > 0:
		return idmlock.KillSignalHandler{PID: conf.KillPID, Signal: conf.KillSignal}
	default:
		return nil
	}
}

func serveMetrics(addr string, engine *idmlock.Engine, logger *slog.Logger) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		engine.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})

	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "addr", addr, "error", err)
	}
}

// handleKey runs the command bound to key and reports whether to quit.
func (n *node) handleKey(ctx context.Context, key rune) bool {
	var (
		s  = n.session
		id = n.conf.Lock
	)

	switch key {
	case 'a', 'A':
		n.report("acquire", s.Acquire(ctx, id, n.op))
	case 'b', 'B':
		n.report("break", s.Break(ctx, id, n.op))
	case 'u', 'U':
		n.report("release", s.Release(ctx, id))
	case 'x', 'X':
		n.report("convert to exclusive", s.Convert(ctx, id, idm.ModeExclusive))
	case 'h', 'H':
		n.report("convert to shareable", s.Convert(ctx, id, idm.ModeShareable))
	case 'w', 'W':
		n.lvbSeq++
		n.report(fmt.Sprintf("write lvb %d", n.lvbSeq), s.WriteLVB(ctx, id, idm.LVBFromUint64(n.lvbSeq)))
	case 'l', 'L':
		var lvb, err = s.ReadLVB(ctx, id)
		n.report(fmt.Sprintf("read lvb %s", lvb), err)
	case 'n', 'N':
		var count, self, err = s.GetHostCount(ctx, id, n.conf.Drives)
		n.report(fmt.Sprintf("host count %d self=%t", count, self), err)
	case 'v', 'V':
		var version, err = s.GetVersion(ctx, n.conf.Drives[0])
		n.report(fmt.Sprintf("firmware version %#04x", version), err)
	case 's', 'S':
		s.StopRenew()
		n.lastLine = "⏸  lease renewal stopped"
	case 'r', 'R':
		s.StartRenew()
		n.lastLine = "▶  lease renewal resumed"
	case 'f', 'F':
		n.faulty = !n.faulty
		var percent = 0
		if n.faulty {
			percent = 100
		}
		n.report(fmt.Sprintf("inject %d%% drive faults", percent), s.InjectFault(percent))
	case 'c', 'C':
		fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
		os.Exit(1)
	case 'q', 'Q':
		return true
	}
	return false
}

func (n *node) report(what string, err error) {
	if err != nil {
		n.lastLine = fmt.Sprintf("❌ %s: %v (%d)", what, err, idmlock.Errno(err))
		return
	}
	n.lastLine = fmt.Sprintf("✓ %s", what)
}

func (n *node) printStatus() {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	n.writeStatus(os.Stdout)
}

func (n *node) writeStatus(w io.Writer) {
	fmt.Fprintf(w, "%s\n", n.conf)
	fmt.Fprintf(w, "host %s session %d inflight %d\n\n", n.session.HostID().Short(), n.session.ID(), n.engine.Inflight())

	if status, ok := n.session.Status(n.conf.Lock); ok {
		fmt.Fprintf(w, "lock %s\n", status.ID)
		fmt.Fprintf(w, "  mode     %s\n", status.Mode)
		fmt.Fprintf(w, "  phase    %s\n", status.Phase)
		fmt.Fprintf(w, "  renewed  %s ago\n", time.Since(status.LastRenewedAt).Truncate(time.Millisecond))
		if status.Broken {
			fmt.Fprintf(w, "  broken   taken over from an expired holder\n")
		}
	} else {
		fmt.Fprintf(w, "lock %s not held\n", n.conf.Lock)
	}

	if n.lastLine != "" {
		fmt.Fprintf(w, "\n%s\n", n.lastLine)
	}
	if n.faulty {
		fmt.Fprintf(w, "\n⚠️  DRIVE FAULTS INJECTED\n")
	}

	fmt.Fprintf(w, "\nControls:\n")
	fmt.Fprintf(w, "  [a] Acquire  [b] Break  [u] Unlock\n")
	fmt.Fprintf(w, "  [x] Convert to exclusive  [h] Convert to shareable\n")
	fmt.Fprintf(w, "  [w] Write LVB  [l] Read LVB  [n] Host count  [v] Version\n")
	fmt.Fprintf(w, "  [s] Stop renewal  [r] Resume renewal  [f] Toggle drive faults\n")
	fmt.Fprintf(w, "  [c] Crash without cleanup\n")
	fmt.Fprintf(w, "  [q] Quit gracefully\n")
}
