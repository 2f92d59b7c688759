// rtrd distributes validated route origin authorizations to routers over
// version 0 of the rpki-router protocol. One binary, four modes: cronjob
// produces the snapshot and delta database from a validator tree, server
// answers router queries over stdin/stdout (ssh subsystem) or TCP, client
// is a test client, and show dumps the database as text.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/job/rtrd/internal/client"
	"github.com/job/rtrd/internal/config"
	"github.com/job/rtrd/internal/logging"
	"github.com/job/rtrd/internal/prefixset"
	"github.com/job/rtrd/internal/producer"
	"github.com/job/rtrd/internal/roa"
	"github.com/job/rtrd/internal/server"
	"github.com/job/rtrd/internal/store"
)

func main() {
	// Serials and snapshot timestamps must be reproducible across hosts.
	os.Setenv("TZ", "UTC")

	f := pflag.NewFlagSet("rtrd", pflag.ExitOnError)
	config.RegisterFlags(f)
	cronjob := f.Bool("cronjob", false, "produce snapshot and deltas from a validator tree")
	serve := f.Bool("server", false, "serve router sessions")
	clientMode := f.Bool("client", false, "run the test client (tcp <host> <port> | ssh <host> <port> | loopback)")
	show := f.Bool("show", false, "dump the snapshot and delta database as text")
	if err := f.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtrd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	st := store.New(cfg.DataDir)
	kickDir := cfg.KickmeDir
	if !filepath.IsAbs(kickDir) {
		kickDir = filepath.Join(cfg.DataDir, kickDir)
	}

	var run func() error
	switch countModes(*cronjob, *serve, *clientMode, *show) {
	case 0:
		fmt.Fprintln(os.Stderr, "rtrd: one of --cronjob, --server, --client or --show is required")
		os.Exit(2)
	case 1:
	default:
		fmt.Fprintln(os.Stderr, "rtrd: conflicting modes specified")
		os.Exit(2)
	}

	switch {
	case *cronjob:
		run = func() error { return cronjobMain(f.Args(), st, kickDir, cfg, logger) }
	case *serve:
		run = func() error { return serverMain(st, kickDir, cfg, logger) }
	case *clientMode:
		run = func() error { return clientMain(f.Args(), cfg, logger) }
	case *show:
		run = func() error { return showMain(st) }
	}

	if err := run(); err != nil {
		logger.Fatalf("%v", err)
	}
}

func countModes(modes ...bool) int {
	n := 0
	for _, m := range modes {
		if m {
			n++
		}
	}
	return n
}

func cronjobMain(args []string, st *store.Store, kickDir string, cfg *config.Config, logger *zap.SugaredLogger) error {
	if len(args) != 1 {
		return fmt.Errorf("cronjob mode expects one argument, the validator tree, got %d", len(args))
	}
	p := producer.New(st, roa.NewDERDecoder(), kickDir, cfg.Retention(), logger)
	return p.Run(args[0])
}

func serverMain(st *store.Store, kickDir string, cfg *config.Config, logger *zap.SugaredLogger) error {
	srv := server.New(st, logger)

	if cfg.Listen == "" {
		// sshd invokes us with the subsystem channel on stdin/stdout.
		return srv.ServeStream(os.Stdin, os.Stdout, kickDir)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Listen, kickDir) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infof("Signal received: %s, shutting down gracefully...", sig)
		return srv.Stop(5 * time.Second)
	}
}

func clientMain(args []string, cfg *config.Config, logger *zap.SugaredLogger) error {
	var (
		r   io.Reader
		w   io.Writer
		cmd *exec.Cmd
		err error
	)

	switch {
	case len(args) == 0 || (args[0] == "loopback" && len(args) == 1):
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate own binary: %w", err)
		}
		cmd = exec.Command(self, "--server", "--data_dir", cfg.DataDir, "--loglevel", cfg.LogLevel)
		logger.Info("Using direct subprocess for testing")

	case args[0] == "ssh" && len(args) == 3:
		cmd = exec.Command("ssh", "-p", args[2], "-s", args[1], "rpki-rtr")
		logger.Infof("Running %v", cmd.Args)

	case args[0] == "tcp" && len(args) == 3:
		logger.Infof("Starting raw TCP connection to %s:%s", args[1], args[2])
		conn, err := net.Dial("tcp", net.JoinHostPort(args[1], args[2]))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()
		r, w = conn, conn

	default:
		return fmt.Errorf("unexpected client arguments: %v", args)
	}

	if cmd != nil {
		w, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to open subprocess stdin: %w", err)
		}
		r, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open subprocess stdout: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start transport subprocess: %w", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()
	}

	sess := client.NewSession(r, w, cfg.PollInterval(), logger)
	return sess.Run()
}

// showMain renders every snapshot and delta in the data directory, oldest
// first, for debugging.
func showMain(st *store.Store) error {
	snaps, err := st.Snapshots()
	if err != nil {
		return err
	}
	sort.Strings(snaps)
	for _, fn := range snaps {
		ax, err := st.LoadSnapshot(fn)
		if err != nil {
			return err
		}
		fmt.Printf("# AXFR %d (%s)\n", ax.Serial, time.Unix(int64(ax.Serial), 0).UTC())
		for _, p := range ax.Prefixes {
			fmt.Println(p)
		}
	}

	deltas, err := st.Deltas()
	if err != nil {
		return err
	}
	sort.Strings(deltas)
	for _, fn := range deltas {
		to, from, err := store.ParseDeltaName(fn)
		if err != nil {
			continue
		}
		f, err := os.Open(fn)
		if err != nil {
			return err
		}
		prefixes, err := prefixset.ReadPrefixes(f)
		f.Close()
		if err != nil {
			return err
		}
		fmt.Printf("# IXFR %d (%s) -> %d (%s)\n",
			from, time.Unix(int64(from), 0).UTC(), to, time.Unix(int64(to), 0).UTC())
		for _, p := range prefixes {
			fmt.Println(p)
		}
	}
	return nil
}
