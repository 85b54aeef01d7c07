package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/gantrybridge/stanza"
)

var (
	addr        string        // Bridge controller address
	idleTimeout time.Duration // Give up after this long without a stanza
	listen      bool          // Wait for responses even without get_long_status
	verbose     bool          // Log connection progress to stderr
)

// rootCmd sends one file per invocation
var rootCmd = &cobra.Command{
	Use:   "siridclient FILE",
	Short: "Send a SIRID XML message to the gantry bridge",
	Long: `Sends the XML content of FILE to the bridge. When the content asks for
a long status, every stanza the bridge sends back is printed until the
simulation finishes or nothing arrives for --idle-timeout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", addr, err)
		}
		defer conn.Close()
		logger.Info("connected", "addr", addr)

		receive := listen || bytes.Contains(data, []byte("get_long_status"))
		return exchange(ctx, conn, data, receive, idleTimeout, cmd.OutOrStdout(), logger)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9999", "Bridge controller address")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "Stop waiting after this long without a response, 0 waits forever")
	rootCmd.Flags().BoolVar(&listen, "listen", false, "Print responses even when the file has no get_long_status")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log connection progress to stderr")
}

// exchange writes data followed by a newline and, when receive is set, copies
// every stanza from conn to out until simulation_finished arrives, the bridge
// closes the connection or idle passes without a stanza.
func exchange(ctx context.Context, conn net.Conn, data []byte, receive bool, idle time.Duration, out io.Writer, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(append(bytes.TrimRight(data, "\r\n"), '\n')); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	logger.Info("sent", "bytes", len(data))
	if !receive {
		return nil
	}

	scanner := stanza.NewScanner(&idleReader{conn: conn, idle: idle})
	for {
		doc, err := scanner.Next()
		if err != nil {
			var ne net.Error
			switch {
			case stderrors.Is(err, io.EOF):
				logger.Info("bridge closed the connection")
				return nil
			case stderrors.As(err, &ne) && ne.Timeout():
				logger.Info("no response", "idle", idle)
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if _, err := fmt.Fprintf(out, "%s\n", doc); err != nil {
			return err
		}
		if bytes.Contains(doc, []byte("simulation_finished")) {
			return nil
		}
	}
}

// idleReader arms a fresh read deadline before every read.
type idleReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}
