// Command enginehost is a scripted stand-in for the streaming engine. It
// listens on a Unix socket and answers engine calls with the signal and
// progress sequences its script describes.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/streamharness/internal/config"
	"github.com/seantiz/streamharness/internal/enginehost"
)

type options struct {
	socket    string
	script    string
	logLevel  string
	logFormat string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "enginehost --socket PATH [--script FILE]",
		Short:         "Scripted streaming engine host",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().StringVar(&opts.socket, "socket", "", "unix socket to listen on")
	cmd.Flags().StringVar(&opts.script, "script", "", "behavior script (yaml)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", config.FormatJSON, "log format (json|text)")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}

func serve(opts *options) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(opts.logLevel), opts.logFormat)

	var script enginehost.Script
	if opts.script != "" {
		var err error
		if script, err = enginehost.LoadScript(opts.script); err != nil {
			return err
		}
	}

	l, err := net.Listen("unix", opts.socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.socket, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		sig := <-quit
		logger.Info("shutting down", "signal", sig.String())
		close(stopped)
		l.Close()
	}()

	logger.Info("engine host listening", "socket", opts.socket, "script", opts.script)
	host := enginehost.New(l, script, logger)
	err = host.Serve()
	os.Remove(opts.socket)

	select {
	case <-stopped:
		return nil
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
