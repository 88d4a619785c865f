// Penpal runs the mail ingest/send process, the reply process, the OAuth
// consent flow and a read-only MCP inspection server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hal9000y/penpal/internal/config"
	"github.com/hal9000y/penpal/internal/events"
	"github.com/hal9000y/penpal/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "penpal",
		Short:         "Email penpal bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to env file")

	root.AddCommand(
		newMailerCmd(),
		newResponderCmd(),
		newAuthorizeCmd(),
		newInspectCmd(),
	)

	return root
}

// mustConfig loads the environment and runs the subcommand's validation.
func mustConfig(validate func(*config.Config) error) *config.Config {
	cfg, err := config.FromEnv()
	if err != nil {
		panic(fmt.Errorf("config.FromEnv failed: %w", err))
	}
	if err := validate(cfg); err != nil {
		panic(fmt.Errorf("invalid configuration: %w", err))
	}
	return cfg
}

func mustLogger(out io.Writer, cfg *config.Config, process string) *logrus.Entry {
	logger, err := logging.New(out, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic(fmt.Errorf("logging.New failed: %w", err))
	}
	return logger.WithFields(logrus.Fields{
		"process":    process,
		"persona_id": cfg.Persona.ID,
	})
}

type publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// connectEvents returns a NATS publisher when NATS_URL is set and a no-op
// publisher otherwise.
func connectEvents(url string, log *logrus.Entry) (publisher, func(), error) {
	if url == "" {
		return events.Nop{}, func() {}, nil
	}

	p, err := events.Connect(url, log)
	if err != nil {
		return nil, nil, fmt.Errorf("events.Connect failed: %w", err)
	}
	log.WithField("url", url).Info("publishing state changes to nats")

	return p, p.Close, nil
}

func mustListen(httpAddr string) net.Listener {
	if httpAddr == "" {
		panic("--http-addr must be provided")
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		panic(fmt.Errorf("net.Listen failed: %w", err))
	}

	return ln
}

func serveHTTP(srv *http.Server, ln net.Listener, log *logrus.Entry) (func(), <-chan error) {
	errHTTPCh := make(chan error, 1)
	go func() {
		defer close(errHTTPCh)

		log.WithField("addr", ln.Addr().String()).Info("starting http server")

		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errHTTPCh <- fmt.Errorf("srv.Serve failed: %w", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("srv.Shutdown failed")
		}

		<-errHTTPCh
		log.Info("http server stopped")
	}, errHTTPCh
}

func openBrowser(url string, log *logrus.Entry) {
	url = fmt.Sprintf("%s?redirect=1", url)
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	if err != nil {
		log.WithError(err).WithField("url", url).Warn("could not open browser automatically, open the link manually")
	}
}
