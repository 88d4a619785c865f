package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/penpal/internal/auth"
	"github.com/hal9000y/penpal/internal/completion"
	"github.com/hal9000y/penpal/internal/config"
	"github.com/hal9000y/penpal/internal/format"
	"github.com/hal9000y/penpal/internal/gservice"
	"github.com/hal9000y/penpal/internal/imapgw"
	"github.com/hal9000y/penpal/internal/mailer"
	"github.com/hal9000y/penpal/internal/persona"
	"github.com/hal9000y/penpal/internal/poll"
	"github.com/hal9000y/penpal/internal/retry"
	"github.com/hal9000y/penpal/internal/store"
	"github.com/hal9000y/penpal/internal/tool"
)

// gateway is what the mailer needs from a mail provider.
type gateway interface {
	mailer.Source
	mailer.Sender
}

func newMailerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mailer",
		Short: "Ingest the inbox and send pending replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig((*config.Config).ValidateMailer)
			log := mustLogger(os.Stdout, cfg, "mailer")
			return runMailer(cmd.Context(), cfg, log)
		},
	}
}

func runMailer(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store.Open failed: %w", err)
	}
	defer st.Close()

	pub, closePub, err := connectEvents(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer closePub()

	gw, err := newGateway(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	if c, ok := gw.(io.Closer); ok {
		defer c.Close()
	}

	ing := mailer.NewIngester(cfg.Persona.ID, gw, st, log, mailer.WithIngestPublisher(pub))
	disp := mailer.NewDispatcher(mailer.Identity{
		ID:    cfg.Persona.ID,
		Name:  cfg.Persona.Name,
		Email: cfg.Persona.Email,
	}, gw, st, log, mailer.WithDispatchPublisher(pub))
	pause := retry.Jitter(time.Second, time.Second)

	loop := poll.New(cfg.EmailPollingInterval, log, poll.WithFatal(func(err error) bool {
		return errors.Is(err, auth.ErrReauthorize)
	}))

	log.WithField("provider", cfg.MailProvider).Info("mailer started")

	return loop.Run(ctx, func(ctx context.Context, log *logrus.Entry) error {
		in, err := ing.Ingest(ctx)
		if err != nil {
			return fmt.Errorf("ing.Ingest failed: %w", err)
		}
		log.WithFields(logrus.Fields{
			"fetched":  in.Fetched,
			"inserted": in.Inserted,
			"rejected": in.Rejected,
		}).Info("inbox ingested")

		if err := retry.Sleep(ctx, pause()); err != nil {
			return err
		}

		out, err := disp.Dispatch(ctx)
		if err != nil {
			return fmt.Errorf("disp.Dispatch failed: %w", err)
		}
		log.WithFields(logrus.Fields{
			"sent":   out.Sent,
			"failed": out.Failed,
		}).Info("pending replies dispatched")

		return nil
	})
}

func newGateway(ctx context.Context, cfg *config.Config, st *store.Store, log *logrus.Entry) (gateway, error) {
	if cfg.MailProvider == config.ProviderIMAP {
		return imapgw.New(cfg.IMAP, log.WithField("component", "imap")), nil
	}

	tok := auth.NewToken(oauthConfig(cfg, ""), st, cfg.OAuth.Service, log.WithField("component", "oauth"))
	seeded, err := tok.SeedFromFile(ctx, cfg.OAuth.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("tok.SeedFromFile failed: %w", err)
	}
	if seeded {
		log.WithField("file", cfg.OAuth.TokenFile).Info("oauth token imported")
	}

	return gservice.NewGmail(tok, log.WithField("component", "gmail")), nil
}

func oauthConfig(cfg *config.Config, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
}

func newResponderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "responder",
		Short: "Generate replies for new mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig((*config.Config).ValidateResponder)
			log := mustLogger(os.Stdout, cfg, "responder")
			return runResponder(cmd.Context(), cfg, log)
		},
	}
}

func runResponder(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	pc := persona.Config{ID: cfg.Persona.ID, Name: cfg.Persona.Name}
	if cfg.PersonaFile != "" {
		pf, err := config.LoadPersonaFile(cfg.PersonaFile)
		if err != nil {
			return fmt.Errorf("config.LoadPersonaFile failed: %w", err)
		}
		if pf.Name != "" {
			pc.Name = pf.Name
		}
		if pf.Model != "" {
			cfg.Completion.Model = pf.Model
		}
		pc.Locations = pf.Locations
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store.Open failed: %w", err)
	}
	defer st.Close()

	pub, closePub, err := connectEvents(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer closePub()

	llm := completion.New(completion.Config{
		APIKey:    cfg.Completion.APIKey,
		OrgID:     cfg.Completion.OrgID,
		BaseURL:   cfg.Completion.BaseURL,
		Model:     cfg.Completion.Model,
		RetryBase: cfg.Completion.RetryBase,
	}, log.WithField("component", "completion"))

	rt := persona.NewRuntime(pc, st, persona.NewWriter(llm, pc.Name), log,
		persona.WithHTMLConverter(format.Converter{}),
		persona.WithPublisher(pub),
	)

	log.WithField("model", cfg.Completion.Model).Info("responder started")

	return poll.New(cfg.ReplyPollingInterval, log).Run(ctx, func(ctx context.Context, log *logrus.Entry) error {
		n, err := rt.ProcessNew(ctx)
		if n > 0 {
			log.WithField("replies", n).Info("new mail answered")
		}
		return err
	})
}

func newAuthorizeCmd() *cobra.Command {
	var (
		httpAddr string
		oauthURL string
	)

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the Google OAuth consent flow and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig((*config.Config).ValidateAuthorize)
			log := mustLogger(os.Stdout, cfg, "authorize")
			return runAuthorize(cmd.Context(), cfg, httpAddr, oauthURL, log)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "localhost:0", "HTTP server listen addr")
	cmd.Flags().StringVar(&oauthURL, "oauth-url", "", "OAuth redirect URL, defaults to the listen address")

	return cmd
}

func runAuthorize(ctx context.Context, cfg *config.Config, httpAddr, oauthURL string, log *logrus.Entry) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store.Open failed: %w", err)
	}
	defer st.Close()

	ln := mustListen(httpAddr)
	if oauthURL == "" {
		oauthURL = fmt.Sprintf("http://%s/oauth", ln.Addr().String())
	}

	tok := auth.NewToken(oauthConfig(cfg, oauthURL), st, cfg.OAuth.Service, log)
	if _, err := tok.SeedFromFile(ctx, cfg.OAuth.TokenFile); err != nil {
		return fmt.Errorf("tok.SeedFromFile failed: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/oauth", auth.NewHTTPHandler(tok, log))

	stopHTTP, errHTTPCh := serveHTTP(&http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}, ln, log)
	defer stopHTTP()

	if _, err := tok.OAuthToken(ctx); errors.Is(err, auth.ErrTokenNotSet) {
		openBrowser(oauthURL, log)
	} else {
		log.WithField("url", oauthURL).Info("token already stored, open the link to check or replace it")
	}

	select {
	case err := <-errHTTPCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Serve read-only store inspection tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig((*config.Config).ValidateInspect)
			// stdout carries the MCP transport
			log := mustLogger(os.Stderr, cfg, "inspect")
			return runInspect(cmd.Context(), cfg, log)
		},
	}
}

func runInspect(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store.Open failed: %w", err)
	}
	defer st.Close()

	log.Info("starting stdio transport")
	err = tool.NewServer(st, cfg.Persona.ID).Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("srv.Run failed: %w", err)
	}
	log.Info("stdio transport stopped")

	return nil
}
