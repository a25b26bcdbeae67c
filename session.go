package main

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/aluedeke/go-sideload/internal/applecerts"
	"github.com/aluedeke/go-sideload/internal/config"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/gsa"
)

var stdin = bufio.NewReader(os.Stdin)

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	dir, _ := opts.String("--config")
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if id, _ := opts.String("--apple-id"); id != "" {
		cfg.AppleID = id
	}
	return cfg, nil
}

// trustPool is the Apple-extended system pool plus the configured anchor.
// Failing to load it is the one error that ends the process outright.
func trustPool(cfg *config.Config, log zerolog.Logger) *x509.CertPool {
	pool, err := applecerts.TrustPool()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load the Apple trust anchor")
	}
	if cfg.TrustAnchor == "" {
		return pool
	}
	data, err := os.ReadFile(cfg.TrustAnchor)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.TrustAnchor).Msg("failed to read trust anchor")
	}
	if !pool.AppendCertsFromPEM(data) {
		log.Fatal().Str("path", cfg.TrustAnchor).Msg("trust anchor holds no PEM certificates")
	}
	return pool
}

func login(ctx context.Context, cfg *config.Config, opts docopt.Opts, log zerolog.Logger) (*gsa.Session, error) {
	anisette := gsa.NewCachingAnisette(&gsa.RemoteAnisette{URL: cfg.AnisetteURL})
	client, err := gsa.NewClient(gsa.Config{
		ServiceURL:   cfg.GSAURL,
		AuthURL:      cfg.AuthURL,
		TrustAnchors: trustPool(cfg, log),
		Logger:       log,
	}, anisette)
	if err != nil {
		return nil, err
	}

	creds := func(ctx context.Context) (string, string, error) {
		username := cfg.AppleID
		if username == "" {
			var err error
			if username, err = readLine(ctx, "Apple ID: "); err != nil {
				return "", "", err
			}
		}
		password := cfg.Password
		if password == "" {
			var err error
			if password, err = readPassword("Password: "); err != nil {
				return "", "", err
			}
		}
		return username, password, nil
	}
	prompt := func(ctx context.Context) (string, error) {
		return readLine(ctx, "Verification code: ")
	}

	session, err := client.Login(ctx, creds, prompt)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("dsid", session.DSID()).Msg("logged in")
	return session, nil
}

func newPortal(cfg *config.Config, session *gsa.Session, log zerolog.Logger) (*developer.Client, error) {
	return developer.NewClient(developer.Config{
		BaseURL:      cfg.PortalURL,
		TrustAnchors: trustPool(cfg, log),
		RateLimit:    cfg.PortalRateLimit,
		Logger:       log,
	}, session)
}

// readLine prompts on stderr and reads one line from stdin. It gives up
// when ctx is done; the pending read is abandoned.
func readLine(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := stdin.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.line == "" {
			return "", fmt.Errorf("failed to read input: %w", r.err)
		}
		return r.line, nil
	}
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(data), nil
}
