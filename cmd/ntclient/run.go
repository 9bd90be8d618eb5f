package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lagrange-go/lagrange/internal/config"
	"github.com/lagrange-go/lagrange/internal/logging"
	"github.com/lagrange-go/lagrange/pkg/admin"
	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/session"
	"github.com/lagrange-go/lagrange/pkg/sign"
	"github.com/lagrange-go/lagrange/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	qrPollInterval  = 2 * time.Second
	logoutTimeout   = 5 * time.Second
	qrImageFilename = "qrcode.png"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in and keep the session online",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Uin == 0 {
				return fmt.Errorf("uin is required (set it in %s or %s)", *configPath, config.EnvUin)
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.Configure("ntclient", cfg.LogLevel, cfg.LogPretty)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	guid, err := store.EnsureDeviceGUID(ctx, cfg.Uin, protocol.NewDeviceInfo(cfg.Uin, "").GUID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := session.NewClient(cfg.Uin, clientOptions(cfg, guid, reg, &logger))
	defer client.Close()

	if err := restoreToken(ctx, store, client); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchEvents(gctx, client, store, cfg.DataDir, logger) })
	g.Go(func() error { return keepOnline(gctx, client, cfg.Password, logger) })
	if cfg.AdminAddr != "" {
		srv := admin.NewServer(client, admin.Config{Addr: cfg.AdminAddr, Gatherer: reg})
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()

	logger.Info().Msg("shutting down")
	lctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if lerr := client.Logout(lctx, false); lerr != nil {
		logger.Warn().Err(lerr).Msg("logout")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func clientOptions(cfg config.Config, guid string, reg prometheus.Registerer, logger *zerolog.Logger) session.Options {
	opts := session.DefaultOptions()
	opts.Platform = cfg.Platform
	opts.GUID = guid
	opts.Servers = cfg.Servers
	opts.Host = cfg.ServerHost
	opts.Port = cfg.ServerPort
	opts.HeartbeatInterval = cfg.HeartbeatInterval
	opts.SsoHeartbeatInterval = cfg.SsoHeartbeatInterval
	opts.ReconnectDelay = cfg.ReconnectDelay
	opts.RequestTimeout = cfg.RequestTimeout
	opts.Metrics = session.NewMetrics(reg)
	opts.Logger = logger

	if cfg.AutoServer {
		opts.ServerLister = network.DNSServerList{Resolver: cfg.DNSServer}
	}
	if cfg.SignAPI != "" {
		opts.Signer = sign.Restrict(sign.NewHTTPSigner(cfg.SignAPI, cfg.RequestTimeout), sign.DefaultCommands)
	}
	return opts
}

func restoreToken(ctx context.Context, store *storage.TokenStore, client *session.Client) error {
	rec, err := store.LoadToken(ctx, client.Uin())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	token, err := session.ParseToken([]byte(rec.Token))
	if err != nil {
		return fmt.Errorf("stored token for %d: %w", rec.Uin, err)
	}
	client.SetToken(token)
	return nil
}

// keepOnline logs in, polls a pending QR code until it resolves, then waits
// for shutdown.
func keepOnline(ctx context.Context, client *session.Client, password string, logger zerolog.Logger) error {
	if err := client.Login(ctx, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	ticker := time.NewTicker(qrPollInterval)
	defer ticker.Stop()
	for client.State() == session.StateAuthQr {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		res, err := client.QrCodeLogin(ctx)
		if err != nil {
			return fmt.Errorf("qrcode login: %w", err)
		}
		logger.Debug().Stringer("result", res).Msg("qrcode polled")
	}

	<-ctx.Done()
	return nil
}

// watchEvents persists tokens and surfaces what needs a human. A kick ends
// the process.
func watchEvents(ctx context.Context, client *session.Client, store *storage.TokenStore, dataDir string, logger zerolog.Logger) error {
	for {
		var ev session.Event
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-client.Events():
			if !ok {
				return nil
			}
			ev = e
		}

		switch e := ev.(type) {
		case session.QrCodeEvent:
			path := filepath.Join(dataDir, qrImageFilename)
			if err := os.WriteFile(path, e.Image, 0o600); err != nil {
				logger.Error().Err(err).Msg("write qrcode")
				continue
			}
			logger.Info().Str("path", path).Msg("scan the qr code to log in")
		case session.TokenEvent:
			changed, err := store.SaveToken(ctx, client.Uin(), client.Uid(), e.Token)
			if err != nil {
				logger.Error().Err(err).Msg("save token")
				continue
			}
			logger.Debug().Bool("changed", changed).Msg("token saved")
		case session.TokenInvalidEvent:
			if err := store.DeleteToken(ctx, client.Uin()); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Error().Err(err).Msg("delete token")
			}
		case session.OnlineEvent:
			logger.Info().Str("nickname", e.Nickname).Int("age", e.Age).Msg("online")
		case session.SliderEvent:
			logger.Warn().Str("url", e.URL).Msg("captcha required")
		case session.VerifyEvent:
			logger.Warn().Str("url", e.URL).Str("phone", e.Phone).Msg("device verification required")
		case session.NetworkErrorEvent:
			logger.Warn().Int("code", e.Code).Msg(e.Message)
		case session.LoginErrorEvent:
			logger.Warn().Int("code", e.Code).Msg(e.Message)
		case session.QrErrorEvent:
			logger.Warn().Stringer("result", e.Result).Msg(e.Message)
		case session.SSOEvent:
			logger.Debug().Str("cmd", e.Command).Int32("seq", e.Seq).Int("len", len(e.Payload)).Msg("push")
		case session.KickoffEvent:
			return fmt.Errorf("%w: %s", session.ErrKickedOff, e.Reason)
		}
	}
}

func openStore(cfg config.Config) (*storage.TokenStore, error) {
	return storage.OpenTokenStore(filepath.Join(cfg.DataDir, "ntclient.db"))
}
