package main

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"twitchdropsfarmer/internal/config"
	"twitchdropsfarmer/internal/inventory"
	"twitchdropsfarmer/internal/notifier"
	"twitchdropsfarmer/internal/platform"
	"twitchdropsfarmer/internal/pulser"
	"twitchdropsfarmer/internal/scheduler"
	"twitchdropsfarmer/internal/web"

	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	settingsPath := filepath.Join(cfg.DataDir, "settings.json")
	settings, err := config.NewSettingsStore(settingsPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load settings store")
	}

	proxy, err := resolveProxyURL(cfg, settings)
	if err != nil {
		logrus.WithError(err).Fatal("invalid proxy configuration")
	}
	if proxy != nil {
		logrus.WithField("proxy", config.MaskProxyURL(proxy)).Info("routing platform requests through proxy")
	}

	clientInfo := platform.ClientAndroidApp
	if cfg.TwitchClientID != "" {
		clientInfo.ClientID = cfg.TwitchClientID
	}
	session, err := loadOrAuthenticate(ctx, cfg, proxy, clientInfo)
	if err != nil {
		logrus.WithError(err).Fatal("authentication failed")
	}

	client := platform.NewClient(session, clientInfo, proxy)
	if err := client.InitCookies(ctx); err != nil {
		logrus.WithError(err).Warn("cookie initialization failed, continuing without unique-id cookie")
	}

	newPulser := func() *pulser.Pulser {
		return pulser.New(clientInfo, session.DeviceID, session.UserID, proxy)
	}

	sched := scheduler.New(client, newPulser, settings, notifier.NewLoggingNotifier())
	invStore := inventory.NewStore(filepath.Join(cfg.DataDir, "inventory.json"))
	if err := sched.AttachInventoryStore(invStore); err != nil {
		logrus.WithError(err).Warn("failed to load persisted inventory snapshot")
	}

	staticDir := "./web/static"
	if _, err := os.Stat(staticDir); err != nil {
		staticDir = ""
	}
	server := web.NewServer(sched, settings, staticDir)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		logrus.WithField("addr", cfg.ListenAddress).Info("starting control surface")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("control surface failed")
		}
	}()

	broadcastTicker := time.NewTicker(5 * time.Second)
	defer broadcastTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-broadcastTicker.C:
				server.BroadcastStatus()
			}
		}
	}()

	go sched.Run(ctx)

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("control surface forced to shutdown")
	}

	logrus.Info("shutdown complete")
}

// resolveProxyURL prefers an explicit PROXY_URL environment override, then
// falls back to whatever the user previously saved in settings.
func resolveProxyURL(cfg *config.Config, settings *config.SettingsStore) (*neturl.URL, error) {
	if cfg.ProxyURL != "" {
		return config.ParseProxyURL(cfg.ProxyURL)
	}
	s := settings.Get()
	if s.ProxyURL != nil && *s.ProxyURL != "" {
		return config.ParseProxyURL(*s.ProxyURL)
	}
	return nil, nil
}

// loadOrAuthenticate reloads a persisted session from disk, falling back to
// a fresh Device Authorization Grant (spec.md §4.1) when none can be loaded
// (missing or unparseable file). A loaded session is not validated against
// the platform.
func loadOrAuthenticate(ctx context.Context, cfg *config.Config, proxy *neturl.URL, clientInfo platform.ClientInfo) (*platform.Session, error) {
	sessionPath := filepath.Join(cfg.DataDir, "auth.json")

	if session, err := platform.LoadSession(sessionPath); err == nil {
		logrus.WithField("login", session.Login).Info("reusing persisted session")
		return session, nil
	}

	credSession := platform.NewCredentialSession(clientInfo, proxy)
	deviceID, err := credSession.Init(ctx)
	if err != nil {
		logrus.WithError(err).Warn("failed to derive device id from platform homepage, generating one")
	}

	session, err := credSession.Authenticate(ctx, deviceID, func(userCode, verificationURI string) {
		fmt.Printf("To authorize this client, open %s and enter code: %s\n", verificationURI, userCode)
		logrus.WithFields(logrus.Fields{
			"user_code":        userCode,
			"verification_uri": verificationURI,
		}).Info("waiting for device authorization")
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	if err := platform.SaveSession(sessionPath, session); err != nil {
		logrus.WithError(err).Warn("failed to persist session to disk")
	}

	return session, nil
}
