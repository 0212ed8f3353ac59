// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/foyer-project/foyer/department"
	"github.com/foyer-project/foyer/directory"
	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/process"
	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/lib/secret"
	"github.com/foyer-project/foyer/lib/version"
	"github.com/foyer-project/foyer/messaging"
	"github.com/foyer-project/foyer/provision"
	"github.com/foyer-project/foyer/relay"
	"github.com/foyer-project/foyer/router"
	"github.com/foyer-project/foyer/store"
	"github.com/foyer-project/foyer/transport/telegram"
)

// telegramChannelKey is the space directory key conversation rooms are
// filed under.
const telegramChannelKey = "telegram"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the config file (overrides FOYER_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("foyer")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !hasChannel(cfg, telegramChannelKey) {
		return fmt.Errorf("config: spaces.channels must include a %q channel", telegramChannelKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// One Matrix client per homeserver; departments commonly share
	// the bridge's homeserver.
	clients := make(map[string]*messaging.Client)
	clientFor := func(homeserverURL string) (*messaging.Client, error) {
		if client, ok := clients[homeserverURL]; ok {
			return client, nil
		}
		client, err := messaging.NewClient(messaging.ClientConfig{
			HomeserverURL: homeserverURL,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		// Unauthenticated reachability check: a wrong URL fails here
		// with a clear error instead of on the first session call.
		versions, err := client.ServerVersions(ctx)
		if err != nil {
			return nil, fmt.Errorf("homeserver %s unreachable: %w", homeserverURL, err)
		}
		logger.Debug("homeserver reachable",
			"homeserver", homeserverURL,
			"versions", versions.Versions,
		)
		clients[homeserverURL] = client
		return client, nil
	}

	spaceSession, err := openSession(ctx, clientFor, cfg.Spaces.Homeserver, cfg.Spaces.UserID, cfg.Spaces.TokenFile)
	if err != nil {
		return fmt.Errorf("spaces session: %w", err)
	}
	defer spaceSession.Close()

	deptSessions := make(map[string]messaging.Session, len(cfg.Departments))
	for _, deptCfg := range cfg.Departments {
		session, err := openSession(ctx, clientFor, deptCfg.Homeserver, deptCfg.BotUserID, deptCfg.TokenFile)
		if err != nil {
			return fmt.Errorf("department %s session: %w", deptCfg.ID, err)
		}
		defer session.Close()
		deptSessions[deptCfg.ID] = session
	}

	registry, err := department.FromConfig(cfg.Departments)
	if err != nil {
		return err
	}

	dir, err := directory.New(directory.Config{
		Session:    spaceSession,
		ServerName: cfg.Spaces.ServerName,
		Root:       cfg.Spaces.Root,
		Channels:   cfg.Spaces.Channels,
		Logger:     logger,
		Clock:      clk,
	})
	if err != nil {
		return err
	}

	provisioner, err := provision.New(provision.Config{
		Directory:    dir,
		Sessions:     deptSessions,
		SpaceSession: spaceSession,
		ChannelKey:   telegramChannelKey,
		ServerName:   cfg.Spaces.ServerName,
		Logger:       logger,
		Clock:        clk,
	})
	if err != nil {
		return err
	}

	messageRelay, err := relay.New(relay.Config{
		Sessions: deptSessions,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var conversationStore *store.Store
	if cfg.Store.Path != "" {
		conversationStore, err = store.Open(store.Config{
			Path:   cfg.Store.Path,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer conversationStore.Close()
	}

	telegramToken, err := secret.ReadFromPath(cfg.Telegram.TokenFile)
	if err != nil {
		return fmt.Errorf("telegram token: %w", err)
	}
	bot, err := telegram.New(telegram.Config{
		Token:       telegramToken,
		PollTimeout: cfg.Telegram.PollTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer bot.Close()

	conversationRouter, err := router.New(router.Config{
		Registry:    registry,
		Provisioner: provisioner,
		Relay:       messageRelay,
		Outbound:    bot,
		Store:       conversationStore,
		SessionTTL:  cfg.Router.SessionTTL.Std(),
		Logger:      logger,
		Clock:       clk,
	})
	if err != nil {
		return err
	}
	defer conversationRouter.Close()

	records, err := conversationStore.LoadAll(ctx)
	if err != nil {
		return err
	}
	conversationRouter.Restore(records)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return bot.Run(groupCtx, conversationRouter)
	})
	for deptID, session := range deptSessions {
		stream := messaging.NewEventStream(session, logger.With("department", deptID))
		group.Go(func() error {
			return stream.Run(groupCtx, conversationRouter.HandleMatrixEvent)
		})
	}

	logger.Info("foyer bridge running",
		"departments", registry.Len(),
		"homeserver", cfg.Spaces.Homeserver,
		"persistence", conversationStore != nil,
	)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func hasChannel(cfg *config.Config, key string) bool {
	for _, channel := range cfg.Spaces.Channels {
		if channel.Key == key {
			return true
		}
	}
	return false
}

// openSession builds an authenticated session and verifies the token
// against /whoami so a misconfigured credential fails at startup, not
// on the first user message.
func openSession(ctx context.Context, clientFor func(string) (*messaging.Client, error), homeserverURL, userID, tokenFile string) (messaging.Session, error) {
	client, err := clientFor(homeserverURL)
	if err != nil {
		return nil, err
	}
	parsedUserID, err := ref.ParseUserID(userID)
	if err != nil {
		return nil, err
	}
	token, err := secret.ReadFromPath(tokenFile)
	if err != nil {
		return nil, err
	}
	session, err := client.SessionFromToken(parsedUserID, token)
	if err != nil {
		return nil, err
	}
	actual, err := session.WhoAmI(ctx)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	if actual != parsedUserID {
		session.Close()
		return nil, fmt.Errorf("token belongs to %s, config names %s", actual, parsedUserID)
	}
	return session, nil
}
