package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/roomsync/client/channel"
	"github.com/adwski/roomsync/client/config"
	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/client/room"
	apiServer "github.com/adwski/roomsync/client/server/http"
	"github.com/adwski/roomsync/client/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultDialTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl).With().Str("userID", cfg.UserID).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ch, err := dial(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Transport).Msg("failed to open room channel")
	}

	clock := clockwork.NewRealClock()
	bridge := player.NewBridge(player.Config{
		Logger: &logger,
		NewProcess: func() player.Process {
			return player.NewMPV(player.MPVConfig{
				Logger:    &logger,
				Binary:    cfg.Player.Binary,
				SocketDir: cfg.Player.SocketDir,
				Args:      cfg.Player.Args,
			})
		},
		Now: clock.Now,
	})
	sess := session.New(session.Config{
		Logger:         &logger,
		Clock:          clock,
		Self:           model.UserID(cfg.UserID),
		Channel:        ch,
		Bridge:         bridge,
		Sync:           cfg.Sync,
		JoinTimeout:    cfg.Session.JoinTimeout,
		LeaveTimeout:   cfg.Session.LeaveTimeout,
		RequestTimeout: cfg.Session.RequestTimeout,
		ProbeInterval:  cfg.Session.ProbeInterval,
		ProbeTimeout:   cfg.Session.ProbeTimeout,
		ReportInterval: cfg.Session.ReportInterval,
		RetryBackoff:   cfg.Session.RetryBackoff,
	})
	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	sessDone := make(chan struct{})
	go func() {
		if rErr := sess.Run(ctx); rErr != nil {
			errc <- rErr
		}
		close(sessDone)
	}()

	removeObserver, err := sess.OnRosterChanged(func(rc room.RosterChange) {
		logger.Info().
			Str("roomID", string(rc.RoomID)).
			Int("joined", len(rc.Joined)).
			Int("left", len(rc.Left)).
			Int("size", len(rc.Roster)).
			Msg("roster changed")
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to register roster observer")
	} else {
		defer removeObserver()
	}

	api := apiServer.NewServer(apiServer.Config{
		Logger:     &logger,
		Session:    sess,
		ListenAddr: cfg.APIListenAddr,
	})
	wg.Add(1)
	go api.Run(ctx, wg, errc)

	if cfg.Path != "" {
		w, wErr := config.NewWatcher(config.WatcherConfig{
			Logger: &logger,
			Path:   cfg.Path,
			Tuner:  sess,
		})
		if wErr != nil {
			logger.Error().Err(wErr).Msg("config hot reload disabled")
		} else {
			wg.Add(1)
			go w.Run(ctx, wg, errc)
		}
	}

	if cfg.DebugDump {
		wg.Add(1)
		go dumpUpdates(ctx, wg, sess.Subscribe(), &logger)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected error, shutting down")
	case <-sessDone:
		logger.Warn().Msg("session stopped")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	_ = sess.Close()
	wg.Wait()
}

func dial(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (channel.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if cfg.Transport == config.TransportNATS {
		return channel.DialNATS(ctx, channel.NATSConfig{
			Logger:        logger,
			URL:           cfg.NATSURL,
			UserID:        cfg.UserID,
			SubjectPrefix: cfg.SubjectPrefix,
		})
	}
	return channel.DialWebsocket(ctx, channel.WebsocketConfig{
		Logger: logger,
		URL:    cfg.ServerURL,
		UserID: cfg.UserID,
	})
}

func dumpUpdates(ctx context.Context, wg *sync.WaitGroup, sub *session.Subscription, logger *zerolog.Logger) {
	defer func() {
		sub.Close()
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			logger.Trace().Msg(spew.Sdump(u))
		}
	}
}
