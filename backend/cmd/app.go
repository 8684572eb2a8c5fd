package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/adwski/roomsync/backend/server/http"
	natsServer "github.com/adwski/roomsync/backend/server/nats"
	websocketServer "github.com/adwski/roomsync/backend/server/websocket"
	"github.com/adwski/roomsync/backend/service"
	store "github.com/adwski/roomsync/backend/storage/memory"
	sw "github.com/adwski/roomsync/backend/switch"
	"github.com/adwski/roomsync/protocol"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket channel listen address")
		natsURL         = fs.StringP("nats-url", "n", "", "nats server url, empty disables the nats channel")
		subjectPrefix   = fs.String("subject-prefix", protocol.DefaultSubjectPrefix, "nats subject prefix")
		natsIdle        = fs.Duration("nats-idle-timeout", natsServer.DefaultIdleTimeout, "nats channel session idle timeout")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		maxParticipants = fs.IntP("max-participants", "m", 0, "room capacity, 0 means unlimited")
		probeTimeout    = fs.Duration("probe-timeout", service.DefaultProbeTimeout, "forwarded ping timeout")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RoomStore:    store.NewMemStore(*maxParticipants),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
		ProbeTimeout: *probeTimeout,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		ChannelService: svc,
		ListenAddr:     *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	if *natsURL != "" {
		natsSrv := natsServer.NewServer(natsServer.Config{
			Logger:         &logger,
			ChannelService: svc,
			URL:            *natsURL,
			SubjectPrefix:  *subjectPrefix,
			IdleTimeout:    *natsIdle,
		})
		wg.Add(1)
		go natsSrv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
