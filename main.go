package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/milinda/switchfan/api"
	"github.com/milinda/switchfan/hass"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, error := config.Build()

	if error != nil {
		log.Panic("Cannot initialize logger.", error)
	}

	return logger
}

func run(ctx context.Context, c *Configuration) error {
	client, err := hass.Dial(ctx, hass.Config{URL: c.HomeAssistant.Url, Token: c.HomeAssistant.Token, Logger: zap.L()})
	if err != nil {
		return err
	}
	defer client.Close()

	fans, err := newSwitchFans(c, client)
	if err != nil {
		return err
	}

	b := &Bridge{cfg: c, hass: client, fans: fans}
	defer b.shutdown()

	if c.Broker != nil {
		if err := b.setupDiscovery(); err != nil {
			return err
		}
	}

	if c.HomeKit != nil {
		zap.S().Infof("HomeKit pin: %s", c.HomeKit.Pin)

		if err := b.setupHomeKit(); err != nil {
			return err
		}
	}

	if err := b.attach(ctx); err != nil {
		return err
	}

	applyMemberVisibility(ctx, client, c.Fans)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(ctx)
	})

	for _, transport := range b.transports {
		transport := transport
		g.Go(func() error {
			b.startTransport(transport)
			return nil
		})
	}

	if c.HTTP != nil {
		handlerFans := make([]api.Fan, 0, len(fans))
		for _, fan := range fans {
			handlerFans = append(handlerFans, fan)
		}

		server := &http.Server{Addr: c.HTTP.Listen, Handler: api.New(handlerFans, zap.L())}

		g.Go(func() error {
			zap.S().Infof("HTTP API listening on %s", c.HTTP.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		b.stopTransports()
		return nil
	})

	return g.Wait()
}

func main() {
	var config *Configuration
	var err error

	logger := createLogger()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	configPath := flag.String("config-path", "switchfan.hcl", "Configuration file path")
	flag.Parse()

	config, err = ParseConfig(*configPath)
	if err != nil {
		zap.S().Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quitChannel := make(chan os.Signal, 1)
	signal.Notify(quitChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quitChannel
		zap.S().Info("switchfan exiting...")
		cancel()
	}()

	if err := run(ctx, config); err != nil && !errors.Is(err, context.Canceled) {
		zap.S().Fatal(err)
	}
}
