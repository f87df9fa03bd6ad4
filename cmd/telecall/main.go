package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/api"
	"github.com/curevia/telecall/internal/call"
	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
	"github.com/curevia/telecall/internal/media"
	"github.com/curevia/telecall/internal/notify"
	"github.com/curevia/telecall/internal/peer"
	"github.com/curevia/telecall/internal/signaling"
)

// Application holds all components of the call client.
type Application struct {
	config   *config.Config
	log      *zap.Logger
	devices  *media.Manager
	machine  *call.Machine
	notifier *notify.Notifier
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		mode           = flag.String("mode", "callee", "demo mode: caller or callee")
		consultationID = flag.String("consultation", "", "consultation id (caller mode)")
		receiverID     = flag.String("receiver", "", "receiver user id (caller mode)")
		callType       = flag.String("type", "video", "call type: audio or video")
		debug          = flag.Bool("debug", false, "verbose logging")
	)
	flag.StringVar(&cfg.APIBaseURL, "api-url", cfg.APIBaseURL, "REST API base URL")
	flag.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "per-call signaling websocket URL")
	flag.StringVar(&cfg.NotifyURL, "notify-url", cfg.NotifyURL, "per-user notification websocket URL")
	flag.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "bearer auth token")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	app, err := NewApplication(cfg, logger, *mode)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *mode, *consultationID, *receiverID, media.CallType(*callType)); err != nil {
		logger.Fatal("application failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(cfg *config.Config, logger *zap.Logger, mode string) (*Application, error) {
	capturer, err := media.NewDeviceCapturer(cfg.MediaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create device capturer: %w", err)
	}

	devices, err := media.NewManager(capturer, cfg.ReleaseRetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media manager: %w", err)
	}

	client := api.NewClient(cfg, logger)

	dialSignal := func(ctx context.Context, callID string, events signaling.Events) (call.SignalChannel, error) {
		conn, err := signaling.Dial(ctx, cfg.SignalingURL, callID, cfg.AuthToken, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		return signaling.NewChannel(callID, conn, events, logger), nil
	}

	newNegotiator := func() call.Negotiator {
		return peer.NewCoordinator(cfg.ICEServers, cfg.MediaConfig, capturer.CodecSelector(), cfg.HealthCheck, logger)
	}

	app := &Application{config: cfg, log: logger, devices: devices}

	ui := call.UIEvents{
		OnError: func(err error) {
			logger.Error("call error", zap.Error(err),
				zap.String("user_message", callerr.KindOf(err).UserMessage()))
		},
		OnRemoteTrack: func(t *webrtc.TrackRemote) {
			// A real UI attaches this to a rendering surface; the demo
			// binary just confirms media is flowing.
			logger.Info("remote track received",
				zap.String("kind", t.Kind().String()),
				zap.String("codec", t.Codec().MimeType))
		},
		OnStateChange: func(s call.State) {
			logger.Info("call state changed", zap.Stringer("state", s))
		},
		OnDuration: func(d time.Duration) {
			logger.Debug("call duration", zap.Duration("elapsed", d.Truncate(time.Second)))
		},
	}
	if mode == "callee" {
		// Demo mode answers every ring; a real UI would prompt first.
		ui.OnIncomingCall = func(c api.Call) {
			logger.Info("auto-accepting incoming call",
				zap.String("call_id", c.ID), zap.String("caller_id", c.CallerID))
			go func() {
				if err := app.machine.AcceptIncoming(context.Background()); err != nil {
					logger.Error("failed to accept call", zap.Error(err))
				}
			}()
		}
	} else {
		ui.OnIncomingCall = func(c api.Call) {
			logger.Info("incoming call ignored in caller mode", zap.String("call_id", c.ID))
		}
	}

	machine, err := call.NewMachine(client, devices, dialSignal, newNegotiator, ui, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create call machine: %w", err)
	}
	app.machine = machine
	app.notifier = notify.New(cfg, machine.NotifyHandlers(), logger)
	return app, nil
}

func (app *Application) Run(ctx context.Context, mode, consultationID, receiverID string, callType media.CallType) error {
	notifyErr := make(chan error, 1)
	go func() {
		notifyErr <- app.notifier.Listen(ctx)
	}()

	// Pick up a call that survived a previous process before starting a new
	// one.
	if err := app.machine.Resume(ctx); err != nil {
		app.log.Warn("resume failed", zap.Error(err))
	}

	if mode == "caller" {
		if consultationID == "" || receiverID == "" {
			return fmt.Errorf("caller mode requires -consultation and -receiver")
		}
		if err := app.machine.Initiate(ctx, consultationID, receiverID, callType); err != nil {
			return fmt.Errorf("failed to initiate call: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		app.log.Info("shutting down")
	case err := <-notifyErr:
		if err != nil && ctx.Err() == nil {
			app.log.Error("notification channel failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.machine.End(shutdownCtx); err != nil {
		app.log.Warn("teardown on shutdown failed", zap.Error(err))
	}
	return nil
}
