package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harunnryd/callscript/pkg/callscript"
	"github.com/harunnryd/callscript/pkg/configutil"
	"github.com/harunnryd/callscript/pkg/controlpanel"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/runner"
	"github.com/harunnryd/callscript/pkg/script"
	"github.com/harunnryd/callscript/pkg/transports"
	"github.com/harunnryd/callscript/pkg/transports/local"
	twiliotransport "github.com/harunnryd/callscript/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "examples/gatekeeper/config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	dialTo := flag.String("dial-to", "", "place an outbound call to this number after startup")
	dialFrom := flag.String("dial-from", "", "caller id for -dial-to")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	if err := run(*configPath, *dialTo, *dialFrom); err != nil {
		slog.Error("callscript_failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, dialTo, dialFrom string) error {
	cfg, err := callscript.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.Observability.LogLevel), cfg.Observability.LogFormat)
	slog.SetDefault(logger)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	doc, err := script.LoadDocument(cfg.Script.Path)
	if err != nil {
		return err
	}
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := callscript.NewEngine(callscript.EngineOptions{
		Config:    cfg,
		Document:  doc,
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	controlpanel.New(engine, logger).Register(e)
	if router, ok := transport.(transports.Router); ok {
		router.Register(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return err
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", cfg.Server.Addr)
		serverErrors <- e.Start(cfg.Server.Addr)
	}()

	if dialTo != "" {
		res, err := engine.StartConversation(ctx, callscript.StartRequest{To: dialTo, From: dialFrom})
		if err != nil {
			logger.Error("outbound_dial_failed", "error", err)
		} else {
			logger.Info("outbound_dial_started", "call_sid", res.CallSID)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", "error", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown_signal", "signal", sig.String())
	}

	// Drain calls before the server goes so media streams can finish.
	stopErr := engine.Stop()
	if errors.Is(stopErr, runner.ErrDrainTimeout) {
		logger.Warn("drain_timeout", "timeout_ms", cfg.Server.DrainTimeoutMS)
		stopErr = nil
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err)
	}
	return stopErr
}

func buildTransport(cfg callscript.Config, logger *slog.Logger) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "twilio":
		var tc twiliotransport.Config
		err := configutil.Decode("twilio", cfg.Twilio, configutil.Schema{
			Required: []string{"account_sid", "auth_token", "public_url"},
			Optional: []string{"server_addr", "from_number", "voice_path", "ws_path", "status_callback_path",
				"voice_greeting", "allow_any_origin", "allowed_origins"},
		}, &tc)
		if err != nil {
			return nil, err
		}
		tc.ServerAddr = cfg.Server.Addr
		logger.Info("twilio_configured",
			"account_sid", redact.Secret(tc.AccountSID),
			"auth_token", redact.Secret(tc.AuthToken),
			"public_url", tc.PublicURL,
			"from_number", redact.Text(tc.FromNumber))
		t := twiliotransport.New(tc)
		t.SetLogger(logger)
		return t, nil
	default:
		var lc local.Config
		if err := configutil.Decode("local", cfg.Local, configutil.Schema{Optional: []string{"playback_delay"}}, &lc); err != nil {
			return nil, err
		}
		t := local.New(lc)
		t.SetLogger(logger)
		return t, nil
	}
}
