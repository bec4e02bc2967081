package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/api"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/engine"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/logging"
)

const loginURL = "https://aistudio.google.com/prompts/new_chat"

func main() {
	var login bool
	var configPath string
	flag.BoolVar(&login, "login", false, "open the AI Studio login page to capture a new auth profile")
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Warnf("log output: %v", err)
	}

	if login {
		runLogin(cfg)
		return
	}

	facade := browser.NewRemoteFacade(cfg.DriverEndpoint)
	core, err := engine.New(cfg, configPath, facade)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = core.Start(ctx); err != nil {
		log.Fatalf("engine start: %v", err)
	}
	log.Infof("interceptor CA certificate: %s (the browser profile must trust it)", core.InterceptorCACertPath())

	server := api.NewServer(cfg, core)
	go func() {
		if errServe := server.Start(); errServe != nil {
			log.Errorf("api server: %v", errServe)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Warnf("api shutdown: %v", err)
	}
	core.Stop(shutdownCtx)
}

// runLogin opens the login page in the user's own browser. After signing in,
// the captured storage state is saved under auth_profiles/ by the driver
// sidecar; this flow just gets the user to the right page.
func runLogin(cfg *config.Config) {
	log.Infof("opening %s", loginURL)
	if err := browser.OpenURL(loginURL); err != nil {
		log.Errorf("could not open a browser: %v", err)
		log.Infof("open %s manually to sign in", loginURL)
	}
	log.Infof("sign in, then export the session into %s/primary/<name>.json", cfg.AuthDir)
}
