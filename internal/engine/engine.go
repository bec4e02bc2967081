// Package engine assembles the runtime: interceptor, browser session,
// profile pool, request queue and the background watchers, and exposes the
// lifecycle and health view the API server and the main binary consume.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/apikey"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/assembler"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/fc"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/pool"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/queue"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/registry"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/streamproxy"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/watcher"
)

// keyFileName is the API key file inside the auth directory.
const keyFileName = "key.txt"

const (
	startupTimeout      = 90 * time.Second
	parkedRetryInterval = 30 * time.Second
)

// Engine owns every long-lived component of the proxy.
type Engine struct {
	cfg        *config.Config
	configPath string

	Keys     *apikey.Store
	Session  *browser.Session
	Pool     *pool.Pool
	Queue    *queue.Queue
	Worker   *queue.Worker
	Registry *registry.Registry

	orchestrator *fc.Orchestrator
	certs        *streamproxy.CertManager
	interceptor  *streamproxy.Interceptor
	assembler    *assembler.Assembler
	watchdog     *pool.Watchdog
	watcher      *watcher.Watcher

	cancel context.CancelFunc
}

// New wires the engine around the injected browser facade. Nothing is
// started yet; Start does the side-effecting work.
func New(cfg *config.Config, configPath string, facade browser.Facade) (*Engine, error) {
	ledger, err := pool.NewLedger(cfg.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("engine: ledger: %w", err)
	}
	profilePool, err := pool.NewPool(cfg, ledger)
	if err != nil {
		return nil, fmt.Errorf("engine: pool: %w", err)
	}

	certs, err := streamproxy.NewCertManager(cfg.CertsDir)
	if err != nil {
		return nil, fmt.Errorf("engine: certs: %w", err)
	}
	var interceptor *streamproxy.Interceptor
	if cfg.StreamPort > 0 {
		interceptor, err = streamproxy.New(cfg.StreamPort, certs, "")
		if err != nil {
			_ = certs.Close()
			return nil, fmt.Errorf("engine: interceptor: %w", err)
		}
	}

	session := browser.NewSession(facade)
	asm := assembler.New(cfg, interceptor, facade)
	orchestrator := fc.NewOrchestrator(cfg)
	requestQueue := queue.NewQueue()

	e := &Engine{
		cfg:          cfg,
		configPath:   configPath,
		Keys:         apikey.NewStore(filepath.Join(cfg.AuthDir, keyFileName)),
		Session:      session,
		Pool:         profilePool,
		Queue:        requestQueue,
		Registry:     registry.New(cfg),
		orchestrator: orchestrator,
		certs:        certs,
		interceptor:  interceptor,
		assembler:    asm,
		watchdog:     pool.NewWatchdog(profilePool, time.Duration(cfg.WatchdogIntervalS)*time.Second),
	}
	e.Worker = queue.NewWorker(cfg, requestQueue, session, profilePool, orchestrator, asm, e.canary, e.commit)
	return e, nil
}

// Start brings the engine up: interceptor, page, initial profile, model
// registry, worker loop, watchdog and file watcher.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.Keys.Reload(); err != nil {
		log.Warnf("engine: API key file: %v (auth disabled until keys exist)", err)
	}

	if e.interceptor != nil {
		if err := e.interceptor.Start(runCtx); err != nil {
			return err
		}
	}

	startCtx, cancelStart := context.WithTimeout(runCtx, startupTimeout)
	defer cancelStart()

	if err := e.Session.Facade().OpenPage(startCtx); err != nil {
		return fmt.Errorf("engine: open page: %w", err)
	}
	if active := e.Pool.Active(); active != nil {
		if err := e.Session.Facade().ActivateProfile(startCtx, active.Path); err != nil {
			log.Warnf("engine: initial profile %s failed to activate: %v", active.ID, err)
		}
	}
	e.refreshModels(startCtx)

	go e.Worker.Run(runCtx)
	go e.superviseWorker(runCtx)
	e.watchdog.Start(runCtx)

	var err error
	e.watcher, err = watcher.New(e.configPath, e.Keys.Path(), e.cfg.AuthDir, watcher.Callbacks{
		OnConfigChange:   e.reloadConfig,
		OnKeysChange:     e.reloadKeys,
		OnProfilesChange: e.rescanProfiles,
	})
	if err != nil {
		return fmt.Errorf("engine: watcher: %w", err)
	}
	if err = e.watcher.Start(runCtx); err != nil {
		log.Warnf("engine: watcher start: %v (hot reload disabled)", err)
	}

	log.Info("engine: started")
	return nil
}

// Stop shuts everything down in reverse order.
func (e *Engine) Stop(ctx context.Context) {
	e.Queue.Close()
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		_ = e.watcher.Stop()
	}
	if e.interceptor != nil {
		_ = e.interceptor.Stop(ctx)
	}
	_ = e.certs.Close()
	log.Info("engine: stopped")
}

// InterceptorCACertPath is the CA the browser profile must trust.
func (e *Engine) InterceptorCACertPath() string {
	return e.certs.CACertPath()
}

// Health is the snapshot served on /health.
type Health struct {
	BrowserConnected bool   `json:"browser_connected"`
	PageReady        bool   `json:"page_ready"`
	WorkerRunning    bool   `json:"worker_running"`
	WorkerParked     bool   `json:"worker_parked"`
	QueueLength      int    `json:"queue_length"`
	DeploymentMode   string `json:"deployment_mode"`
	ActiveProfile    string `json:"active_profile,omitempty"`
	InterceptorUp    bool   `json:"interceptor_up"`
}

// Health reports the live component states.
func (e *Engine) Health() Health {
	h := Health{
		BrowserConnected: e.Session.Facade().Connected(),
		PageReady:        e.Session.Facade().PageReady(),
		WorkerRunning:    e.Worker.Running(),
		WorkerParked:     e.Worker.Parked(),
		QueueLength:      e.Queue.Len(),
		DeploymentMode:   string(e.Pool.Mode()),
	}
	if active := e.Pool.Active(); active != nil {
		h.ActiveProfile = active.ID
	}
	if e.interceptor != nil {
		h.InterceptorUp = e.interceptor.Healthy()
	}
	return h
}

// superviseWorker polls for a parked worker and tries to bring the page
// back: reopen, reactivate the current profile, then unpark. Until that
// succeeds the worker keeps answering 503.
func (e *Engine) superviseWorker(ctx context.Context) {
	ticker := time.NewTicker(parkedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.Worker.Parked() {
			continue
		}

		log.Warn("engine: worker parked, attempting page recovery")
		recCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := e.Session.Facade().OpenPage(recCtx)
		if err == nil {
			if active := e.Pool.Active(); active != nil {
				err = e.Session.Facade().ActivateProfile(recCtx, active.Path)
			}
		}
		cancel()
		if err != nil {
			log.Errorf("engine: page recovery failed: %v", err)
			continue
		}

		e.Session.InvalidateModel()
		e.Session.ResetDeclarations()
		e.Worker.Unpark()
		log.Info("engine: worker unparked after page recovery")
	}
}

// canary activates a rotation candidate and probes it with a model listing,
// the cheapest page operation that requires working credentials.
func (e *Engine) canary(ctx context.Context, profile *pool.Profile) error {
	if err := e.Session.Facade().ActivateProfile(ctx, profile.Path); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if _, err := e.Session.Facade().ListModels(ctx); err != nil {
		return fmt.Errorf("model probe: %w", err)
	}
	return nil
}

// commit finalizes a rotation: the candidate is already active in the
// browser, so only the registry view needs refreshing.
func (e *Engine) commit(ctx context.Context, profile *pool.Profile) error {
	e.refreshModels(ctx)
	log.Infof("engine: committed profile %s", profile.ID)
	return nil
}

func (e *Engine) refreshModels(ctx context.Context) {
	models, err := e.Session.Facade().ListModels(ctx)
	if err != nil {
		log.Warnf("engine: model listing failed: %v", err)
		return
	}
	e.Registry.UpdateObserved(models)
}

func (e *Engine) reloadConfig() {
	cfg, err := config.LoadConfig(e.configPath)
	if err != nil {
		log.Errorf("engine: config reload rejected: %v", err)
		return
	}
	// Only the cheaply swappable settings take effect without a restart.
	e.cfg.FunctionCalling = cfg.FunctionCalling
	e.cfg.ModelCapabilities = cfg.ModelCapabilities
	e.cfg.InjectedModels = cfg.InjectedModels
	e.cfg.Debug = cfg.Debug
	if e.cfg.ExcludedModelsFile != "" {
		if err = e.Registry.LoadExclusions(e.cfg.ExcludedModelsFile); err != nil {
			log.Warnf("engine: exclusion reload: %v", err)
		}
	}
	log.Info("engine: config reloaded")
}

func (e *Engine) reloadKeys() {
	if err := e.Keys.Reload(); err != nil {
		log.Errorf("engine: key reload failed: %v", err)
	}
}

func (e *Engine) rescanProfiles() {
	if err := e.Pool.Rescan(); err != nil {
		log.Errorf("engine: profile rescan failed: %v", err)
	}
}
