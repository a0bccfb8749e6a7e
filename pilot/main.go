package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/accept"
	"github.com/itskum47/wordpilot/pilot/allocator"
	"github.com/itskum47/wordpilot/pilot/broadcast"
	"github.com/itskum47/wordpilot/pilot/browser"
	"github.com/itskum47/wordpilot/pilot/calendar"
	"github.com/itskum47/wordpilot/pilot/capacity"
	"github.com/itskum47/wordpilot/pilot/journal"
	"github.com/itskum47/wordpilot/pilot/mail"
	"github.com/itskum47/wordpilot/pilot/notify"
	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/queue"
	"github.com/itskum47/wordpilot/pilot/sheet"
	"github.com/itskum47/wordpilot/pilot/sheetsync"
	"github.com/itskum47/wordpilot/pilot/state"
	"github.com/itskum47/wordpilot/pilot/verify"
)

// Exit codes. The supervisor treats 12 as "platform session expired,
// restart after re-login"; anything else nonzero is a crash.
const (
	exitOK           = 0
	exitFatal        = 1
	exitLoginExpired = 12
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := LoadConfig(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return exitOK
		}
		log.WithError(err).Error("configuration invalid")
		return exitFatal
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, staying on info")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.WithError(err).Error("time zone not loadable")
		return exitFatal
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Error("data directory not writable")
		return exitFatal
	}

	cal := calendar.New(filepath.Join(cfg.DataDir, "holidays.json"))
	defer cal.Close()

	capStore := capacity.NewStore(cfg.DataDir, capacity.WithDefaultCap(cfg.DefaultDailyCap))
	history := capacity.NewHistory(filepath.Join(cfg.DataDir, "capacityHistory.json"))
	quota := capacity.NewQuota(filepath.Join(cfg.DataDir, "wordQuota.json"), cfg.QuotaResetHour, cfg.QuotaAlertStep)

	engine := accept.NewEngine(allocator.New(cal, capStore), loc)

	manager := state.NewManager(filepath.Join(cfg.DataDir, "state.json"))
	if err := manager.LoadFromFile(); err != nil {
		log.WithError(err).Warn("previous state not restored")
	}
	manager.SetSystemStatus(state.StatusInitializing)

	j, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		log.WithError(err).Error("journal not openable")
		return exitFatal
	}
	defer j.Close()

	notifier := notify.New(cfg.WebhookURL)
	collector := observability.NewCollector()
	hub := NewHub(manager, collector)
	log.AddHook(&dashboardLogHook{hub: hub})

	bcast := broadcast.New(manager.Bus(), hub)
	defer bcast.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// Browser pool: clone profiles if a master is configured, then bring
	// every slot up before accepting any work.
	profileRoot := filepath.Join(cfg.DataDir, "profiles")
	if cfg.MasterProfile != "" {
		if err := browser.CloneProfiles(cfg.MasterProfile, profileRoot, cfg.PoolSize); err != nil {
			log.WithError(err).Error("profile bootstrap failed")
			return exitFatal
		}
	}
	pool := browser.NewPool(browser.Config{
		Size:        cfg.PoolSize,
		ProfileRoot: profileRoot,
	}, &browser.ExecLauncher{Command: cfg.BrowserCommand})
	if err := pool.Init(ctx); err != nil {
		log.WithError(err).Error("browser pool initialization failed")
		manager.SetLastError(err.Error())
		manager.SetSystemStatus(state.StatusError)
		if serr := manager.SaveToFile(); serr != nil {
			log.WithError(serr).Warn("error state not saved")
		}
		return exitFatal
	}
	defer pool.CloseAll()

	script := &execScript{command: cfg.ScriptCommand}
	verifier := verify.New(pool, script, capStore, notifier)
	defer verifier.Stop()

	var sheetClient *sheet.Client
	if cfg.SheetURL != "" {
		sheetClient = sheet.NewClient(sheet.Config{BaseURL: cfg.SheetURL, APIKey: cfg.SheetKey})
	}

	var reader sheetsync.StatusReader = nullSheet{}
	if sheetClient != nil {
		reader = sheetClient
	}
	syncer := sheetsync.New(reader, manager, capStore, notifier, hub)
	if sheetClient != nil {
		go syncer.Run(ctx, cfg.SyncInterval)
	}

	deps := CoordinatorDeps{
		Engine:       engine,
		Policy:       accept.DefaultPolicy(),
		Capacity:     capStore,
		History:      history,
		Quota:        quota,
		Manager:      manager,
		Pool:         pool,
		Script:       script,
		Verifier:     verifier,
		Notifier:     notifier,
		Collector:    collector,
		Failures:     newFailureTracker(cfg.FailureThreshold, notifier),
		Dashboard:    hub,
		Journal:      j,
		StaleTimeout: queue.DefaultStaleTimeout,
		Concurrency:  cfg.Concurrency,
		TaskTimeout:  cfg.TaskTimeout,
		VerifyAfter:  cfg.VerifyAfter,
	}
	if sheetClient != nil {
		deps.Sheet = sheetClient
	}
	coord := NewCoordinator(deps)
	if n, err := coord.RecoverQueued(); err != nil {
		log.WithError(err).Warn("journal recovery incomplete")
	} else if n > 0 {
		log.WithField("count", n).Info("pending journaled tasks resubmitted")
	}

	offers := func(offer mail.TaskOffer) {
		manager.SetIMAP(mail.ListenerStatus{Connected: true, LastMessageAt: time.Now()})
		coord.HandleOffer(offer)
	}
	api := NewAPI(manager, collector, verifier, syncer, j, hub, offers)
	mux := http.NewServeMux()
	api.Routes(mux)

	go journalMaintenance(ctx, j)
	go stateAutosave(ctx, manager)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	manager.SetSystemStatus(state.StatusRunning)
	log.WithFields(log.Fields{"addr": cfg.Addr, "pool": cfg.PoolSize, "concurrency": cfg.Concurrency}).
		Info("wordpilot daemon running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutdown requested")
	case <-coord.LoginExpired():
		log.Error("login expired, exiting for supervised restart")
		nctx, ncancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := notifier.Notify(nctx, "Platform login expired. Restarting for re-authentication."); err != nil {
			log.WithError(err).Error("login-expired alert not delivered")
		}
		ncancel()
		code = exitLoginExpired
	case err := <-serverErr:
		log.WithError(err).Error("http server stopped")
		manager.SetLastError(err.Error())
		manager.SetSystemStatus(state.StatusError)
		code = exitFatal
	}

	if code != exitFatal {
		manager.SetSystemStatus(state.StatusShuttingDown)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Drain(drainCtx); err != nil {
		log.WithError(err).Warn("queues did not drain before the deadline")
	}
	drainCancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(stopCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	stopCancel()

	if err := manager.SaveToFile(); err != nil {
		log.WithError(err).Error("final state save failed")
	}
	return code
}

// nullSheet stands in when no system-of-record is configured: every
// order reads back as unknown, so reconciliation never drops tasks.
type nullSheet struct{}

func (nullSheet) ReadStatusMap(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

// journalMaintenance periodically reverts stale processing rows and
// deletes old terminal ones.
func journalMaintenance(ctx context.Context, j *journal.Journal) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := j.RecoverStale(queue.DefaultStaleTimeout); err != nil {
				log.WithError(err).Warn("stale journal recovery failed")
			} else if n > 0 {
				log.WithField("count", n).Info("stale journal rows recovered")
			}
			if n, err := j.Cleanup(7 * 24 * time.Hour); err != nil {
				log.WithError(err).Warn("journal cleanup failed")
			} else if n > 0 {
				log.WithField("count", n).Info("old journal rows deleted")
			}
		}
	}
}

// stateAutosave checkpoints state.json so a crash loses at most half a
// minute of runtime state.
func stateAutosave(ctx context.Context, m *state.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SaveToFile(); err != nil {
				log.WithError(err).Warn("state checkpoint failed")
			}
		}
	}
}
