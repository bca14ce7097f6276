// Command dispatchd is the charging-station dispatch process: it wires
// the durable store, cache, dispatch engine, admission, billing, and
// recovery components together, starts every background worker, and
// serves the HTTP/websocket interface until a shutdown signal arrives.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aj9599/ev-dispatch/internal/admission"
	"github.com/aj9599/ev-dispatch/internal/billing"
	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/config"
	"github.com/aj9599/ev-dispatch/internal/engine"
	"github.com/aj9599/ev-dispatch/internal/httpapi"
	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/notify"
	"github.com/aj9599/ev-dispatch/internal/orchestrator"
	"github.com/aj9599/ev-dispatch/internal/recovery"
	"github.com/aj9599/ev-dispatch/internal/store"
)

const (
	storePoolSize    = 8
	storeAcquireWait = 2 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if config.IsDevelopment() {
		log.SetPrefix("DEV | ")
	} else {
		log.SetPrefix("PROD | ")
	}

	log.Println("╔══════════════════════════════════════════════════════════╗")
	log.Println("║            EV Charging Dispatch Service                    ║")
	log.Println("╚══════════════════════════════════════════════════════════╝")
	if info, ok := debug.ReadBuildInfo(); ok {
		log.Printf("Go Version: %s", info.GoVersion)
	}
	log.Println()

	cfg := config.Load()

	log.Println("🗄️  Opening database...")
	st, err := store.Open(cfg.DatabasePath, storePoolSize, storeAcquireWait)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer func() {
		log.Println("🗄️  Closing database connection...")
		st.Close()
	}()

	log.Println("🔌 Connecting to cache...")
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))

	eng := engine.New(time.Duration(cfg.DispatchInterval) * time.Millisecond)
	tariff := billing.Tariff{
		Peak: cfg.PeakPrice, Normal: cfg.NormalPrice, Valley: cfg.ValleyPrice, Service: cfg.ServicePrice,
	}

	if err := seedPilesIfEmpty(context.Background(), st, cfg); err != nil {
		log.Fatalf("❌ Failed to seed piles: %v", err)
	}

	hub := notify.NewHub(c)

	adm := admission.New(c, st, eng, cfg.WaitingAreaCapacity, time.Duration(cfg.PromotionInterval)*time.Second,
		func(sess model.Session, queueNo string) {
			hub.Publish(model.OutboundEvent{
				Type: model.OutRequestQueuedEngine, Timestamp: time.Now().UTC(), TargetUserID: sess.UserID,
				Payload: map[string]interface{}{"session_id": sess.ID, "queue_number": queueNo},
			})
		})
	core := orchestrator.New(st, c, eng, adm, hub, tariff)

	monitor := billing.NewMonitor(st, c, eng, eng.EndCharging, cfg.ChargingSpeedFactor, time.Duration(cfg.ProgressInterval)*time.Second)

	rec := recovery.New(st, c, eng, tariff, time.Duration(cfg.CompletingTimeout)*time.Second, time.Duration(cfg.TimeoutSweepInterval)*time.Second)

	log.Println("🔄 Running startup recovery...")
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := rec.Startup(startupCtx); err != nil {
		log.Fatalf("❌ Startup recovery failed: %v", err)
	}
	startupCancel()
	log.Println("✅ Startup recovery completed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("🚀 Starting background workers...")
	eng.StartLoop()
	adm.Start(ctx)
	monitor.Start(ctx)
	rec.Start(ctx)

	broadcaster := notify.NewBroadcaster(hub, c, func(ctx context.Context) (map[string]interface{}, error) {
		snap, err := core.SystemStatusSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"fast_idle": snap.FastIdle, "fast_busy": snap.FastBusy, "fast_fault": snap.FastFault,
			"trickle_idle": snap.TrickleIdle, "trickle_busy": snap.TrickleBusy, "trickle_fault": snap.TrickleFault,
			"fast_waiting": snap.FastWaiting, "trickle_waiting": snap.TrickleWaiting,
		}, nil
	}, time.Second)
	broadcaster.Start(ctx)

	stopDrain := startEventDrainer(ctx, core)

	log.Println("✅ Background workers started")
	log.Println()

	srv := httpapi.New(core, hub, rec)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      srv.Handler(allowedOrigins()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Println("╔══════════════════════════════════════════════════════════╗")
		log.Printf("║  🚀 Server started on port %-5d                           ║", cfg.ServerPort)
		log.Println("╚══════════════════════════════════════════════════════════╝")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	gracefulShutdown(httpServer, cancel, stopDrain, eng, adm, monitor, rec, broadcaster)
}

// startEventDrainer polls DrainEngineEvents on a short interval so
// dispatch/fault/recover events the engine buffers get turned into store
// writes and notifications without the HTTP request path blocking on them.
func startEventDrainer(ctx context.Context, core *orchestrator.Orchestrator) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				core.DrainEngineEvents(ctx)
			}
		}
	}()
	return func() {
		close(stopCh)
		<-doneCh
	}
}

// seedPilesIfEmpty provisions the configured number of fast/trickle piles
// on first boot only; an existing fleet is left untouched so operator
// pile additions/removals persist across restarts.
func seedPilesIfEmpty(ctx context.Context, st *store.Store, cfg *config.Config) error {
	existing, err := st.LoadPiles(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	log.Println("⚙️  No piles found, seeding default fleet...")
	for i := 1; i <= cfg.FastPileCount; i++ {
		p := model.Pile{ID: pileID("F", i), Type: model.PileFast, MaxKW: cfg.FastPileKW, Status: model.PileIdle}
		if err := st.UpsertPile(ctx, p); err != nil {
			return err
		}
	}
	for i := 1; i <= cfg.TricklePileCount; i++ {
		p := model.Pile{ID: pileID("T", i), Type: model.PileTrickle, MaxKW: cfg.TricklePileKW, Status: model.PileIdle}
		if err := st.UpsertPile(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func pileID(prefix string, n int) string {
	return prefix + strconv.Itoa(n)
}

func allowedOrigins() []string {
	if config.IsDevelopment() {
		return []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000"}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		return strings.Split(v, ",")
	}
	return []string{"*"}
}

func gracefulShutdown(srv *http.Server, cancel context.CancelFunc, stopDrain func(), eng *engine.Engine, adm *admission.Admission, monitor *billing.Monitor, rec *recovery.Recovery, broadcaster *notify.Broadcaster) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Println()
	log.Println("⚠️  Shutdown signal received, initiating graceful shutdown...")

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("🛑 Stopping background workers...")
	stopDrain()
	broadcaster.Stop(5 * time.Second)
	rec.Stop(5 * time.Second)
	monitor.Stop(5 * time.Second)
	adm.Stop(5 * time.Second)
	eng.StopLoop(5 * time.Second)
	cancel()

	log.Println("🛑 Stopping HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ Server shutdown error: %v", err)
	}

	log.Println("✅ Graceful shutdown completed")
}
