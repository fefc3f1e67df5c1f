// Command coordinator runs the cluster Coordinator process: the request
// scheduler, ReqManager's per-request state machine, RequestRepeater's
// dispatch/retry loop, and the ControlListener HTTP surface that exposes all
// three plus cluster node management to clients and the Controller.
// Grounded on the teacher's control_plane/main.go wiring order (store ->
// coordination -> scheduler -> api), adapted to this process's own
// collaborators and without the teacher's Redis-as-primary-store role —
// here Redis only backs idempotency and leader election, both optional.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/clusternodes"
	"github.com/inferfleet/clusterctl/internal/config"
	"github.com/inferfleet/clusterctl/internal/controllistener"
	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/exception"
	"github.com/inferfleet/clusterctl/internal/idempotency"
	"github.com/inferfleet/clusterctl/internal/leaderelect"
	"github.com/inferfleet/clusterctl/internal/reqmanager"
	"github.com/inferfleet/clusterctl/internal/repeater"
	"github.com/inferfleet/clusterctl/internal/ring"
	"github.com/inferfleet/clusterctl/internal/scheduler"
	"github.com/inferfleet/clusterctl/internal/timeline"
)

func main() {
	cfg, err := config.Load(config.RoleCoordinator, os.Args)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alarmRing, err := ring.Create(cfg.AlarmRingName, cfg.AlarmRingBytes, ring.ModeRetain)
	if err != nil {
		log.Fatalf("alarm ring %s: %v", cfg.AlarmRingName, err)
	}
	defer alarmRing.Close()
	alarms := alarm.NewPipeline(alarmRing)
	alarms.Start()
	defer alarms.Stop()

	tl := timeline.NewStore()

	nodes := clusternodes.New()

	monitor := exception.New()
	monitor.Start()

	sched := scheduler.New(cfg.Scheduler)
	sched.SetTimeline(tl)
	sched.Start(ctx)
	defer sched.Stop()

	mgr := reqmanager.New(cfg.MaxRetry, cfg.ReqTimeouts)
	mgr.SetTimeline(tl)

	redisClient, pgPool := connectOptionalBackends(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	if pgPool != nil {
		defer pgPool.Close()
	}

	idemStore := buildIdempotencyStore(redisClient)

	rep := repeater.New(mgr, sched, monitor, alarms, cfg.Repeater)

	leader := buildLeaderAgent(redisClient, pgPool, cfg)
	if leader != nil {
		leader.Start(ctx)
		defer leader.Stop()
	}

	listener := controllistener.New(nodes, sched, mgr, rep, leader)
	listener.SetTimeline(tl)
	listener.SetIdempotency(idemStore)

	router := mux.NewRouter()
	listener.Register(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Printf("coordinator listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinator server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("coordinator shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinator server shutdown: %v", err)
	}
}

// connectOptionalBackends dials Redis/Postgres when cfg names them,
// returning nils otherwise so idempotency and leader election each fall
// back to their own single-process defaults (in-memory dedup, standalone
// leadership) per the teacher's own Redis-unavailable branch.
func connectOptionalBackends(ctx context.Context, cfg *config.Config) (*redis.Client, *pgxpool.Pool) {
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("%v", errs.Wrap(errs.Exception, "connect to redis", err))
		}
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("%v", errs.Wrap(errs.InvalidParameter, "parse database url", err))
		}
		pgCfg.MaxConns = 50
		pgCfg.MinConns = 5
		pgCfg.MaxConnLifetime = time.Hour
		pgCfg.HealthCheckPeriod = 30 * time.Second

		pool, err = pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			log.Fatalf("%v", errs.Wrap(errs.Exception, "open postgres pool", err))
		}
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("%v", errs.Wrap(errs.Exception, "ping postgres", err))
		}
	}

	return redisClient, pool
}

// buildIdempotencyStore uses Redis for durable reqId dedup when available,
// falling back to Store's own in-memory map otherwise.
func buildIdempotencyStore(redisClient *redis.Client) *idempotency.Store {
	if redisClient == nil {
		log.Println("idempotency: no Redis configured, using in-memory store")
		return idempotency.NewStore(nil)
	}
	log.Println("idempotency: using Redis-backed store")
	return idempotency.NewStore(idempotency.NewRedisBackend(redisClient))
}

// buildLeaderAgent runs backup/master election for the Coordinator only
// when both a lock backend and a durable epoch store are configured; a
// Coordinator with no peers has nothing to elect against and runs as its
// own permanent master, matched by ControlListener treating a nil leader
// as always-master in its readiness response.
func buildLeaderAgent(redisClient *redis.Client, pool *pgxpool.Pool, cfg *config.Config) *leaderelect.LeaderAgent {
	if redisClient == nil || pool == nil {
		return nil
	}
	policy := leaderelect.NewRedisPolicy(redisClient, "coordinator/"+cfg.ResourceID, 15*time.Second)
	epochs := leaderelect.NewPostgresEpochStore(pool)
	return leaderelect.NewLeaderAgent(policy, epochs, cfg.ResourceID, cfg.NodeID, nil)
}
