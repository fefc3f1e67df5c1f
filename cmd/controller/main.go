// Command controller runs the cluster Controller process: node-status
// polling (statusupdater.Updater), alarm ingest from downstream producers
// (alarm.Listener), a shared-memory heartbeat ring for host-local liveness
// checks, and leader election against Redis/Postgres so only one Controller
// replica drives polling/push at a time. Grounded on the teacher's
// control_plane/main.go wiring order (store -> coordination -> scheduler ->
// api) and its Redis-unavailable "STANDALONE mode" fallback, adapted to this
// process's own collaborators.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/config"
	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/leaderelect"
	"github.com/inferfleet/clusterctl/internal/nodestore"
	"github.com/inferfleet/clusterctl/internal/ring"
	"github.com/inferfleet/clusterctl/internal/statusupdater"
	"github.com/inferfleet/clusterctl/internal/workerclient"
)

func main() {
	cfg, err := config.Load(config.RoleController, os.Args)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	alarmRing, err := ring.Create(cfg.AlarmRingName, cfg.AlarmRingBytes, ring.ModeRetain)
	if err != nil {
		log.Fatalf("alarm ring %s: %v", cfg.AlarmRingName, err)
	}
	defer alarmRing.Close()
	alarms := alarm.NewPipeline(alarmRing)
	alarms.Start()
	defer alarms.Stop()

	hbRing, err := ring.Create(cfg.HeartbeatRingName, cfg.HeartbeatRingBytes, ring.ModeOverwrite)
	if err != nil {
		log.Fatalf("heartbeat ring %s: %v", cfg.HeartbeatRingName, err)
	}
	defer hbRing.Close()
	hb := ring.NewHeartbeatProducer(hbRing, ring.DefaultHeartbeatInterval)
	defer hb.Stop()

	store := nodestore.New()
	worker := workerclient.New(alarms)
	pusher := statusupdater.NewHTTPPusher(cfg.Manage.IP, cfg.Manage.Port)

	leader := buildLeaderAgent(ctx, cfg)
	if leader != nil {
		leader.Start(ctx)
		defer leader.Stop()
	}

	updater := statusupdater.New(store, worker, leaderChecker{leader}, pusher, alarms, hb, cfg.StatusUpdater)
	updater.Start(ctx)
	defer updater.Stop()

	router := mux.NewRouter()
	alarm.NewListener(alarms).Register(router)
	router.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Printf("controller listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("controller server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("controller shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("controller server shutdown: %v", err)
	}
}

// leaderChecker adapts *leaderelect.LeaderAgent to statusupdater.LeaderChecker,
// reporting true (standalone, always-leader) when no agent was built because
// Redis/Postgres were not configured.
type leaderChecker struct {
	agent *leaderelect.LeaderAgent
}

func (c leaderChecker) IsLeader() bool {
	if c.agent == nil {
		return true
	}
	return c.agent.IsLeader()
}

// buildLeaderAgent constructs the Redis lock policy and Postgres epoch store
// leader election needs. It returns nil when RedisAddr/DatabaseURL are unset,
// mirroring the teacher's own "Redis unavailable... STANDALONE mode" branch:
// a single Controller replica with no peers to lose an election to.
func buildLeaderAgent(ctx context.Context, cfg *config.Config) *leaderelect.LeaderAgent {
	if cfg.RedisAddr == "" || cfg.DatabaseURL == "" {
		log.Println("leader election disabled: RedisAddr/DatabaseURL not configured, running STANDALONE")
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("%v", errs.Wrap(errs.Exception, "connect to redis for leader election", err))
	}

	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("%v", errs.Wrap(errs.InvalidParameter, "parse database url", err))
	}
	pgCfg.MaxConns = 50
	pgCfg.MinConns = 5
	pgCfg.MaxConnLifetime = time.Hour
	pgCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		log.Fatalf("%v", errs.Wrap(errs.Exception, "open postgres pool", err))
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("%v", errs.Wrap(errs.Exception, "ping postgres", err))
	}

	policy := leaderelect.NewRedisPolicy(redisClient, "controller/"+cfg.ResourceID, 15*time.Second)
	epochs := leaderelect.NewPostgresEpochStore(pool)
	return leaderelect.NewLeaderAgent(policy, epochs, cfg.ResourceID, cfg.NodeID, nil)
}
