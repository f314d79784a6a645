// Package app wires the relay together: configuration, stores,
// services, the HTTP server and the background jobs.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/api"
	"kabuto-relay/audit"
	"kabuto-relay/cache"
	"kabuto-relay/config"
	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/database/signals"
	"kabuto-relay/database/stats"
	"kabuto-relay/notifications"
	"kabuto-relay/services"
)

// App owns every long-lived component of the relay.
type App struct {
	cfg      *config.Config
	db       *gorm.DB
	store    cache.Store
	redis    *cache.RedisClient // nil when degraded to memory
	server   *api.Server
	cron     *cron.Cron
	signals  *signals.Repository
	market   *services.MarketHoursService
	notifier *notifications.Manager
	csvLog   *audit.CSVLogger

	staleMu       sync.Mutex
	staleNotified map[string]bool
}

// New builds the application from config. Redis being down is not
// fatal: the gates degrade to an in-process store and keep the relay
// accepting signals.
func New(cfg *config.Config) (*App, error) {
	db, err := database.Connect(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if err := database.InitSchema(db); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	var store cache.Store
	redisClient, err := cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, degrading to in-process store")
		store = cache.NewMemoryStore()
		redisClient = nil
	} else {
		store = redisClient
	}

	market, err := services.NewMarketHoursService(cfg.MarketHours)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	csvLog, err := audit.NewCSVLogger(cfg.CSVLog.Path, market.Location())
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	limiter := notifications.NewLimiter(store, cfg.Alerts.FrequencyLimits)
	notifier := notifications.NewManager(cfg.Alerts, limiter)

	signalsRepo := signals.NewRepository(db)
	dedup := services.NewDedupService(store)
	cooldown := services.NewCooldownService(store, cfg.Cooldown)
	killSw := services.NewKillSwitchService(db)
	blacklist := services.NewBlacklistService(db)
	dayTrading := services.NewDayTradingService(db, market.Location())
	validator := services.NewValidatorService(
		killSw, market, dayTrading, blacklist,
		positions.NewRepository(db), stats.NewRepository(db), cfg.RiskControl,
	)
	risk := services.NewRiskService(cfg.RiskControl, market.Location())

	server := api.NewServer(cfg, db, store, signalsRepo, dedup, cooldown,
		market, killSw, blacklist, validator, risk, csvLog, notifier)

	return &App{
		cfg:           cfg,
		db:            db,
		store:         store,
		redis:         redisClient,
		server:        server,
		cron:          cron.New(),
		signals:       signalsRepo,
		market:        market,
		notifier:      notifier,
		csvLog:        csvLog,
		staleNotified: make(map[string]bool),
	}, nil
}

// Start runs the background jobs and the HTTP server until the
// context is cancelled.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc("@every 1m", a.sweepExpired); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	if a.cfg.Heartbeat.AlertEnabled {
		if _, err := a.cron.AddFunc("@every 1m", a.monitorHeartbeats); err != nil {
			return fmt.Errorf("Start: %w", err)
		}
	}
	a.cron.Start()
	log.Info().Msg("Background jobs started")

	err := a.server.Start(ctx)

	cronCtx := a.cron.Stop()
	<-cronCtx.Done()
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Redis close failed")
		}
	}
	log.Info().Msg("Relay stopped")
	return err
}

// sweepExpired flips pending signals past their deadline to expired.
func (a *App) sweepExpired() {
	expired, err := a.signals.ExpireStale(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep failed")
		return
	}
	for _, sig := range expired {
		log.Warn().Str("signal_id", sig.SignalID).Str("ticker", sig.Ticker).Msg("Signal expired unfetched")
		a.csvLog.UpdateSignalState(sig.SignalID, database.StateExpired)
	}
}

// monitorHeartbeats warns once per client when it goes stale and
// clears the memo when it comes back.
func (a *App) monitorHeartbeats() {
	var heartbeats []database.Heartbeat
	if err := a.db.Find(&heartbeats).Error; err != nil {
		log.Error().Err(err).Msg("Heartbeat monitor query failed")
		return
	}

	now := time.Now()
	timeout := time.Duration(a.cfg.Heartbeat.TimeoutSeconds) * time.Second

	a.staleMu.Lock()
	defer a.staleMu.Unlock()
	for _, hb := range heartbeats {
		stale := now.Sub(hb.LastHeartbeat) >= timeout
		switch {
		case stale && !a.staleNotified[hb.ClientID]:
			a.staleNotified[hb.ClientID] = true
			log.Error().Str("client_id", hb.ClientID).Time("last_seen", hb.LastHeartbeat).
				Msg("Executor heartbeat stale")
			a.notifier.HeartbeatStale(context.Background(), hb.ClientID, hb.LastHeartbeat)
		case !stale && a.staleNotified[hb.ClientID]:
			delete(a.staleNotified, hb.ClientID)
			log.Info().Str("client_id", hb.ClientID).Msg("Executor heartbeat recovered")
		}
	}
}
