// Command irrigation-controller runs watering cycles from a cloud schedule
// feed, driving mixer, pump and area relays through timed phases.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/config"
	"github.com/sweeney/irrigation-controller/internal/feed"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/logging"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/relay"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/web"
)

type options struct {
	configPath   string
	poll         time.Duration
	httpAddr     string
	scheduleFile string
	safeOff      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to config.yaml (defaults and IRRIGATION_* env if empty)")
	flag.DurationVar(&opts.poll, "poll", 0, "State machine tick, overrides poll.interval_ms")
	flag.StringVar(&opts.httpAddr, "http", "", `HTTP status address, overrides http.addr ("off" disables)`)
	flag.StringVar(&opts.scheduleFile, "schedule", "", "JSON schedule file to run once at startup")
	flag.BoolVar(&opts.safeOff, "safe-off", false, "Switch every relay off and exit")
	flag.Parse()

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	applyFlags(cfg, opts)

	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}

	if err := run(cfg, opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("fatal")
	}
}

// loadConfig reads the configuration. Safe-off mode never talks to the
// feed, so it runs without feed credentials.
func loadConfig(opts options) (*config.Config, error) {
	if opts.safeOff {
		return config.LoadRelaysOnly(opts.configPath)
	}
	return config.Load(opts.configPath)
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.poll > 0 {
		cfg.Poll.IntervalMs = int(opts.poll.Milliseconds())
	}
	switch opts.httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = opts.httpAddr
	}
}

func run(cfg *config.Config, opts options, logger zerolog.Logger) error {
	startTime := time.Now()
	tracker := status.NewTracker(startTime, status.Config{
		PollMs:         cfg.PollInterval().Milliseconds(),
		HeartbeatMs:    cfg.HeartbeatInterval().Milliseconds(),
		Broker:         cfg.MQTT.Broker,
		HTTPAddr:       cfg.HTTP.Addr,
		RelayBackend:   cfg.Relay.Backend,
		ScheduleFeed:   cfg.Feed.ScheduleFeed,
		ManagementFeed: cfg.Feed.ManagementFeed,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	m := metrics.New(tracker)

	// Initialize relays
	driver, err := relay.Open(cfg.RelayDriverConfig())
	if err != nil {
		return fmt.Errorf("init relays: %w", err)
	}
	driver = m.InstrumentRelays(driver)

	// Safe-off mode
	if opts.safeOff {
		c := logic.NewCycle(driver, nil, nil, nil, logic.Options{Layout: cfg.Layout()})
		err := c.SafeOff()
		if cerr := c.Cleanup(); cerr != nil {
			logger.Warn().Err(cerr).Msg("release relays")
		}
		if err != nil {
			return fmt.Errorf("safe off: %w", err)
		}
		fmt.Println("all relays off")
		return nil
	}

	// Initialize MQTT
	var publisher interface {
		mqtt.Publisher
		mqtt.ConnectionStatus
	}
	mqttLog := logging.Component(logger, "mqtt")
	if cfg.MQTT.Broker == "" {
		publisher = mqtt.NewLogPublisher(mqttLog)
	} else {
		p, err := mqtt.NewRealPublisher(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, mqttLog)
		if err != nil {
			driver.Close()
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher = p
	}
	defer publisher.Close()

	// Initialize feeds; the management feed must exist before the first confirmation.
	client := feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.Username, cfg.Feed.Key, cfg.FeedTimeout())
	initCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.FeedTimeout())
	mgmt, err := client.Init(initCtx, cfg.Feed.ManagementFeed)
	cancel()
	if err != nil {
		driver.Close()
		return fmt.Errorf("init management feed: %w", err)
	}

	cycleLog := logging.Component(logger, "cycle")
	cycle := logic.NewCycle(driver,
		feed.NewSource(client, cfg.Feed.ScheduleFeed),
		feed.NewReporter(client, mgmt),
		publisher,
		logic.Options{
			Layout: cfg.Layout(),
			Window: cfg.AcceptanceWindow(),
			Zone:   cfg.Location(),
			Logger: &cycleLog,
		})
	defer func() {
		if err := cycle.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("release relays")
		}
	}()

	// Relays may be in any state after a crash.
	if err := cycle.SafeOff(); err != nil {
		return fmt.Errorf("initial safe off: %w", err)
	}

	if opts.scheduleFile != "" {
		if err := enqueueFile(cycle, opts.scheduleFile); err != nil {
			return err
		}
		logger.Info().Str("file", opts.scheduleFile).Msg("queued startup schedule")
	}

	// Initialize history
	var (
		store    *history.Store
		recorder cycleRecorder
	)
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer store.Close()
		if keep := cfg.HistoryRetention(); keep > 0 {
			n, err := store.Prune(context.Background(), time.Now().Add(-keep))
			if err != nil {
				logger.Warn().Err(err).Msg("prune history")
			} else if n > 0 {
				logger.Info().Int64("deleted", n).Msg("pruned history")
			}
		}
		recorder = store
	}

	// Publish startup event with full status snapshot
	tracker.Update(cycle.Status())
	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		logger.Warn().Err(err).Msg("failed to publish startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		webLog := logging.Component(logger, "web")
		webOpts := web.Options{Metrics: m.Handler(), Logger: &webLog}
		if store != nil {
			webOpts.History = store
		}
		srv := web.New(cfg.HTTP.Addr, tracker, webOpts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				webLog.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	logger.Info().
		Dur("poll", cfg.PollInterval()).
		Dur("heartbeat", cfg.HeartbeatInterval()).
		Str("relays", cfg.Relay.Backend).
		Str("broker", cfg.MQTT.Broker).
		Str("schedule_feed", cfg.Feed.ScheduleFeed).
		Msg("started")

	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(context.Background(), loopDeps{
		cycle:      cycle,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		recorder:   recorder,
		observer:   m,
		heartbeat:  cfg.HeartbeatInterval(),
		now:        time.Now,
		log:        logger,
	}, ticker.C, sigCh)
}

func enqueueFile(cycle *logic.Cycle, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schedule file: %w", err)
	}
	s, err := logic.ParseSchedule(data)
	if err != nil {
		return fmt.Errorf("schedule file %s: %w", path, err)
	}
	if err := cycle.Enqueue(s); err != nil {
		return fmt.Errorf("schedule file %s: %w", path, err)
	}
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
