package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/modrelay/modrelay/internal/config"
	"github.com/modrelay/modrelay/internal/gateway"
	"github.com/modrelay/modrelay/internal/jobs"
	"github.com/modrelay/modrelay/internal/modrelay"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	token := strings.TrimSpace(os.Getenv("MODRELAY_TOKEN"))
	if token == "" {
		log.Fatal("MODRELAY_TOKEN is required")
	}
	apiBaseURL := strings.TrimSpace(os.Getenv("MODRELAY_API_BASE_URL"))
	if apiBaseURL == "" {
		log.Fatal("MODRELAY_API_BASE_URL is required")
	}
	gatewayURL := strings.TrimSpace(os.Getenv("MODRELAY_GATEWAY_URL"))
	if gatewayURL == "" {
		log.Fatal("MODRELAY_GATEWAY_URL is required")
	}
	configFile := os.Getenv("MODRELAY_CONFIG_FILE")
	if configFile == "" {
		configFile = "workspaces.json"
	}

	store, err := modrelay.NewThreadStoreFromDSN(os.Getenv("MODRELAY_STORE_DSN"))
	if err != nil {
		log.Fatalf("initialize thread store: %v", err)
	}
	defer store.Close()

	cacheDSN := os.Getenv("MODRELAY_CACHE_DSN")
	selectionCache, err := modrelay.NewSelectionCacheFromDSN(cacheDSN)
	if err != nil {
		log.Fatalf("initialize selection cache: %v", err)
	}
	defer selectionCache.Close()

	var deduper modrelay.AlertDeduper
	if strings.HasPrefix(cacheDSN, "redis://") || strings.HasPrefix(cacheDSN, "rediss://") {
		deduper, err = modrelay.NewRedisAlertDeduper(cacheDSN, durationEnv("MODRELAY_ALERT_WINDOW", 0))
		if err != nil {
			log.Fatalf("initialize alert deduper: %v", err)
		}
	}

	configs, err := config.NewStore(configFile)
	if err != nil {
		log.Fatalf("load workspace config: %v", err)
	}
	log.Printf("loaded %d configured workspaces from %s", len(configs.ConfiguredWorkspaces()), configFile)

	client := gateway.NewClient(gateway.ClientOptions{
		BaseURL:   apiBaseURL,
		Token:     token,
		UserAgent: "modrelay",
	})

	engine := modrelay.NewEngine(modrelay.EngineOptions{
		Store:          store,
		Platform:       client,
		Configs:        configs,
		SelectionCache: selectionCache,
		AlertDeduper:   deduper,
		LockIdleTTL:    durationEnv("MODRELAY_LOCK_IDLE_TTL", 0),
		PromptIdle:     durationEnv("MODRELAY_PROMPT_IDLE", 0),
	})

	manager, err := jobs.NewManager(store, client, engine.Lifecycle())
	if err != nil {
		log.Fatalf("initialize job manager: %v", err)
	}

	socket := gateway.NewSocket(gateway.SocketOptions{
		URL:     gatewayURL,
		Token:   token,
		Handler: engine,
		Prompts: client.Prompts(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- socket.Run(ctx) }()
	go func() { errCh <- manager.Run(ctx) }()
	go func() { errCh <- configs.Watch(ctx) }()
	go engine.Locks().RunJanitor(ctx)

	select {
	case <-ctx.Done():
		log.Print("shutting down")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Fatalf("fatal: %v", err)
		}
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
