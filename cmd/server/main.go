package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/search-assistant/internal/api"
	"gwi.com/search-assistant/internal/config"
	"gwi.com/search-assistant/internal/core"
	"gwi.com/search-assistant/internal/scrape"
	"gwi.com/search-assistant/internal/search"
	"gwi.com/search-assistant/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize search provider, optionally behind the Redis cache
	provider, closeCache := newSearchProvider(cfg)
	defer closeCache()

	// Initialize LLM service
	llmService, err := core.NewLLMService(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	if _, ok := core.LookupModel(cfg.DefaultModel); !ok {
		log.Fatalf("DEFAULT_MODEL %q is not in the model catalog", cfg.DefaultModel)
	}

	askService := core.NewAskService(dbStore, provider, scrape.NewScraper(cfg.ScrapeTimeout), llmService, core.AskOptions{
		DefaultModel: cfg.DefaultModel,
		ImageSearch:  cfg.ImageSearch,
		Debug:        cfg.Debug(),
	})
	threadService := core.NewThreadService(dbStore)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(askService, threadService)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: streamed answers stay open for as long as the model produces tokens.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}

// newSearchProvider picks the configured search backend. The returned func
// releases the cache connection, if any.
func newSearchProvider(cfg *config.Config) (search.Provider, func()) {
	var provider search.Provider
	switch {
	case cfg.SearchProvider == "duckduckgo":
		provider = search.NewDuckDuckGoProvider()
		log.Println("Using DuckDuckGo web search (image search unavailable)")
	case cfg.SerpAPIKey != "":
		provider = search.NewSerpAPIProvider(cfg.SerpAPIKey)
	default:
		log.Println("WARNING: SERPAPI_API_KEY is not set; every ask will fail at the search stage")
		provider = search.Unconfigured{}
	}

	if cfg.RedisURL == "" {
		return provider, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cache, err := search.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("Search cache disabled: %v", err)
		return provider, func() {}
	}
	log.Printf("Caching search results in Redis for %s", cfg.SearchCacheTTL)
	return search.NewCachedProvider(provider, cache, cfg.SearchCacheTTL), func() {
		if err := cache.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}
}
