// Command relaybridge runs the translating proxy: it accepts Claude
// Messages and OpenAI chat-completions requests, resolves a pooled
// Upstream account, and dispatches the translated call.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/config"
	"github.com/relaybridge/upstream-bridge/internal/executor"
	"github.com/relaybridge/upstream-bridge/internal/httpapi"
	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/logger"
	"github.com/relaybridge/upstream-bridge/internal/oauthrefresh"
	"github.com/relaybridge/upstream-bridge/internal/sigcache"
	"github.com/relaybridge/upstream-bridge/internal/upstream"
	"github.com/relaybridge/upstream-bridge/internal/usage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables or defaults")
	}

	envCfg := config.NewEnvConfig()

	// Security check: refuse to run with the documented default key
	// unless the operator has explicitly opted in for local development.
	if envCfg.ProxyAccessKey == "your-proxy-access-key" {
		if os.Getenv("ALLOW_INSECURE_DEFAULT_KEY") == "true" && envCfg.IsDevelopment() {
			log.Println("warning: running with the default PROXY_ACCESS_KEY, local development only")
		} else {
			log.Fatal("refusing to start with the default PROXY_ACCESS_KEY: set a strong key in .env, or ALLOW_INSECURE_DEFAULT_KEY=true in development")
		}
	}
	if len(envCfg.ProxyAccessKey) < 16 {
		log.Fatalf("PROXY_ACCESS_KEY must be at least 16 characters, got %d", len(envCfg.ProxyAccessKey))
	}

	logCfg := &logger.Config{
		LogDir:     envCfg.LogDir,
		LogFile:    envCfg.LogFile,
		MaxSize:    envCfg.LogMaxSize,
		MaxBackups: envCfg.LogMaxBackups,
		MaxAge:     envCfg.LogMaxAge,
		Compress:   envCfg.LogCompress,
		Console:    envCfg.LogToConsole,
	}
	rotator, err := logger.Setup(logCfg)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer rotator.Close()

	cfgManager, err := config.NewConfigManager(envCfg.RuntimeConfigFile)
	if err != nil {
		log.Fatalf("failed to initialize config manager: %v", err)
	}
	defer cfgManager.Close()

	accounts := cfgManager.Accounts()
	accountIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		accountIDs = append(accountIDs, a.ID)
	}
	log.Printf("loaded %d account(s) from %s", len(accounts), envCfg.RuntimeConfigFile)

	balancer := loadbalance.New(accountIDs, cfgManager.LoadBalanceStrategy(), cfgManager.RateLimitDuration())
	accountStore := accountstore.NewMemoryStore(accounts)

	oauthClient := oauthrefresh.New(oauthrefresh.Config{
		TokenURL: envCfg.OAuthTokenURL,
		ClientID: envCfg.OAuthClientID,
		Scope:    envCfg.OAuthScope,
	})

	upstreamClient := upstream.New(upstream.Config{
		BaseURL:        envCfg.UpstreamBaseURL,
		RequestTimeout: time.Duration(envCfg.UpstreamRequestTimeoutSeconds) * time.Second,
	})

	sigCache := sigcache.New(sigcache.DefaultConfig())
	defer sigCache.Close()

	usageRecorder, err := usage.Open(envCfg.UsageDBFile)
	if err != nil {
		log.Fatalf("failed to open usage recorder: %v", err)
	}
	defer usageRecorder.Close()

	exec := executor.New(executor.Deps{
		Router:      cfgManager.Router(),
		Balancer:    balancer,
		Accounts:    accountStore,
		OAuth:       oauthClient,
		Upstream:    upstreamClient,
		SigCache:    sigCache,
		Usage:       usageRecorder,
		Compression: cfgManager.CompressionThresholds(),
	})

	// A hot reload of the runtime config is only logged here: the router,
	// load balancer, account pool and compression thresholds keep the
	// values they were built with at startup.
	cfgManager.SetOnChangeCallback(func(rc config.RuntimeConfig) {
		log.Printf("runtime config reloaded: %d account(s), strategy=%s", len(rc.Accounts), rc.LoadBalanceStrategy)
	})

	engine := httpapi.New(httpapi.Deps{
		Env:      envCfg,
		Executor: exec,
		Balancer: balancer,
		Usage:    usageRecorder,
	})

	addr := fmt.Sprintf(":%d", envCfg.Port)
	fmt.Printf("\nrelaybridge listening on %s\n", addr)
	fmt.Printf("environment: %s\n", envCfg.Env)
	fmt.Printf("accounts pooled: %d\n", len(accounts))
	fmt.Printf("POST /v1/messages\n")
	fmt.Printf("POST /v1/chat/completions\n")
	if envCfg.HealthCheckEnabled {
		fmt.Printf("GET  %s\n", envCfg.HealthCheckPath)
	}
	if envCfg.ProxyAccessKey == "your-proxy-access-key" {
		fmt.Printf("access key: your-proxy-access-key (default, change it via .env)\n")
	}
	fmt.Println()

	if err := engine.Run(addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
