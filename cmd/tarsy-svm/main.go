// tarsy-svm runs the central-node execution pool: it claims pending
// execution sessions, drives them through the semantic VM, and exposes an
// HTTP surface for health and session submission.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/llm-ir/svm/pkg/audit"
	"github.com/llm-ir/svm/pkg/config"
	"github.com/llm-ir/svm/pkg/database"
	"github.com/llm-ir/svm/pkg/executors/llmcall"
	"github.com/llm-ir/svm/pkg/executors/toolprotocol"
	"github.com/llm-ir/svm/pkg/fleet"
	"github.com/llm-ir/svm/pkg/masking"
	"github.com/llm-ir/svm/pkg/plan"
	"github.com/llm-ir/svm/pkg/seal"
	"github.com/llm-ir/svm/pkg/svm"
	"github.com/llm-ir/svm/pkg/vault"
	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	nodeID := flag.String("node-id", getEnv("NODE_ID", "central-1"), "Identity of this central node")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	log.Printf("Starting tarsy-svm node=%s", *nodeID)
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	stats := cfg.Stats()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	if err := fleet.CleanupStartupOrphans(ctx, dbClient.Client, *nodeID); err != nil {
		log.Printf("Warning: startup orphan cleanup failed: %v", err)
	}

	chain := audit.NewChain(dbClient.Client)

	maskingService := masking.NewService(cfg.MCPServerRegistry, masking.ExecutionMaskingConfig{
		Enabled:      getEnv("EXECUTION_MASKING_ENABLED", "true") == "true",
		PatternGroup: getEnv("EXECUTION_MASKING_PATTERN_GROUP", "default"),
	})
	chain.SetMasker(maskingService)

	keys, err := seal.LoadKeyPair()
	if err != nil {
		log.Fatalf("Failed to load signing key pair: %v", err)
	}
	// This node verifies with the same key pair the compiler signs with.
	// A split-key deployment would instead load only the public half from
	// cfg.SigningPublicKeyPath; that loader does not exist yet.
	publicKey := keys.Public

	executors := svm.NewExecutorRegistry()
	executors.Register("Http", svm.NewHTTPExecutor())

	var llmExecutor svm.LLMExecutor
	if addr := getEnv("LLM_GRPC_ADDR", ""); addr != "" {
		grpcClient, err := llmcall.NewGRPCClient(addr)
		if err != nil {
			log.Printf("Warning: LLM gRPC client unavailable (%v); LLM_CALL instructions will fail", err)
		} else {
			llmExecutor = llmcall.NewVMAdapter(grpcClient, cfg.LLMProviderRegistry)
		}
	} else {
		log.Printf("LLM_GRPC_ADDR not set; LLM_CALL instructions will fail")
	}

	vm := svm.New(svm.Config{
		Executors: executors,
		LLM:       llmExecutor,
		Vault:     vault.NewEnvVault(),
		Audit:     chain,
	})

	toolFactory := toolprotocol.NewClientFactory(cfg.MCPServerRegistry, maskingService)
	sessionExecutor := svm.NewSessionExecutor(
		vm,
		seal.NewMemoryStore(),
		plan.NewMemoryStore(),
		publicKey,
		sessionToolFactory{toolFactory, cfg.MCPServerRegistry},
	)

	pool := fleet.NewWorkerPool(*nodeID, dbClient.Client, cfg.Queue, sessionExecutor, chain)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	defer pool.Stop()

	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbHealth,
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"database": dbHealth,
			"pool":     pool.Health(),
			"configuration": gin.H{
				"mcp_servers":      stats.MCPServerCount,
				"llm_providers":    stats.LLMProviderCount,
				"ir_version_major": stats.IRVersionMajor,
			},
		})
	})

	router.POST("/sessions/:id/cancel", func(c *gin.Context) {
		if pool.CancelSession(c.Param("id")) {
			c.Status(http.StatusAccepted)
			return
		}
		c.Status(http.StatusNotFound)
	})

	server := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server did not shut down cleanly", "error", err)
	}
}

// sessionToolFactory adapts toolprotocol.ClientFactory to svm.ToolExecutorFactory,
// scoping every session to every currently configured MCP server. A future
// revision could instead resolve each workflow's server list from artifact
// metadata once the IR Generator records one.
type sessionToolFactory struct {
	factory  *toolprotocol.ClientFactory
	registry *config.MCPServerRegistry
}

func (f sessionToolFactory) CreateToolExecutor(ctx context.Context, _ []string, toolFilter map[string][]string) (svm.ToolExecutor, io.Closer, error) {
	serverIDs := make([]string, 0, len(f.registry.GetAll()))
	for id := range f.registry.GetAll() {
		serverIDs = append(serverIDs, id)
	}
	executor, _, err := f.factory.CreateToolExecutor(ctx, serverIDs, toolFilter)
	if err != nil {
		return nil, nil, err
	}
	return executor, executor, nil
}
