package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/config"
	"github.com/vaultbank/backend/internal/database"
	"github.com/vaultbank/backend/internal/handlers"
	"github.com/vaultbank/backend/internal/logging"
	mW "github.com/vaultbank/backend/internal/middleware"
	"github.com/vaultbank/backend/internal/services"
)

func main() {
	config.Load()

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db := database.InitDatabase(logger)
	defer db.Close()

	redisClient := database.InitRedis(logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	exchangeCfg := config.GetExchange()
	webhookCfg := config.GetWebhook()

	creds := services.NewArgon2Credentials()
	ledger := services.NewLedgerService(db)
	exchange := services.NewExchangeService(exchangeCfg.APIURL, exchangeCfg.BaseCurrency,
		exchangeCfg.CacheTTL, exchangeCfg.HTTPTimeout, logger)
	outbox := services.NewWebhookService(db, redisClient, webhookCfg.QueueKey,
		webhookCfg.Secret, logger)
	worker := services.NewWebhookWorker(db, redisClient, outbox, webhookCfg, nil, logger)

	accountService := services.NewAccountService(db, creds, logger)
	transferService := services.NewTransferService(db, ledger, exchange, outbox,
		config.GetBank(), logger)
	invoiceService := services.NewInvoiceService(db, ledger, outbox, creds, logger)

	accountHandler := handlers.NewAccountHandler(accountService, logger)
	transferHandler := handlers.NewTransferHandler(transferService, logger)
	invoiceHandler := handlers.NewInvoiceHandler(invoiceService, logger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker.Run(workerCtx)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", accountHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/accounts/{accountID}", accountHandler.Get)
			r.Get("/accounts/{accountID}/history", accountHandler.History)
			r.Get("/accounts/number/{accountNumber}", accountHandler.GetByNumber)

			r.Post("/transfers", transferHandler.Transfer)
			r.Post("/deposits", transferHandler.Deposit)
			r.Post("/charges", transferHandler.Charge)

			r.Post("/invoices", invoiceHandler.Create)
			r.Get("/invoices/{invoiceID}", invoiceHandler.Get)
			r.Get("/invoices/{invoiceID}/qr", invoiceHandler.QR)
			r.Post("/invoices/{invoiceID}/pay", invoiceHandler.Pay)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
