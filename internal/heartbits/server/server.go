package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kudohub/heartbits/internal/heartbits/config"
	"github.com/kudohub/heartbits/internal/heartbits/events"
	"github.com/kudohub/heartbits/internal/heartbits/events/kafka"
	"github.com/kudohub/heartbits/internal/heartbits/handlers"
	"github.com/kudohub/heartbits/internal/heartbits/middleware"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
	"github.com/kudohub/heartbits/internal/heartbits/service"
)

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	repo       repository.Repository
	reconciler *service.Reconciler
	handler    *handlers.Handler
	httpServer *http.Server
}

// NewServer creates a new server
func NewServer(cfg *config.Config) *Server {
	repo := repository.NewPostgresRepository(cfg.DatabaseURI)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers)
	}

	ledger := service.NewLedgerService(repo)
	transfers := service.NewTransferService(repo, publisher)
	checkout := service.NewCheckoutService(repo, publisher)
	reconciler := service.NewReconciler(repo, cfg.ReconcileInterval)
	handler := handlers.NewHandler(repo, ledger, transfers, checkout, cfg.JWTSecret)

	return &Server{
		cfg:        cfg,
		repo:       repo,
		reconciler: reconciler,
		handler:    handler,
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	// Initialize repository
	if err := s.repo.InitDB(s.cfg.DatabaseURI); err != nil {
		return err
	}

	// Start background reconciliation audit
	s.reconciler.Start()

	// Create router
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// Public routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", s.handler.RegisterUser)
		r.Post("/user/login", s.handler.LoginUser)

		// Protected routes
		r.Group(func(r chi.Router) {
			jwtConfig := &middleware.JWTConfig{
				SecretKey: s.cfg.JWTSecret,
				Repo:      s.repo,
			}
			r.Use(middleware.AuthMiddleware(jwtConfig))

			r.Get("/user/balance", s.handler.GetBalance)
			r.Get("/user/transactions", s.handler.GetTransactions)
			r.Post("/user/transfer", s.handler.TransferPoints)

			r.Get("/products", s.handler.ListProducts)

			r.Post("/orders", s.handler.CreateOrder)
			r.Get("/orders", s.handler.GetOrders)
			r.Post("/orders/{orderID}/cancel", s.handler.CancelOrder)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/admin/adjust", s.handler.AdminAdjust)
				r.Post("/admin/orders/{orderID}/resolve", s.handler.ResolveCancellation)
				r.Post("/admin/products", s.handler.CreateProduct)
				r.Put("/admin/products/{productID}", s.handler.UpdateProduct)
			})
		})
	})

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:    s.cfg.RunAddress,
		Handler: r,
	}

	// Start server
	log.Printf("Starting server on %s", s.cfg.RunAddress)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Shutdown HTTP server
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	// Stop reconciliation audit
	if s.reconciler != nil {
		s.reconciler.Stop()
	}

	// Close repository
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			return err
		}
	}

	return nil
}
