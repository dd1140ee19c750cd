package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/observability"
	obsmetrics "github.com/smallbiznis/cohere/internal/observability/metrics"
	obsmiddleware "github.com/smallbiznis/cohere/internal/observability/logger"
	obstracing "github.com/smallbiznis/cohere/internal/observability/tracing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/ratelimit"
	"github.com/smallbiznis/cohere/internal/transfer"
	webhookdomain "github.com/smallbiznis/cohere/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// escrowManager is the slice of the transfer service the operator endpoints drive.
type escrowManager interface {
	ReleaseEscrow(ctx context.Context, contributionID, classID, participantID string) (int, error)
	RevokeAccess(ctx context.Context, transactionID string) error
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	checkoutSvc checkoutdomain.Service
	webhookSvc  webhookdomain.Service
	purchases   purchasedomain.Repository
	escrow      escrowManager
	limiter     clientLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	CheckoutSvc checkoutdomain.Service
	WebhookSvc  webhookdomain.Service
	Purchases   purchasedomain.Repository
	Transfers   *transfer.Service
	Limiter     *ratelimit.CheckoutLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		checkoutSvc: p.CheckoutSvc,
		webhookSvc:  p.WebhookSvc,
		purchases:   p.Purchases,
		escrow:      p.Transfers,
		obsMetrics:  p.ObsMetrics,
	}
	if p.Limiter != nil {
		svc.limiter = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerOpsRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.ClientRequired(), s.CheckoutRateLimit())

	// -------- Checkout --------
	api.POST("/checkout/one-to-one", s.PurchaseOneToOneSession)
	api.POST("/checkout/sessions-package", s.PurchaseSessionsPackage)
	api.POST("/checkout/monthly-subscription", s.PurchaseMonthlySessionSubscription)
	api.POST("/checkout/course", s.PurchaseCourse)
	api.POST("/checkout/membership", s.PurchaseMembership)
	api.POST("/checkout/session", s.CreateCheckoutSession)
	api.POST("/checkout/join-free", s.JoinFree)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/api/payments/webhooks")

	hooks.POST("/stripe", s.HandlePlatformWebhook)
	hooks.POST("/stripe/connect", s.HandleConnectWebhook)
}

func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	ops.GET("/contributors/:contributorId/purchases", s.ListContributorPurchases)
	ops.POST("/escrow/release", s.ReleaseEscrow)
	ops.POST("/payments/:transactionId/revoke-access", s.RevokeAccess)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
