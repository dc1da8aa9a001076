package router

import (
	"log"
	"time"

	"comuna/config"
	"comuna/internal/handler"
	"comuna/internal/middleware"
	"comuna/internal/repository"
	"comuna/internal/service"
	"comuna/pkg/payment"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func Setup(cfg *config.Config, db *gorm.DB) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit(middleware.NewInMemoryRateLimiter(100, 60*time.Second)))

	// Repositories
	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	postRepo := repository.NewPostRepository(db)

	// Provider: real PayPal when credentials are configured, stub otherwise.
	var provider payment.Provider
	if cfg.PayPal.ClientID != "" {
		provider = payment.NewPayPalProvider(cfg.PayPal.BaseURL, cfg.PayPal.ClientID, cfg.PayPal.ClientSecret)
	} else {
		log.Printf("[PayPal] no client id configured, using stub provider")
		provider = &payment.StubProvider{}
	}

	// Services
	authSvc := service.NewAuthService(cfg, userRepo)
	membershipSvc := service.NewMembershipService(cfg, userRepo, paymentRepo)
	captureSvc := service.NewCaptureService(cfg, paymentRepo, membershipSvc, provider)

	// Handlers
	authHandler := handler.NewAuthHandler(authSvc)
	meHandler := handler.NewMeHandler()
	postHandler := handler.NewPostHandler(postRepo)
	paypalHandler := handler.NewPayPalHandler(captureSvc, paymentRepo)
	paypalWebhookHandler := handler.NewPayPalWebhookHandler(paymentRepo, membershipSvc)

	api := r.Group("/api/v1")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/register", authHandler.Register)
			authRoutes.POST("/login", authHandler.Login)
			authRoutes.POST("/refresh", authHandler.Refresh)
		}

		// Webhooks are authenticated by the provider, not by our JWTs, and
		// must stay reachable when tokens are not.
		api.POST("/webhooks/paypal", middleware.BodyLimit(1<<20), paypalWebhookHandler.Handle)

		// Every authenticated route runs the membership guard: lazy expiry
		// happens here, before any handler-level authorization.
		authed := api.Group("")
		authed.Use(middleware.AuthRequired(&cfg.JWT), middleware.MembershipGuard(membershipSvc))
		{
			authed.GET("/me", meHandler.Profile)
			authed.GET("/posts", postHandler.List)
			authed.POST("/posts", postHandler.Create)
			// Tighter than the global limit: each capture may spend the full
			// retry budget against the provider.
			authed.POST("/payments/paypal/capture",
				middleware.RateLimit(middleware.NewInMemoryRateLimiter(10, time.Minute)),
				paypalHandler.Capture)
			authed.GET("/payments", paypalHandler.ListPayments)
		}
	}
	return r
}
