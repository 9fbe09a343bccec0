package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/config"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/observability"
	obslogger "github.com/smallbiznis/netbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/netbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(obsCfg.ServiceName))
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())
	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

type Server struct {
	engine          *gin.Engine
	db              *gorm.DB
	customerSvc     customerdomain.Service
	networkSvc      networkdomain.Service
	subscriptionSvc subscriptiondomain.Service
	activitySvc     activitydomain.Service
	usageSvc        usagedomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	DB              *gorm.DB
	CustomerSvc     customerdomain.Service
	NetworkSvc      networkdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ActivitySvc     activitydomain.Service
	UsageSvc        usagedomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		db:              p.DB,
		customerSvc:     p.CustomerSvc,
		networkSvc:      p.NetworkSvc,
		subscriptionSvc: p.SubscriptionSvc,
		activitySvc:     p.ActivitySvc,
		usageSvc:        p.UsageSvc,
	}

	s.registerProbeRoutes()
	s.registerAdminRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerProbeRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1")

	// -------- Customers --------
	admin.POST("/customers", s.CreateCustomer)
	admin.GET("/customers", s.ListCustomers)
	admin.GET("/customers/:customer_id", s.GetCustomerByID)

	// -------- Subscriptions --------
	admin.POST("/customers/:customer_id/subscription", s.CreateSubscription)
	admin.GET("/customers/:customer_id/subscription", s.GetSubscription)
	admin.DELETE("/customers/:customer_id/subscription", s.CancelSubscription)

	// -------- Networks --------
	admin.POST("/networks", s.CreateNetwork)
	admin.GET("/networks/:network_id", s.GetNetwork)
	admin.POST("/networks/:network_id/suspend", s.SuspendNetwork)
	admin.POST("/networks/:network_id/resume", s.ResumeNetwork)
	admin.DELETE("/networks/:network_id", s.DeleteNetwork)

	admin.GET("/networks/:network_id/members", s.ListMembers)
	admin.POST("/networks/:network_id/members", s.JoinNetwork)
	admin.POST("/networks/:network_id/members/:username/leave", s.LeaveNetwork)
	admin.POST("/networks/:network_id/members/:username/kick", s.KickMember)

	// -------- Activity & usage --------
	admin.POST("/networks/:network_id/activity", s.RecordActivity)
	admin.POST("/networks/:network_id/usage", s.ComputeUsage)
	admin.GET("/networks/:network_id/usage", s.GetUsage)
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
