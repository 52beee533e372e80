package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/config"
	"github.com/opspilot/sync-infra/internal/logging"
	natsjs "github.com/opspilot/sync-infra/internal/nats"
	"github.com/opspilot/sync-infra/internal/providers/gcal"
	"github.com/opspilot/sync-infra/internal/providers/gmail"
	"github.com/opspilot/sync-infra/internal/providers/outlook"
	"github.com/opspilot/sync-infra/internal/store"
	syncpkg "github.com/opspilot/sync-infra/internal/sync"
	"github.com/opspilot/sync-infra/internal/vault"
)

var knownProviders = []syncpkg.ProviderName{
	syncpkg.ProviderGmail,
	syncpkg.ProviderGoogleCalendar,
	syncpkg.ProviderOutlook,
}

type connectRequest struct {
	AccessToken       string `json:"access_token" binding:"required"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresAt         int64  `json:"expires_at"` // unix timestamp, 0 = no expiry
	Scope             string `json:"scope"`
	ExternalAccountID string `json:"external_account_id"`
}

type syncRequest struct {
	Provider string `json:"provider" binding:"required"`
	Resource string `json:"resource" binding:"required"`
	Mode     string `json:"mode"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	logger, err := logging.New(*dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := store.Open(cfg.ControlDB)
	if err != nil {
		logger.Fatal("failed to open control store", zap.Error(err))
	}
	defer ctrl.Close()

	cipher, err := vault.NewCipher(cfg.TokenMasterKey, cfg.PersonalMasterKey)
	if err != nil {
		logger.Fatal("failed to init cipher", zap.Error(err))
	}

	oauthConfigs := make(map[string]*oauth2.Config, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		oauthConfigs[name] = &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Scopes:       pc.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: pc.TokenURL},
		}
	}

	v := vault.New(ctrl, cipher, oauthConfigs, logger.Named("vault"))

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer publisher.Close()

	if err := publisher.EnsureStream(ctx); err != nil {
		logger.Fatal("failed to ensure NATS stream", zap.Error(err))
	}

	stores := syncpkg.NewAccountStores(ctx, cfg.DataRoot, publisher, logger.Named("dispatch"))
	defer stores.Close()

	factory := func(ctx context.Context, tok *auth.Token, accountID string, provider syncpkg.ProviderName) (syncpkg.Provider, error) {
		switch provider {
		case syncpkg.ProviderGmail:
			return gmail.New(ctx, tok)
		case syncpkg.ProviderGoogleCalendar:
			return gcal.New(ctx, tok)
		case syncpkg.ProviderOutlook:
			rec, err := ctrl.GetCredential(ctx, accountID, string(provider))
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, fmt.Errorf("no credential record for %s/%s", accountID, provider)
			}
			return outlook.New(ctx, tok, rec.ExternalAccountID)
		default:
			return nil, fmt.Errorf("unsupported provider %q", provider)
		}
	}

	orch := syncpkg.NewOrchestrator(ctrl, v, factory, stores.ApplierFor, time.Duration(cfg.RunBudget), logger.Named("sync"))
	manager := syncpkg.NewManager(orch, time.Duration(cfg.SyncInterval), logger.Named("manager"))
	defer manager.StopAll()

	verifier, err := auth.NewVerifier(cfg.JWKSURL)
	if err != nil {
		logger.Fatal("failed to init JWT verifier", zap.Error(err))
	}

	r := gin.Default()
	api := r.Group("/")
	api.Use(accountMiddleware(verifier))

	api.POST("/integrations/:provider/connect", func(c *gin.Context) {
		provider, err := parseProvider(c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tr := vault.TokenResponse{
			AccessToken:       req.AccessToken,
			RefreshToken:      req.RefreshToken,
			Scope:             req.Scope,
			ExternalAccountID: req.ExternalAccountID,
		}
		if req.ExpiresAt > 0 {
			e := time.Unix(req.ExpiresAt, 0)
			tr.Expiry = &e
		}

		accountID := c.GetString("account_id")
		if err := v.Store(c.Request.Context(), accountID, string(provider), tr); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "connected"})
	})

	api.DELETE("/integrations/:provider", func(c *gin.Context) {
		provider, err := parseProvider(c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		accountID := c.GetString("account_id")
		if err := v.Disconnect(c.Request.Context(), accountID, string(provider)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	})

	api.GET("/integrations", func(c *gin.Context) {
		accountID := c.GetString("account_id")

		status := make(map[string]string, len(knownProviders))
		for _, p := range knownProviders {
			connected, err := v.Connected(c.Request.Context(), accountID, string(p))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if connected {
				status[string(p)] = "connected"
			} else {
				status[string(p)] = "not connected"
			}
		}
		c.JSON(http.StatusOK, status)
	})

	api.POST("/sync", func(c *gin.Context) {
		var req syncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider, err := parseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		accountID := c.GetString("account_id")
		connected, err := v.Connected(c.Request.Context(), accountID, string(provider))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !connected {
			c.JSON(http.StatusConflict, gin.H{"error": "not connected, please reconnect"})
			return
		}

		if err := manager.RequestSync(accountID, provider, req.Resource, req.Mode); err != nil {
			if errors.Is(err, syncpkg.ErrAlreadyRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})

	api.POST("/sync/watch", func(c *gin.Context) {
		var req syncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider, err := parseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		accountID := c.GetString("account_id")
		if err := manager.StartLoop(ctx, accountID, provider, req.Resource); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "watching"})
	})

	api.DELETE("/sync/watch", func(c *gin.Context) {
		var req syncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider, err := parseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		accountID := c.GetString("account_id")
		if err := manager.StopLoop(accountID, provider, req.Resource); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	api.GET("/sync/runs", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		runs, err := ctrl.ListRuns(c.Request.Context(), accountID, c.Query("provider"), c.Query("resource"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	})

	api.GET("/sync/active", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.Running()})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func accountMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := verifier.AccountFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("account_id", accountID)
		c.Next()
	}
}

func parseProvider(s string) (syncpkg.ProviderName, error) {
	for _, p := range knownProviders {
		if s == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}
