package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zhifu/charity-settlement/config"
	"github.com/zhifu/charity-settlement/models"
	"github.com/zhifu/charity-settlement/routes"
	"github.com/zhifu/charity-settlement/services"
	"github.com/zhifu/charity-settlement/utils"
	"gorm.io/gorm"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "donation-server",
		Short:        "Donation settlement service",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: ./config.yaml, then next to the binary)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 读取并校验配置，生产环境告警写入日志
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := utils.NewLogger(cfg.Log.Env)

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, log, err
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	return cfg, log, nil
}

func openDatabase(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	if cfg.Storage.Driver != "mysql" {
		return nil, fmt.Errorf("storage.driver %q has no database", cfg.Storage.Driver)
	}
	return utils.InitDatabase(cfg.MySQL, cfg.IsProduction(), log)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledger services.LedgerStore
	switch cfg.Storage.Driver {
	case "mysql":
		db, err := openDatabase(cfg, log)
		if err != nil {
			return err
		}
		ledger = services.NewGormLedger(db)
	case "memory":
		memory := services.NewMemoryLedger()
		if err := seedDemoCampaign(ctx, memory, cfg.Donation.Currency); err != nil {
			return err
		}
		log.Warn().Msg("using in-memory ledger, data is lost on restart")
		ledger = memory
	}

	var redisClient *redis.Client
	var limiter *utils.RateLimiter
	if cfg.Redis.Addr != "" {
		redisClient, err = utils.ConnectRedis(cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, rate limiting fails open")
		}
		limiter = utils.NewRateLimiter(redisClient, "donations", cfg.RateLimit.DonationMax, cfg.RateLimit.Window())
	}

	gateway := services.NewRazorpayGateway(services.RazorpayConfig{
		KeyID:     cfg.Razorpay.KeyID,
		KeySecret: cfg.Razorpay.KeySecret,
		APIURL:    cfg.Razorpay.APIURL,
		Timeout:   cfg.Razorpay.Timeout(),
	}, log)

	settlement := services.NewSettlement(gateway, ledger, services.SettlementConfig{
		Currency:         cfg.Donation.Currency,
		MinAmount:        cfg.Donation.MinAmount,
		MaxAmount:        cfg.Donation.MaxAmount,
		MaxMessageLength: cfg.Donation.MaxMessageLength,
	}, log)

	hub := routes.NewHub(func(ctx context.Context, campaignID string) (*services.DonationPage, error) {
		return settlement.ListCompletedDonations(ctx, campaignID, 1, 20)
	}, log)
	settlement.SetNotifier(hub)
	go hub.Run(ctx)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	// 只有可信代理转发的请求才解析 X-Forwarded-For，限流按 c.ClientIP() 计数
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("invalid server.trusted_proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	routes.NewAPIRoutes(settlement, hub, routes.RouteOptions{
		JWTSecret: cfg.Auth.JWTSecret,
		PublicURL: cfg.Server.PublicURL,
		Redis:     redisClient,
		Limiter:   limiter,
	}, log).SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("mode", gin.Mode()).Str("storage", cfg.Storage.Driver).Msg("server running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedDemoCampaign 内存模式下预置一个可捐款的活动
func seedDemoCampaign(ctx context.Context, ledger services.LedgerStore, currency string) error {
	return ledger.SaveCampaign(ctx, &models.Campaign{
		ID:           "demo",
		Title:        "Demo campaign",
		TargetAmount: 100000,
		Currency:     currency,
		Status:       models.CampaignActive,
		EndDate:      time.Now().AddDate(0, 1, 0),
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the campaigns and donations tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg, log)
			if err != nil {
				return err
			}
			return utils.MigrateDatabase(db, log)
		},
	}
}

func campaignCmd() *cobra.Command {
	var (
		title  string
		target int64
		days   int
		status string
	)

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign in the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if title == "" || target <= 0 || days <= 0 {
				return errors.New("--title, --target and --days are required")
			}
			campaignStatus, err := models.ParseCampaignStatus(status)
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg, log)
			if err != nil {
				return err
			}

			campaign := &models.Campaign{
				ID:           uuid.NewString(),
				Title:        title,
				TargetAmount: target,
				Currency:     cfg.Donation.Currency,
				Status:       campaignStatus,
				EndDate:      time.Now().AddDate(0, 0, days),
			}
			if err := services.NewGormLedger(db).SaveCampaign(cmd.Context(), campaign); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), campaign.ID)
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "campaign title")
	create.Flags().Int64Var(&target, "target", 0, "target amount in major currency units")
	create.Flags().IntVar(&days, "days", 30, "days until the campaign ends")
	create.Flags().StringVar(&status, "status", string(models.CampaignActive), "initial status: pending, active, completed or disabled")

	cmd := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	cmd.AddCommand(create)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token (e.g. for refund administrators)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			token, err := routes.IssueToken(cfg.Auth.JWTSecret, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&role, "role", "", "role claim, \"admin\" allows refunds")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
