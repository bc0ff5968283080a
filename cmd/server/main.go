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

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"possettle/backend/internal/config"
	"possettle/backend/internal/domain"
	"possettle/backend/internal/events"
	"possettle/backend/internal/httpapi"
	"possettle/backend/internal/lock"
	"possettle/backend/internal/service"
	"possettle/backend/internal/store"
	"possettle/backend/internal/store/memory"
	pgstore "possettle/backend/internal/store/postgres"
	"possettle/backend/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		log.Printf("telemetry unavailable (%v), continuing without export", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	var repo store.Store
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		if err := seedUsers(ctx, pg); err != nil {
			log.Fatalf("seeding users failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	bus := events.NewBus()
	bus.Subscribe(events.LogHandler)
	publishers := events.Multi{bus}
	opts := []service.Option{}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), using process-local invoice lock", err)
			_ = client.Close()
		} else {
			ttl := time.Duration(cfg.InvoiceLockTTLSeconds) * time.Second
			opts = append(opts, service.WithLocker(lock.NewRedis(client, "pos:lock:", ttl)))
			publishers = append(publishers, events.NewRedisPublisher(client, cfg.EventsChannel))
			closers = append(closers, client.Close)
			log.Println("coordination: redis")
		}
	} else {
		log.Println("coordination: local")
	}
	opts = append(opts, service.WithPublisher(publishers))

	svc := service.New(repo, service.Config{
		TaxRatePercent:     cfg.TaxRatePercent,
		AllowNegativeStock: cfg.AllowNegativeStock,
		InvoicePrefix:      cfg.InvoicePrefix,
		InvoiceSeqDigits:   cfg.InvoiceSeqDigits,
	}, opts...)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.ServiceName)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s (tax %s%%)", cfg.Address(), svc.TaxRate().String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown error: %v", err)
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.InvoiceSeqDigits < 1 {
		return fmt.Errorf("INVOICE_SEQ_DIGITS must be positive")
	}
	return nil
}

type userSeeder interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedUsers creates the first admin and cashier accounts in an empty user
// table. Passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
func seedUsers(ctx context.Context, users userSeeder) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	seeds := []struct {
		username string
		env      string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", domain.RoleAdmin},
		{"cashier", "SEED_CASHIER_PASSWORD", domain.RoleCashier},
	}
	now := time.Now().UTC()
	for _, seed := range seeds {
		password := os.Getenv(seed.env)
		if len(password) < 6 {
			return fmt.Errorf("%s must be set (at least 6 characters) to seed an empty user table", seed.env)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := users.CreateUser(ctx, domain.UserAccount{
			Username:  seed.username,
			Password:  string(hash),
			Role:      seed.role,
			Active:    true,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		log.Printf("seeded %s account %q", seed.role, seed.username)
	}
	return nil
}
