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

	"golang.org/x/crypto/bcrypt"

	"tillbook/backend/internal/cache"
	"tillbook/backend/internal/config"
	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/httpapi"
	"tillbook/backend/internal/service"
	"tillbook/backend/internal/store"
	"tillbook/backend/internal/store/memory"
	mysqlstore "tillbook/backend/internal/store/mysql"
	pgstore "tillbook/backend/internal/store/postgres"
)

type sqlRepository interface {
	store.Repository
	Migrate(ctx context.Context) error
	Close() error
}

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			log.Fatalf("%s unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", cfg.DatabaseDriver, err)
		}
		closers = append(closers, db.Close)
		if cfg.MigrateOnStart {
			if err := db.Migrate(ctx); err != nil {
				log.Fatalf("migrate %s: %v", cfg.DatabaseDriver, err)
			}
		}
		repo = db
		log.Printf("repository: %s", cfg.DatabaseDriver)
	} else {
		repo = memory.NewSeeded(memory.WithLockTimeout(cfg.InvoiceLockTimeout()))
		log.Println("repository: in-memory")
	}

	invoiceCache := cache.InvoiceCache(cache.NoopInvoiceCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisInvoiceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
			_ = redisCache.Close()
		} else {
			invoiceCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	svc := service.New(repo, invoiceCache, service.Options{
		EnforceStockFloor: !cfg.AllowNegativeStock,
		InvoiceCacheTTL:   cfg.InvoiceCacheTTL(),
	})
	if err := bootstrapDatabase(ctx, repo, svc, cfg); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("invoice backend listening on %s", cfg.Address())
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

	log.Println("server stopped")
}

func openDatabase(ctx context.Context, cfg config.Config) (sqlRepository, error) {
	switch cfg.DatabaseDriver {
	case "postgres", "postgresql", "pgx":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.WithLockTimeout(cfg.InvoiceLockTimeout()))
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "mysql":
		my, err := mysqlstore.New(ctx, cfg.DatabaseURL, mysqlstore.WithLockTimeout(cfg.InvoiceLockTimeout()))
		if err != nil {
			return nil, err
		}
		return my, nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
}

// bootstrapDatabase creates the first shop and its admin on an empty user
// table. It does nothing once any user exists.
func bootstrapDatabase(ctx context.Context, repo store.Repository, svc *service.Service, cfg config.Config) error {
	users, err := repo.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}
	if len(cfg.BootstrapAdminPassword) < 8 {
		log.Println("no users found; set BOOTSTRAP_ADMIN_PASSWORD (8+ chars) to create the first shop admin")
		return nil
	}

	name := cfg.BootstrapShopName
	if name == "" {
		name = "Main Shop"
	}
	shop, err := svc.CreateShop(ctx, domain.Shop{Name: name, Language: "en"})
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := repo.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		ShopID:    shop.ID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	log.Printf("bootstrap: created shop %d (%s) with user admin", shop.ID, shop.Name)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
