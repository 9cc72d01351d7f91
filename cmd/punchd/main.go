package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"studentpunch/internal/auth"
	"studentpunch/internal/capture"
	"studentpunch/internal/checkin"
	"studentpunch/internal/config"
	"studentpunch/internal/db"
	"studentpunch/internal/geocode"
	checkingrpc "studentpunch/internal/grpc"
	internalhttp "studentpunch/internal/http"
	"studentpunch/internal/jobs"
	"studentpunch/internal/location"
	"studentpunch/internal/metrics"
	"studentpunch/internal/store"
)

type locationBackend interface {
	checkin.LocationProvider
	location.Sink
}

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	locations, err := openLocation(cfg, redisClient)
	if err != nil {
		log.Fatalf("location init failed: %v", err)
	}

	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt key init failed: %v", err)
	}
	session := auth.NewSession(publicKey, cfg.JWTIssuer)

	photos, err := capture.NewPhotoStore(cfg.PhotoDir, cfg.PhotoMaxDimension, cfg.PhotoQuality)
	if err != nil {
		log.Fatalf("photo store init failed: %v", err)
	}
	shutter := capture.NewShutter(photos)

	collectors := metrics.New(prometheus.DefaultRegisterer)
	opts := checkin.Options{
		LocationTimeout: cfg.LocationTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		GeocodeTimeout:  cfg.GeocodeTimeout,
		Observer:        collectors,
	}
	if cfg.GeocodeEnabled {
		opts.Resolver = geocode.NewNominatim(cfg.GeocodeURL, &http.Client{Timeout: cfg.GeocodeTimeout})
	}
	orchestrator := checkin.New(session, shutter, locations, records, opts)

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Session:      session,
		Orchestrator: orchestrator,
		Shutter:      shutter,
		Photos:       photos,
		Locations:    locations,
		Records:      records,
	})
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	deviceTokenInterceptor, err := checkingrpc.NewDeviceTokenInterceptor(cfg.DeviceToken)
	if err != nil {
		log.Fatalf("grpc device token init failed: %v", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(deviceTokenInterceptor))
	checkingrpc.RegisterCheckInQueryServiceServer(grpcServer, checkingrpc.NewCheckInQueryServer(records, orchestrator, cfg.HistoryLimit))

	jobs.StartPhotoSweepJob(ctx, cfg, photos, collectors)

	go func() {
		log.Printf("punchd http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen error: %v", err)
		}
		log.Printf("punchd grpc listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatalf("grpc server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
}

func openStore(ctx context.Context, cfg config.Config) (checkin.Repository, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connection: %w", err)
		}
		pgStore := db.NewStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		return pgStore, pool.Close, nil
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return nil, nil, fmt.Errorf("FIRESTORE_PROJECT_ID required")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.Printf("firestore close error: %v", err)
			}
		}
		return store.NewFirestore(client, cfg.FirestoreCollection), closeClient, nil
	case "memory":
		log.Printf("using in-memory store: check-ins are lost on restart")
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func openLocation(cfg config.Config, redisClient *redis.Client) (locationBackend, error) {
	switch cfg.LocationBackend {
	case "memory":
		return location.NewFeed(cfg.LocationMaxAge), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("REDIS_ADDR required for redis location backend")
		}
		return location.NewRedisCache(redisClient, cfg.DeviceID, cfg.LocationMaxAge), nil
	case "static":
		coords, err := location.ParseStatic(cfg.LocationStatic)
		if err != nil {
			return nil, err
		}
		return location.NewStatic(coords), nil
	default:
		return nil, fmt.Errorf("unknown LOCATION_BACKEND %q", cfg.LocationBackend)
	}
}
