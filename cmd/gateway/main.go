package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/babs0022/shield-privacy-guide/pkg/auth"
	"github.com/babs0022/shield-privacy-guide/pkg/blob"
	"github.com/babs0022/shield-privacy-guide/pkg/events"
	"github.com/babs0022/shield-privacy-guide/pkg/httpx"
	"github.com/babs0022/shield-privacy-guide/pkg/metrics"
	"github.com/babs0022/shield-privacy-guide/pkg/policy"
	"github.com/babs0022/shield-privacy-guide/pkg/ratelimit"
	"github.com/babs0022/shield-privacy-guide/pkg/share"
	"github.com/babs0022/shield-privacy-guide/pkg/store"
	"github.com/babs0022/shield-privacy-guide/pkg/telemetry"
)

type Server struct {
	Engine              *policy.Engine
	Blobs               blob.Store
	Shares              share.Store
	EventLog            events.Log
	Hub                 *events.Hub
	Limiter             ratelimit.Limiter
	Metrics             *metrics.Registry
	AuthMode            string
	InternalAuthHeader  string
	InternalAuthToken   string
	MaxRequestBodyBytes int64
	VerifyRateLimit     int
}

type deps struct {
	store    store.PolicyStore
	blobs    blob.Store
	shares   share.Store
	eventLog events.Log
	kafka    *events.KafkaPublisher
	limiter  ratelimit.Limiter
	closeFns []func()
}

func (d *deps) close() {
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		d.closeFns[i]()
	}
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDepsFn      func(context.Context) (*deps, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryFn, openDepsFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDeps func(context.Context) (*deps, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDeps == nil {
		openDeps = openDepsFromEnv
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	hub := events.NewHub()
	sink := &events.Fanout{Durable: d.eventLog, Publisher: d.kafka, Hub: hub}

	s := &Server{
		Engine:              policy.NewEngine(d.store, sink),
		Blobs:               d.blobs,
		Shares:              d.shares,
		EventLog:            d.eventLog,
		Hub:                 hub,
		Limiter:             d.limiter,
		Metrics:             metrics.NewRegistry(),
		AuthMode:            env("AUTH_MODE", "hs256"),
		InternalAuthHeader:  env("GATEWAY_AUTH_HEADER", ""),
		InternalAuthToken:   env("GATEWAY_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		VerifyRateLimit:     envInt("VERIFY_RATE_LIMIT", 30),
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	r := s.router()

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Method(http.MethodGet, "/metricsz",
		auth.InternalTokenOnly(s.InternalAuthHeader, s.InternalAuthToken, s.Metrics.Handler()))
	// The websocket upgrade bypasses the metrics wrapper, which does
	// not implement http.Hijacker.
	r.Get("/v1/events/stream", s.streamEvents)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		env("AUTH_HS256_SECRET", ""),
		env("AUTH_ISSUER", ""),
		env("AUTH_AUDIENCE", ""),
	))
	authRouter.Use(s.Metrics.Middleware)

	authRouter.Post("/v1/policies", s.createPolicy)
	authRouter.Get("/v1/policies/{id}", s.getPolicy)
	authRouter.Post("/v1/policies/{id}/verify", s.verifyPolicy)
	authRouter.Post("/v1/policies/{id}/revoke", s.revokePolicy)
	authRouter.Post("/v1/shares", s.createShare)
	authRouter.Post("/v1/shares/{id}/open", s.openShare)
	authRouter.Post("/v1/blobs", s.putBlob)
	authRouter.Get("/v1/blobs/{hash}", s.getBlob)
	authRouter.Get("/v1/events", s.listEvents)
	r.Mount("/", authRouter)
	return r
}

func openDepsFromEnv(ctx context.Context) (*deps, error) {
	d := &deps{}

	switch strings.ToLower(env("STORE_BACKEND", "postgres")) {
	case "memory":
		d.store = store.NewMemoryStore()
		d.eventLog = events.NewMemoryLog()
		d.blobs = blob.NewMemoryStore()
		d.shares = share.NewMemoryStore()
		d.limiter = ratelimit.NewInMemory(time.Minute)
		return d, nil
	case "postgres":
	default:
		return nil, errors.New("STORE_BACKEND must be postgres or memory")
	}

	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, err
	}
	d.closeFns = append(d.closeFns, pool.Close)
	pg := store.NewPostgresStore(pool)
	d.eventLog = &events.PGLog{DB: pool}
	d.shares = share.NewPostgresStore(pool)

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-process fallbacks: %v", err)
		d.store = pg
		d.blobs = blob.NewMemoryStore()
		d.limiter = ratelimit.NewInMemory(time.Minute)
	} else {
		d.closeFns = append(d.closeFns, func() { _ = redisClient.Close() })
		cacheTTL := time.Second * time.Duration(envInt("POLICY_CACHE_TTL_SEC", 30))
		d.store = store.NewCachedStore(pg, store.NewCache(ctx, redisClient), cacheTTL)
		d.blobs = blob.NewRedisStore(redisClient)
		d.limiter = ratelimit.NewRedis(redisClient, time.Minute)
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "shield.ledger.events"),
		})
		if err != nil {
			return nil, err
		}
		d.kafka = pub
		d.closeFns = append(d.closeFns, func() { _ = pub.Close() })
	}
	return d, nil
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("gateway %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

func context30s(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
