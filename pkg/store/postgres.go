package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL() string {
	user := strings.TrimSpace(os.Getenv("DATABASE_USER"))
	if user == "" {
		user = "shield"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	host := strings.TrimSpace(os.Getenv("DATABASE_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("DATABASE_PORT"))
	if port == "" {
		port = "5432"
	}
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := strings.TrimSpace(os.Getenv("DATABASE_NAME"))
	if dbName == "" {
		dbName = "shield"
	}
	sslmode := strings.TrimSpace(os.Getenv("DATABASE_SSLMODE"))
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements PolicyStore with a version-column CAS: every
// successful update increments version, and an UPDATE guarded by the
// expected version either applies atomically or touches zero rows.
type PostgresStore struct {
	DB policyDB
}

func NewPostgresStore(db policyDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Create(ctx context.Context, rec models.AccessPolicy) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO policies
		(id, sender, recipient, expiry, max_attempts, attempts, revoked, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$8)
	`, rec.ID, rec.Sender, rec.Recipient, rec.Expiry, rec.MaxAttempts, rec.Attempts, rec.Revoked, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert policy: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, rec models.AccessPolicy) error {
	// Identity fields are deliberately absent from the SET list: the
	// store cannot be used to rebind sender, recipient, expiry or the
	// attempt ceiling.
	cmd, err := s.DB.Exec(ctx, `
		UPDATE policies
		SET attempts=$1, revoked=$2, version=version+1, updated_at=now()
		WHERE id=$3 AND version=$4
	`, rec.Attempts, rec.Revoked, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("%w: cas update: %w", ErrUnavailable, err)
	}
	if cmd.RowsAffected() == 0 {
		if _, readErr := s.Read(ctx, id); errors.Is(readErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, id string) (models.AccessPolicy, error) {
	var rec models.AccessPolicy
	row := s.DB.QueryRow(ctx, `
		SELECT id, sender, recipient, expiry, max_attempts, attempts, revoked, version, created_at, updated_at
		FROM policies WHERE id=$1
	`, id)
	err := row.Scan(&rec.ID, &rec.Sender, &rec.Recipient, &rec.Expiry, &rec.MaxAttempts,
		&rec.Attempts, &rec.Revoked, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AccessPolicy{}, ErrNotFound
		}
		return models.AccessPolicy{}, fmt.Errorf("%w: read policy: %w", ErrUnavailable, err)
	}
	return rec, nil
}
