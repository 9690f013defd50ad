package runtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/store"
	"github.com/drblury/chainflow/internal/runtime/store/memory"
	"github.com/drblury/chainflow/internal/runtime/store/postgres"
	"github.com/drblury/chainflow/internal/runtime/store/sqlite"
)

var (
	PostgresStoreFactory = func(ctx context.Context, url string, opts postgres.Options) (store.Store, error) {
		return postgres.Open(ctx, url, opts)
	}
	SQLiteStoreFactory = func(path string, ensureSchema bool) (store.Store, error) {
		return sqlite.Open(path, ensureSchema)
	}
)

// OpenStore opens the write handler selected by conf.StoreURL.
func OpenStore(ctx context.Context, conf *config.Config, tp trace.TracerProvider) (store.Store, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	raw := conf.StoreURL
	if raw == "" {
		raw = "memory://"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("store: invalid URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return SQLiteStoreFactory(sqlite.PathFromURL(raw), conf.StoreEnsureSchema)
	case "postgres", "postgresql":
		return PostgresStoreFactory(ctx, raw, postgres.Options{
			TracerProvider: tp,
			EnsureSchema:   conf.StoreEnsureSchema,
		})
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", parsed.Scheme)
	}
}
