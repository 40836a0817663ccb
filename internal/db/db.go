package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ghaggin/brochure/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	LC     fx.Lifecycle
	Config *config.Config
	Log    *zap.Logger
}

// New opens the pool lazily; connectivity is checked on start but a failed
// ping only logs, sessions degrade until the database comes back.
func New(p Params) (*pgxpool.Pool, error) {
	poolCfg, err := parseConfig(p.Config.DB)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				p.Log.Warn("database not reachable at startup", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func parseConfig(cfg config.DB) (*pgxpool.Config, error) {
	dsn := cfg.URL
	if cfg.CACert != "" {
		dsn = withCACert(dsn, cfg.CACert)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	return poolCfg, nil
}

// withCACert pins the server chain to the given CA with sslmode=verify-ca.
// The hostname is not checked and there is no plaintext fallback.
func withCACert(dsn, caFile string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("sslmode", "verify-ca")
			q.Set("sslrootcert", caFile)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}

	quoted := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(caFile)
	return fmt.Sprintf("%s sslmode=verify-ca sslrootcert='%s'", dsn, quoted)
}
