package datasource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kennethshackleton/selekt-go/internal/cryptokey"
	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/nativesql"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
	"github.com/kennethshackleton/selekt-go/internal/sqliteconn"
)

// connFactory implements objectpool.Factory[*sqliteconn.Conn]: it opens
// a native handle per object, applies the DataSource's configured
// pragmas, and (if encryption is configured) issues the key pragma
// under the shared Key's scoped use().
type connFactory struct {
	path     string
	cfg      Config
	key      *cryptokey.Key // nil unless cfg.Encrypt
	metrics  *metrics.Collector
	cacheKey string
}

func newConnFactory(path string, cfg Config, key *cryptokey.Key, coll *metrics.Collector, cacheKey string) *connFactory {
	return &connFactory{path: path, cfg: cfg, key: key, metrics: coll, cacheKey: cacheKey}
}

func (f *connFactory) open(ctx context.Context, primary, readOnly bool) (*sqliteconn.Conn, error) {
	flags := nativesql.OpenReadWrite | nativesql.OpenCreate
	if readOnly {
		flags = nativesql.OpenReadOnly
	}
	native, err := nativesql.OpenV2(ctx, f.path, flags, f.cfg.BusyTimeout)
	if err != nil {
		return nil, &selekterr.FactoryError{Cause: err}
	}

	if f.cfg.Encrypt && f.key != nil {
		err := f.key.Use(func(buf []byte) error {
			return native.Key(ctx, buf)
		})
		if err != nil {
			native.CloseV2()
			return nil, &selekterr.FactoryError{Cause: err}
		}
	}

	if err := native.Exec(ctx, fmt.Sprintf("PRAGMA journal_mode = %s", f.cfg.JournalMode)); err != nil {
		native.CloseV2()
		return nil, &selekterr.FactoryError{Cause: err}
	}
	foreignKeys := "OFF"
	if f.cfg.ForeignKeys {
		foreignKeys = "ON"
	}
	if err := native.Exec(ctx, fmt.Sprintf("PRAGMA foreign_keys = %s", foreignKeys)); err != nil {
		native.CloseV2()
		return nil, &selekterr.FactoryError{Cause: err}
	}

	connCfg := sqliteconn.Config{Metrics: f.metrics, CacheKey: f.cacheKey}
	return sqliteconn.New(native, primary, readOnly, connCfg), nil
}

func (f *connFactory) MakePrimary() (*sqliteconn.Conn, error) {
	return f.open(context.Background(), true, false)
}

func (f *connFactory) MakeObject() (*sqliteconn.Conn, error) {
	return f.open(context.Background(), false, false)
}

func (f *connFactory) Destroy(obj *sqliteconn.Conn) {
	if err := obj.Close(); err != nil {
		slog.Warn("datasource: error destroying pooled connection", "tag", obj.Tag(), "error", err)
	}
}

func (f *connFactory) Close() error {
	if f.key != nil {
		f.key.Zero()
	}
	return nil
}
