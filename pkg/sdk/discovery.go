package sdk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/celerix-dev/celerix-cms/internal/vault"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/celerix-dev/celerix-cms/pkg/storage/filestore"
	"github.com/celerix-dev/celerix-cms/pkg/storage/pgstore"
	"github.com/celerix-dev/celerix-cms/pkg/storage/sqlitestore"
)

// Backend drivers.
const (
	DriverAuto     = ""
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRemote   = "remote"
)

// Options selects and configures the backing area.
type Options struct {
	Driver      string
	DataDir     string
	SQLitePath  string
	PostgresDSN string
	RemoteAddr  string
	DisableTLS  bool
	// StorageKey, when set, is a hex encoded 32 byte key used to encrypt
	// every value at rest.
	StorageKey string
}

// Open returns the area described by opts. With DriverAuto a reachable
// remote daemon is preferred and the file driver is the fallback, so an
// app does not care whether its data is local or remote.
func Open(ctx context.Context, opts Options) (storage.Area, error) {
	area, err := openDriver(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.StorageKey == "" {
		return area, nil
	}
	key, err := vault.ParseKey(opts.StorageKey)
	if err != nil {
		area.Close()
		return nil, fmt.Errorf("storage key: %w", err)
	}
	sealed, err := storage.Sealed(area, key)
	if err != nil {
		area.Close()
		return nil, err
	}
	return sealed, nil
}

func openDriver(ctx context.Context, opts Options) (storage.Area, error) {
	switch opts.Driver {
	case DriverAuto:
		if opts.RemoteAddr != "" {
			client, err := Dial(opts.RemoteAddr, !opts.DisableTLS)
			if err == nil {
				return client, nil
			}
			logger.Warnf("remote store %s unreachable (%v); falling back to embedded mode", opts.RemoteAddr, err)
		}
		return filestore.Open(opts.DataDir)
	case DriverMemory:
		return storage.NewMemory(), nil
	case DriverFile:
		return filestore.Open(opts.DataDir)
	case DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, "cms.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return sqlitestore.Open(path)
	case DriverPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver needs a dsn")
		}
		return pgstore.Open(ctx, opts.PostgresDSN)
	case DriverRemote:
		if opts.RemoteAddr == "" {
			return nil, fmt.Errorf("remote driver needs an address")
		}
		return Dial(opts.RemoteAddr, !opts.DisableTLS)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
