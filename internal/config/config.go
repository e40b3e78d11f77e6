// Package config reads daemon and CLI settings from flags, CMS_* environment
// variables and .env files.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version of the celerix-cms binaries.
const Version = "0.3.0"

// Wrap is the number of characters to wrap flag help at.
const Wrap = 50

// Flag names, also the viper keys. The env variable is CMS_ plus the upper
// cased name with dashes as underscores.
const (
	KeyHTTPAddr      = "http-addr"
	KeyTCPAddr       = "tcp-addr"
	KeyStorageDriver = "storage-driver"
	KeyDataDir       = "data-dir"
	KeySQLitePath    = "sqlite-path"
	KeyPostgresDSN   = "postgres-dsn"
	KeyRemoteAddr    = "remote-addr"
	KeyDisableTLS    = "disable-tls"
	KeyStorageKey    = "storage-key"
	KeyLogLevel      = "log-level"
	KeySeedFile      = "seed-file"
	KeyIDStrategy    = "id-strategy"
	KeySyncTabs      = "sync-tabs"
)

var (
	ErrInvalidDriver = errors.New("invalid storage driver")
	ErrMissingOption = errors.New("missing required option")
)

// Config is the resolved configuration of one process.
type Config struct {
	HTTPAddr   string
	TCPAddr    string
	Storage    sdk.Options
	LogLevel   logging.Level
	SeedFile   string
	IDStrategy string
	SyncTabs   bool
}

// InitEnv loads .env files and points v at the CMS_ environment.
func InitEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("cms")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// SetupStorageFlags adds the flags that choose the backing area.
func SetupStorageFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(KeyStorageDriver, "", WrapString("Storage driver: memory, file, sqlite, postgres or remote. Empty prefers a reachable remote daemon and falls back to file"))
	flags.String(KeyDataDir, "./data", WrapString("Directory of the file driver, and default location of the sqlite database"))
	flags.String(KeySQLitePath, "", WrapString("Path of the sqlite database (default <data-dir>/cms.db)"))
	flags.String(KeyPostgresDSN, "", WrapString("Connection string of the postgres driver"))
	flags.String(KeyRemoteAddr, "", WrapString("Address of a celerix-cmsd TCP endpoint"))
	flags.Bool(KeyDisableTLS, false, WrapString("Talk plain TCP to the daemon instead of TLS"))
	flags.String(KeyStorageKey, "", WrapString("Hex encoded 32 byte key; when set every stored value is encrypted at rest"))
	flags.String(KeyLogLevel, "info", WrapString("Log level (debug, info, warn, error)"))
}

// SetupServeFlags adds the daemon flags.
func SetupServeFlags(cmd *cobra.Command) {
	SetupStorageFlags(cmd)
	flags := cmd.PersistentFlags()
	flags.String(KeyHTTPAddr, ":7002", WrapString("Address of the admin HTTP API"))
	flags.String(KeyTCPAddr, ":7001", WrapString("Address of the TCP storage endpoint; empty disables it"))
	flags.String(KeySeedFile, "", WrapString("YAML file with the initial content (default: built-in seed)"))
	flags.String(KeyIDStrategy, "uuid", WrapString("How new ids are made: uuid or clock"))
	flags.Bool(KeySyncTabs, true, WrapString("Reload a collection when another process writes it"))
}

// Load binds the flags of cmd into v and resolves the configuration.
func Load(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	lvl, err := logging.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Config{}, err
	}

	conf := Config{
		HTTPAddr: v.GetString(KeyHTTPAddr),
		TCPAddr:  v.GetString(KeyTCPAddr),
		Storage: sdk.Options{
			Driver:      v.GetString(KeyStorageDriver),
			DataDir:     v.GetString(KeyDataDir),
			SQLitePath:  v.GetString(KeySQLitePath),
			PostgresDSN: v.GetString(KeyPostgresDSN),
			RemoteAddr:  v.GetString(KeyRemoteAddr),
			DisableTLS:  v.GetBool(KeyDisableTLS),
			StorageKey:  v.GetString(KeyStorageKey),
		},
		LogLevel:   lvl,
		SeedFile:   v.GetString(KeySeedFile),
		IDStrategy: v.GetString(KeyIDStrategy),
		SyncTabs:   v.GetBool(KeySyncTabs),
	}
	if conf.Storage.DataDir == "" {
		conf.Storage.DataDir = "./data"
	}
	if conf.IDStrategy == "" {
		conf.IDStrategy = "uuid"
	}
	return conf, conf.Validate()
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case sdk.DriverAuto, sdk.DriverMemory, sdk.DriverFile, sdk.DriverSQLite:
	case sdk.DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: %s (needed by the postgres driver)", ErrMissingOption, KeyPostgresDSN)
		}
	case sdk.DriverRemote:
		if c.Storage.RemoteAddr == "" {
			return fmt.Errorf("%w: %s (needed by the remote driver)", ErrMissingOption, KeyRemoteAddr)
		}
	default:
		return fmt.Errorf("%w %q (expected one of: memory, file, sqlite, postgres, remote)", ErrInvalidDriver, c.Storage.Driver)
	}
	if _, err := idgen.ByName(c.IDStrategy); err != nil {
		return err
	}
	return nil
}

// String renders the configuration for the startup log with secrets masked.
func (c Config) String() string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	driver := c.Storage.Driver
	if driver == "" {
		driver = "auto"
	}
	return fmt.Sprintf("http=%s tcp=%s driver=%s data-dir=%s sqlite=%s postgres=%s remote=%s tls=%t sealed=%t log-level=%s seed=%s ids=%s sync-tabs=%t",
		c.HTTPAddr, c.TCPAddr, driver, c.Storage.DataDir, c.Storage.SQLitePath, mask(c.Storage.PostgresDSN),
		c.Storage.RemoteAddr, !c.Storage.DisableTLS, c.Storage.StorageKey != "", c.LogLevel, c.SeedFile,
		c.IDStrategy, c.SyncTabs)
}

// WrapString wraps text at Wrap characters.
func WrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
