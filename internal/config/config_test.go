package config

import (
	"strings"
	"testing"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServeCmd(args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "serve", RunE: func(*cobra.Command, []string) error { return nil }}
	SetupServeFlags(cmd)
	cmd.SetArgs(args)
	_ = cmd.Execute()
	return cmd
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	InitEnv(v)

	conf, err := Load(v, newServeCmd())
	require.NoError(t, err)
	assert.Equal(t, ":7002", conf.HTTPAddr)
	assert.Equal(t, ":7001", conf.TCPAddr)
	assert.Equal(t, sdk.DriverAuto, conf.Storage.Driver)
	assert.Equal(t, "./data", conf.Storage.DataDir)
	assert.Equal(t, logging.LevelInfo, conf.LogLevel)
	assert.Equal(t, "uuid", conf.IDStrategy)
	assert.True(t, conf.SyncTabs)
	assert.False(t, conf.Storage.DisableTLS)
}

func TestLoad_FlagsAndEnv(t *testing.T) {
	t.Setenv("CMS_LOG_LEVEL", "debug")
	t.Setenv("CMS_DISABLE_TLS", "true")

	v := viper.New()
	InitEnv(v)

	conf, err := Load(v, newServeCmd("--storage-driver", "sqlite", "--sqlite-path", "/tmp/x.db", "--sync-tabs=false"))
	require.NoError(t, err)
	assert.Equal(t, sdk.DriverSQLite, conf.Storage.Driver)
	assert.Equal(t, "/tmp/x.db", conf.Storage.SQLitePath)
	assert.Equal(t, logging.LevelDebug, conf.LogLevel)
	assert.True(t, conf.Storage.DisableTLS)
	assert.False(t, conf.SyncTabs)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"driver":      {"--storage-driver", "floppy"},
		"postgres":    {"--storage-driver", "postgres"},
		"remote":      {"--storage-driver", "remote"},
		"log level":   {"--log-level", "loud"},
		"id strategy": {"--id-strategy", "dice"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			_, err := Load(v, newServeCmd(args...))
			assert.Error(t, err)
		})
	}

	v := viper.New()
	_, err := Load(v, newServeCmd("--storage-driver", "floppy"))
	assert.ErrorIs(t, err, ErrInvalidDriver)

	v = viper.New()
	_, err = Load(v, newServeCmd("--storage-driver", "remote"))
	assert.ErrorIs(t, err, ErrMissingOption)
}

func TestString_MasksSecrets(t *testing.T) {
	conf := Config{Storage: sdk.Options{PostgresDSN: "postgres://u:secret@db/cms", StorageKey: "00ff"}}
	s := conf.String()
	assert.NotContains(t, s, "secret")
	assert.NotContains(t, s, "00ff")
	assert.Contains(t, s, "driver=auto")
	assert.Contains(t, s, "sealed=true")
}

func TestWrapString(t *testing.T) {
	long := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(long), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}
