package main

import (
	"fmt"
	"os"

	"github.com/celerix-dev/celerix-cms/internal/config"
	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// origin stamped on writes made from the command line
const cliOrigin = "cli"

var (
	conf config.Config
	area storage.Area

	rootCmd = &cobra.Command{
		Use:   "celerix-cms",
		Short: "Inspect and edit a celerix-cms storage area",
		Long: fmt.Sprintf(`celerix-cms (v%s)

Reads and writes the storage area behind a celerix-cms site: a running
celerix-cmsd over TCP, or one of the embedded drivers directly.`, config.Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if area != nil {
				return area.Close()
			}
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		// no storage needed
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("celerix-cms v%s\n", config.Version)
		},
	}
)

func init() {
	cobra.OnInitialize(func() { config.InitEnv(viper.GetViper()) })
	config.SetupStorageFlags(rootCmd)

	rootCmd.AddCommand(getCmd, setCmd, delCmd, keysCmd, dumpCmd, watchCmd, pingCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup resolves the configuration and opens the area for the subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	conf, err = config.Load(viper.GetViper(), cmd)
	if err != nil {
		return err
	}
	logging.SetLevel(conf.LogLevel)

	if skipOpen[cmd.Name()] {
		return nil
	}
	area, err = sdk.Open(cmd.Context(), conf.Storage)
	return err
}

// commands that open their own areas
var skipOpen = map[string]bool{"ping": true, "migrate": true}
