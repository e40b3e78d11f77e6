package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Prints the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pretty, _ := cmd.Flags().GetBool("pretty")
			if !pretty {
				val, ok, err := area.Get(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], storage.ErrNotFound)
				}
				fmt.Println(val)
				return nil
			}
			val, ok, err := sdk.GetJSON[any](area, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], storage.ErrNotFound)
			}
			return printJSON(val)
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Stores a value under a key",
		Long:  "Stores a value under a key. The value must be valid JSON unless --raw is given.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			if !raw && !json.Valid([]byte(args[1])) {
				return fmt.Errorf("value is not valid JSON (use --raw to store it anyway)")
			}
			if err := area.Set(cliOrigin, args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := area.Remove(cliOrigin, args[0]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists every key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := area.Keys()
			if err != nil {
				return err
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Prints every key with its decoded value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem := storage.NewMemory()
			if _, err := storage.Copy(area, mem, ""); err != nil {
				return err
			}
			out := make(map[string]any)
			for k, v := range mem.Snapshot() {
				var decoded any
				if json.Unmarshal([]byte(v), &decoded) != nil {
					decoded = v
				}
				out[k] = decoded
			}
			return printJSON(out)
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Prints every change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			cancel := area.Watch(func(ev storage.Event) {
				_ = enc.Encode(ev)
			})
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the daemon at --remote-addr answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := conf.Storage.RemoteAddr
			if addr == "" {
				addr = "localhost:7001"
			}
			client, err := sdk.Dial(addr, !conf.Storage.DisableTLS)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Ping(); err != nil {
				return err
			}
			fmt.Println("PONG")
			return nil
		},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Copies every key from one storage driver to another",
		Long: `Copies every key from one storage driver to another, e.g.
  celerix-cms migrate --from file --to sqlite
Both sides share the other storage flags. Existing keys on the target are overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			if from == to {
				return fmt.Errorf("--from and --to must differ")
			}

			srcOpts, dstOpts := conf.Storage, conf.Storage
			srcOpts.Driver, dstOpts.Driver = from, to

			src, err := sdk.Open(cmd.Context(), srcOpts)
			if err != nil {
				return fmt.Errorf("opening source: %w", err)
			}
			defer src.Close()
			dst, err := sdk.Open(cmd.Context(), dstOpts)
			if err != nil {
				return fmt.Errorf("opening target: %w", err)
			}
			defer dst.Close()

			n, err := storage.Copy(src, dst, cliOrigin)
			if err != nil {
				return fmt.Errorf("copied %d keys before failing: %w", n, err)
			}
			fmt.Printf("copied %d keys from %s to %s\n", n, from, to)
			return nil
		},
	}
)

func init() {
	getCmd.Flags().Bool("pretty", false, "Decode and indent the stored JSON")
	setCmd.Flags().Bool("raw", false, "Store the value even if it is not JSON")
	migrateCmd.Flags().String("from", sdk.DriverFile, "Source driver")
	migrateCmd.Flags().String("to", sdk.DriverSQLite, "Target driver")
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
