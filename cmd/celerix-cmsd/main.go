package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/api"
	"github.com/celerix-dev/celerix-cms/internal/config"
	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/server"
	"github.com/celerix-dev/celerix-cms/internal/site"
	"github.com/celerix-dev/celerix-cms/internal/vault"
	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

var logger = logging.New("cmsd")

var (
	rootCmd = &cobra.Command{
		Use:   "celerix-cmsd",
		Short: "celerix-cms daemon",
		Long: fmt.Sprintf(`celerix-cmsd (v%s)

Serves the site content stores over an admin HTTP API and shares the
backing storage area with other processes over TCP.`, config.Version),
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE:  serve,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("celerix-cmsd v%s\n", config.Version)
		},
	}
)

func init() {
	cobra.OnInitialize(func() { config.InitEnv(viper.GetViper()) })
	config.SetupServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	conf, err := config.Load(viper.GetViper(), cmd)
	if err != nil {
		return err
	}
	logging.SetLevel(conf.LogLevel)
	if conf.LogLevel < logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Infof("starting celerix-cmsd v%s: %s", config.Version, conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	area, err := sdk.Open(ctx, conf.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer area.Close()

	seed, err := site.LoadSeed(conf.SeedFile)
	if err != nil {
		return err
	}
	ids, err := idgen.ByName(conf.IDStrategy)
	if err != nil {
		return err
	}

	// 2. Content stores
	s := site.New(storage.NewTab(area), seed, site.Options{IDs: ids, SyncTabs: conf.SyncTabs})
	defer s.Close()
	logger.Infof("content loaded: %+v", s.Dashboard.Counts())

	errc := make(chan error, 2)

	// 3. TCP storage endpoint, unless this daemon is itself a remote client
	var router *server.Router
	if _, remote := area.(*sdk.Client); conf.TCPAddr != "" && !remote {
		router = server.NewRouter(area)
		if !conf.Storage.DisableTLS {
			cert, err := vault.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("generating TLS certificate: %w", err)
			}
			router.SetCertificate(cert)
		} else {
			logger.Warnf("TLS disabled for the TCP endpoint")
		}
		go func() {
			if err := router.Listen(conf.TCPAddr); err != nil {
				errc <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	// 4. Admin HTTP API
	handler := api.NewHandler(s)
	httpSrv := &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// open event streams would otherwise hold Shutdown until its timeout
	httpSrv.RegisterOnShutdown(handler.Shutdown)
	go func() {
		logger.Infof("HTTP API listening on %s", conf.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 5. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Infof("shutdown signal received")
	case err = <-errc:
		logger.Errorf("%v", err)
	}

	if router != nil {
		router.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warnf("http shutdown: %v", shutdownErr)
	}
	for name, failed := range s.Health() {
		logger.Warnf("store %s has unsaved changes: %v", name, failed)
	}
	logger.Infof("stopped")
	return err
}
