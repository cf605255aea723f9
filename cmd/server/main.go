package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/courier/internal/server"
	"github.com/Tyrowin/courier/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "courier-server",
		Short:         "Courier message router",
		Long:          "courier-server runs the Courier message router: it accepts client connections, tracks presence, and relays point-to-point messages.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringP("address", "a", "", "interface to listen on")
	rootCmd.Flags().IntP("port", "p", 0, "port to listen on (1024-65535)")
	rootCmd.Flags().String("admin", "", "admin HTTP listen address (empty disables)")
	return rootCmd
}

// loadConfig layers defaults, the optional server config file, COURIER_*
// environment variables, and command-line flags, strongest last.
func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()
	defaults := server.NewConfig()
	v.SetDefault("listen_address", defaults.ListenAddr)
	v.SetDefault("listen_port", defaults.ListenPort)
	v.SetDefault("max_connections", defaults.MaxConnections)
	v.SetDefault("admin_address", defaults.AdminAddr)
	v.SetDefault("allowed_origins", defaults.AllowedOrigins)

	v.SetConfigName("server")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("COURIER")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := server.NewConfig()
	cfg.ListenAddr = v.GetString("listen_address")
	cfg.ListenPort = v.GetInt("listen_port")
	cfg.MaxConnections = v.GetInt("max_connections")
	cfg.AdminAddr = v.GetString("admin_address")
	cfg.AllowedOrigins = v.GetStringSlice("allowed_origins")

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.ListenAddr = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.ListenPort = port
	}
	if admin, _ := cmd.Flags().GetString("admin"); admin != "" {
		cfg.AdminAddr = admin
	}
	return cfg, nil
}

func run(cfg *server.Config) error {
	store := storage.NewMemoryDirectory()
	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	router := server.NewRouter(cfg, store, metrics)
	if err := router.Listen(); err != nil {
		return err
	}
	go router.Run()

	var adminServer *http.Server
	if cfg.AdminAddr != "" {
		admin := server.NewAdmin(cfg, store, router.Notifier(), registry)
		adminServer = server.CreateAdminServer(cfg.AdminAddr, admin.Routes())
		go func() {
			log.Printf("Admin surface listening on %s", cfg.AdminAddr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Admin server error: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if adminServer != nil {
		if err := server.ShutdownAdminServer(adminServer, 5*time.Second); err != nil {
			log.Printf("Admin shutdown: %v", err)
		}
	}
	return router.Shutdown(5 * time.Second)
}
