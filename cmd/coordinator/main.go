package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/prism-pipeline/pandora/pkg/coordinator"
	"github.com/prism-pipeline/pandora/pkg/history"
	"github.com/prism-pipeline/pandora/pkg/logging"
	"github.com/prism-pipeline/pandora/pkg/metrics"
	"github.com/prism-pipeline/pandora/pkg/repo"
	"github.com/prism-pipeline/pandora/pkg/shutdown"
)

func main() {
	pflag.String("repository", "", "farm repository root path")
	pflag.String("listen", ":8480", "HTTP listen address for status and metrics")
	pflag.String("config", "", "config file (default is $HOME/.pandora/coordinator.yaml)")
	pflag.Bool("json-log", false, "emit JSON log lines")
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.pandora")
		viper.SetConfigName("coordinator")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("PANDORA")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	root := repo.New(viper.GetString("repository"))
	bootLog := logging.New("coordinator", logging.INFO, viper.GetBool("json-log"))
	if root.Path == "" {
		bootLog.Errorf("no repository configured (set --repository or PANDORA_REPOSITORY)")
		os.Exit(1)
	}

	log, err := logging.NewFileLogger("coordinator", root.CoordinatorLog(host), logging.INFO, viper.GetBool("json-log"))
	if err != nil {
		bootLog.Errorf("opening coordinator log: %v", err)
		os.Exit(1)
	}

	hist, err := history.Open(root.HistoryDB())
	if err != nil {
		// History is an archive, not farm state; run without it.
		log.Warnf("job history unavailable: %v", err)
		hist = nil
	}

	m := metrics.NewCoordinator()
	coord, err := coordinator.New(root, host, log, m, hist)
	if err != nil {
		log.Errorf("coordinator startup failed: %v", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	coord.RegisterRoutes(router)
	srv := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mgr := shutdown.New(30*time.Second, log)
	// LIFO: the log closes last so every other hook can still report.
	mgr.Register(func(ctx context.Context) error { return log.Close() })
	if hist != nil {
		mgr.Register(func(ctx context.Context) error { return hist.Close() })
	}
	mgr.Register(func(ctx context.Context) error { return srv.Shutdown(ctx) })

	go func() {
		log.Infof("status endpoint listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-mgr.Done()
		cancel()
	}()
	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Errorf("coordinator loop failed: %v", err)
		}
		mgr.Trigger()
	}()

	mgr.Wait()
}
