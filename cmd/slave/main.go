package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/prism-pipeline/pandora/pkg/agent"
	"github.com/prism-pipeline/pandora/pkg/logging"
	"github.com/prism-pipeline/pandora/pkg/repo"
	"github.com/prism-pipeline/pandora/pkg/shutdown"
)

func main() {
	pflag.String("repository", "", "farm repository root path")
	pflag.String("name", "", "slave name (default is the hostname)")
	pflag.String("listen", ":8481", "HTTP listen address for the health endpoint")
	pflag.String("config", "", "config file (default is $HOME/.pandora/slave.yaml)")
	pflag.Bool("json-log", false, "emit JSON log lines")
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.pandora")
		viper.SetConfigName("slave")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("PANDORA")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	name := viper.GetString("name")
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		name = host
	}

	root := repo.New(viper.GetString("repository"))
	bootLog := logging.New("slave", logging.INFO, viper.GetBool("json-log"))
	if root.Path == "" {
		bootLog.Errorf("no repository configured (set --repository or PANDORA_REPOSITORY)")
		os.Exit(1)
	}

	log, err := logging.NewFileLogger("slave/"+name, root.SlaveLog(name), logging.INFO, viper.GetBool("json-log"))
	if err != nil {
		bootLog.Errorf("opening slave log: %v", err)
		os.Exit(1)
	}

	renderer := agent.ScriptRenderer{
		ScriptsDir: filepath.Join(root.Path, "Scripts", "Renderers"),
	}
	a, err := agent.New(root, name, log, renderer)
	if err != nil {
		log.Errorf("slave startup failed: %v", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "slave": name})
	}).Methods(http.MethodGet)
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
	mgr.Register(func(ctx context.Context) error { return srv.Shutdown(ctx) })

	go func() {
		log.Infof("health endpoint listening on %s", srv.Addr)
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
		if err := a.Run(ctx); err != nil {
			log.Errorf("slave loop failed: %v", err)
		}
		mgr.Trigger()
	}()

	mgr.Wait()
}
