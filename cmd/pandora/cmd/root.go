package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/repo"
)

var (
	repoPath     string
	workstation  string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pandora",
	Short: "CLI for the Pandora render farm",
	Long:  `pandora is a command line interface for submitting and managing jobs and slaves on a Pandora render farm repository.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pandora/config)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repository", "", "farm repository root (default from config or PANDORA_REPOSITORY)")
	rootCmd.PersistentFlags().StringVar(&workstation, "workstation", "", "workstation name (default is the hostname)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".pandora")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	viper.BindEnv("repository", "PANDORA_REPOSITORY")
	viper.BindEnv("workstation", "PANDORA_WORKSTATION")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("repository") != "" && repoPath == "" {
			repoPath = viper.GetString("repository")
		}
		if viper.GetString("workstation") != "" && workstation == "" {
			workstation = viper.GetString("workstation")
		}
	}

	if repoPath == "" && viper.GetString("repository") != "" {
		repoPath = viper.GetString("repository")
	}
	if workstation == "" && viper.GetString("workstation") != "" {
		workstation = viper.GetString("workstation")
	}

	if workstation == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "local"
		}
		workstation = host
	}
}

// farmRoot returns the configured repository root, failing when none is set.
func farmRoot() (repo.Root, error) {
	if repoPath == "" {
		return repo.Root{}, fmt.Errorf("no repository configured (use --repository, PANDORA_REPOSITORY, or the config file)")
	}
	root := repo.New(repoPath)
	if !root.Exists() {
		return repo.Root{}, fmt.Errorf("repository %s does not exist or is not reachable", repoPath)
	}
	return root, nil
}

// WorkstationName returns the workstation identity commands are sent under.
func WorkstationName() string {
	return workstation
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// sendCommand drops a command into this workstation's outgoing mailbox.
// The coordinator picks it up on its next cycle.
func sendCommand(root repo.Root, cmd command.Command) error {
	dir := root.WorkstationCommands(workstation)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating command mailbox: %w", err)
	}
	ch := mailbox.New(dir, mailbox.PrefixHandlerOut)
	if err := ch.Send(cmd); err != nil {
		return fmt.Errorf("queueing %s: %w", cmd.Verb(), err)
	}
	return nil
}
