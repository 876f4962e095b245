package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prism-pipeline/pandora/pkg/command"
	pconfig "github.com/prism-pipeline/pandora/pkg/config"
)

var configShowFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Coordinator configuration",
	Long:  `Commands for inspecting and changing the coordinator's settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show coordinator settings",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a coordinator setting",
	Long: `Queue a coordinator settings change. The coordinator applies it on its
next cycle; keys outside its settable set are rejected there.

Settable keys: enabled, coordUpdateTime, debugMode, localMode,
notifySlaveInterval, restartGDrive, command.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "yaml", "output format: yaml or json")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	doc, err := pconfig.Read(root.CoordinatorSettings())
	if err != nil {
		return fmt.Errorf("reading coordinator settings: %w", err)
	}

	switch configShowFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", configShowFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	key, raw := args[0], args[1]

	set := command.SetSetting{
		TargetType: "Coordinator",
		Key:        key,
		Value:      coerceValue(raw),
	}
	if err := sendCommand(root, set); err != nil {
		return err
	}
	fmt.Printf("Setting %s=%s queued for the coordinator\n", key, raw)
	return nil
}
