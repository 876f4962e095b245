package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
	"github.com/prism-pipeline/pandora/pkg/warn"
)

// slavesCmd represents the slaves command
var slavesCmd = &cobra.Command{
	Use:   "slaves",
	Short: "Manage render slaves",
	Long:  `Commands for listing render slaves and changing their settings.`,
}

var slavesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all slaves",
	Long:  `List every registered slave with its liveness and current workload.`,
	RunE:  runSlavesList,
}

var slavesSetCmd = &cobra.Command{
	Use:   "set <slave-name> <key> <value>",
	Short: "Change a slave setting",
	Long: `Queue a settings change for one slave. The coordinator relays it to the
slave's mailbox on its next cycle.

Common keys: enabled, paused, maxCPU, maxConcurrentTasks, slaveGroup.
Boolean values are "true"/"false"; slaveGroup takes a comma-separated list.`,
	Args: cobra.ExactArgs(3),
	RunE: runSlavesSet,
}

var slavesWarningsCmd = &cobra.Command{
	Use:   "warnings <slave-name>",
	Short: "Show a slave's warnings",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlavesWarnings,
}

var slavesClearWarningsCmd = &cobra.Command{
	Use:   "clear-warnings <slave-name>",
	Short: "Clear a slave's warnings",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlavesClearWarnings,
}

var slavesExitCmd = &cobra.Command{
	Use:   "exit <slave-name>",
	Short: "Ask a slave agent to shut down",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlavesExit,
}

func init() {
	rootCmd.AddCommand(slavesCmd)
	slavesCmd.AddCommand(slavesListCmd)
	slavesCmd.AddCommand(slavesSetCmd)
	slavesCmd.AddCommand(slavesWarningsCmd)
	slavesCmd.AddCommand(slavesClearWarningsCmd)
	slavesCmd.AddCommand(slavesExitCmd)
}

type slaveRow struct {
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	Enabled     bool   `json:"enabled"`
	Paused      bool   `json:"paused"`
	LastContact string `json:"last_contact,omitempty"`
	CurTasks    int    `json:"current_tasks"`
	MaxTasks    int    `json:"max_tasks"`
	Groups      string `json:"groups,omitempty"`
}

func runSlavesList(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	slaves, err := slavefarm.Scan(root, time.Now())
	if err != nil {
		return fmt.Errorf("scanning slaves: %w", err)
	}

	rows := make([]slaveRow, 0, len(slaves))
	for _, s := range slaves {
		row := slaveRow{
			Name:     s.Name,
			Active:   s.Active,
			Enabled:  s.Settings.Enabled,
			Paused:   s.Settings.Paused,
			CurTasks: len(s.CurTasks),
			MaxTasks: s.Settings.MaxConcurrentTasks,
			Groups:   strings.Join(s.Settings.Groups, ", "),
		}
		if !s.LastContact.IsZero() {
			row.LastContact = s.LastContact.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "State", "Enabled", "Tasks", "Groups", "Last Contact")

	for _, r := range rows {
		state := "offline"
		if r.Active {
			state = "active"
		}
		if r.Paused {
			state += " (paused)"
		}
		table.Append(
			r.Name,
			state,
			fmt.Sprintf("%t", r.Enabled),
			fmt.Sprintf("%d/%d", r.CurTasks, r.MaxTasks),
			dash(r.Groups),
			dash(r.LastContact),
		)
	}

	table.Render()
	fmt.Printf("\nTotal slaves: %d\n", len(rows))
	return nil
}

func runSlavesSet(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	name, key, raw := args[0], args[1], args[2]

	set := command.SetSetting{
		TargetType: "Slave",
		TargetName: name,
		Key:        key,
		Value:      coerceValue(raw),
	}
	if err := sendCommand(root, set); err != nil {
		return err
	}
	fmt.Printf("Setting %s=%s queued for slave %s\n", key, raw, name)
	return nil
}

// coerceValue keeps booleans and numbers typed in the settings document
// instead of storing everything as strings.
func coerceValue(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func runSlavesWarnings(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	name := args[0]

	store := warn.Store{Path: root.SlaveWarnings(name)}
	warnings, err := store.List()
	if err != nil {
		return fmt.Errorf("reading warnings of %s: %w", name, err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(warnings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(warnings) == 0 {
		fmt.Printf("No warnings for slave %s\n", name)
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Severity", "Warning")
	for _, w := range warnings {
		table.Append(
			w.Time.Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", w.Severity),
			w.Text,
		)
	}
	table.Render()
	return nil
}

func runSlavesClearWarnings(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	if err := sendCommand(root, command.ClearWarnings{Target: args[0]}); err != nil {
		return err
	}
	fmt.Printf("Warning clear queued for slave %s\n", args[0])
	return nil
}

func runSlavesExit(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}
	set := command.SetSetting{
		TargetType: "Slave",
		TargetName: args[0],
		Key:        "command",
		Value:      "exit",
	}
	if err := sendCommand(root, set); err != nil {
		return err
	}
	fmt.Printf("Exit queued for slave %s\n", args[0])
	return nil
}
