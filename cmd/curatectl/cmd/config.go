package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validKeys = []string{"server", "timeout", "output", "no_color"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage curatectl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if structured() {
			return printOutput(out, map[string]any{
				"server":   serverAddr,
				"timeout":  timeout.String(),
				"output":   outputFormat,
				"no_color": noColor,
			})
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverAddr)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  Output: %s\n", outputFormat)
		fmt.Fprintf(out, "  No color: %v\n", noColor)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  curatectl config set server http://localhost:8090
  curatectl config set timeout 60s
  curatectl config set output yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, v)

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
		return nil
	},
}

// parseConfigValue checks key and converts value to the type stored for it
func parseConfigValue(key, value string) (any, error) {
	switch key {
	case "server":
		if value == "" {
			return nil, fmt.Errorf("server must not be empty")
		}
		return value, nil
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration for timeout: %s", value)
		}
		return d.String(), nil
	case "output":
		switch value {
		case "table", "json", "yaml":
			return value, nil
		}
		return nil, fmt.Errorf("invalid output format: %s (use table, json or yaml)", value)
	case "no_color":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		return b, nil
	}
	return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, validKeys)
}

// configPath is where config set writes, the --config file if given
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".curatectl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
