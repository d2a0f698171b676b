package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ConfigCmd manages labshot configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change configuration",
	Long: `Show and change labshot configuration.

Configuration sources (in order of precedence):
1. LABSHOT_* environment variables
2. Config file ($LABSHOT_CONFIG, ./labshot.toml, or ~/.labshot/labshot.toml)
3. Default values

Keys use dot notation: section.field.

Examples:
  labshot config show                         # Full config as TOML
  labshot config get pipeline.workers         # One value
  labshot config set pipeline.workers 2       # Validate, apply, persist`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation. The change is validated
against the full configuration before it is applied and written back to
the config file; an invalid value leaves the file untouched.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowFormat string

func init() {
	configShowCmd.Flags().StringVar(&configShowFormat, "format", "toml", "Output format: toml, json")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	cfg := store.Config()

	switch configShowFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# labshot configuration\n%s", string(data))
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json)", configShowFormat)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	value, err := store.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s = %v\n", args[0], value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}

	key, raw := args[0], args[1]

	// Interpret the value the way JSON would so numbers and booleans keep
	// their type; bare strings stay strings.
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	version, err := store.Set(key, value)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Set %s = %v (version %d)\n", key, value, version)
	pterm.Info.Printf("Written to %s\n", store.Path())
	return nil
}
