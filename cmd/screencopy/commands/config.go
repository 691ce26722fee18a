package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bryanchriswhite/screencopy/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage capture and compositor settings",
	Long: `View and change the settings used by serve, capture and probe.

The file has two sections besides server_port and log_level:
  capture     what is captured and how (output, cursor, dmabuf, rate limit)
  compositor  what the simulated compositor advertises and how it answers`,
}

var configShowCmd = &cobra.Command{
	Use:   "show [capture|compositor]",
	Short: "Print the configuration, or one section of it",
	Example: `  # Whole file as YAML (default)
  screencopy config show

  # Only the compositor profile, as JSON
  screencopy config show compositor --format json`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"capture", "compositor"},
	RunE:      runConfigShow,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every settable key with its current value",
	RunE:  runConfigKeys,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set one key and save the file. Lists are comma separated and pixel
formats accept hex (0x34325258). Run "screencopy config keys" for the list.`,
	Example: `  # Only advertise the older dialect
  screencopy config set compositor.protocols ext-screencopy

  # Capture at 60 frames per second with dmabuf buffers
  screencopy config set capture.rate_limit 60
  screencopy config set capture.enable_dmabuf true`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one value as stored in the file",
	Example: `  screencopy config get capture.output
  screencopy config get compositor.failure_rate`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE:  runConfigPath,
}

var (
	formatFlag string
	pathDir    bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configKeysCmd, configSetCmd, configGetCmd, configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
	configPathCmd.Flags().BoolVar(&pathDir, "dir", false, "print the directory instead of the file")
}

// configSection selects what show prints.
func configSection(cfg *config.Config, section string) (interface{}, error) {
	switch section {
	case "":
		return cfg, nil
	case "capture":
		return cfg.Capture, nil
	case "compositor":
		return cfg.Compositor, nil
	default:
		return nil, fmt.Errorf("unknown section %q (use capture or compositor)", section)
	}
}

func writeFormatted(w io.Writer, v interface{}, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	section := ""
	if len(args) == 1 {
		section = args[0]
	}
	v, err := configSection(configMgr.Get(), section)
	if err != nil {
		return err
	}
	return writeFormatted(os.Stdout, v, formatFlag)
}

func printKeys(w io.Writer, configMgr *config.Manager) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE")
	for _, key := range config.Keys() {
		value, err := configMgr.Lookup(key)
		if err != nil {
			value = "-"
		}
		if list, ok := value.([]interface{}); ok {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = fmt.Sprint(item)
			}
			value = strings.Join(parts, ",")
		}
		fmt.Fprintf(tw, "%s\t%v\n", key, value)
	}
	return tw.Flush()
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printKeys(os.Stdout, configMgr)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := configMgr.Set(key, value); err != nil {
		return err
	}

	fmt.Printf("%s = %s (saved to %s)\n", key, value, configMgr.GetConfigPath())
	if strings.HasPrefix(key, "capture.") || strings.HasPrefix(key, "compositor.") {
		fmt.Println("A running serve picks this up on restart.")
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := configMgr.Lookup(args[0])
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if pathDir {
		fmt.Println(configMgr.GetConfigDir())
		return nil
	}
	fmt.Println(configMgr.GetConfigPath())
	return nil
}
