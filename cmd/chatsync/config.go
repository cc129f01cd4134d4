package main

import (
	"fmt"
	"os"
	"slices"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print the token unmasked")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the CLI settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings, environment overrides included",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !configReveal {
			cfg = redacted(cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("# %s\n", path)
		for _, env := range envOverrides() {
			fmt.Printf("# overridden by %s\n", env)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a value, e.g. default.base_url",
	Example: "  chatsync config set default.tenant acme",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfigFile(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfigFile(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("%s cleared\n", args[0])
		return nil
	},
}

// updateConfigFile edits the file only; environment overrides are never
// written back.
func updateConfigFile(key, value string) error {
	cfg, err := readConfigFile()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// redacted returns a copy of cfg safe to print.
func redacted(cfg *Config) *Config {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	return &out
}

// envOverrides lists the CHATSYNC_* variables currently set, sorted.
func envOverrides() []string {
	var out []string
	for _, env := range configEnv {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			out = append(out, env)
		}
	}
	slices.Sort(out)
	return out
}
