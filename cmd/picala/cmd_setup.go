package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/picala/internal/config"
)

type initOptions struct {
	provider    string
	supabaseURL string
	anonKey     string
}

func newInitCmd() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize Picala (first-time setup)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.EnsurePicalaDir()
			if err != nil {
				return fmt.Errorf("create directories: %w", err)
			}
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), dir, opts)
		},
	}
	cmd.Flags().StringVar(&opts.provider, "provider", config.ProviderSupabase, "identity provider (supabase|memory)")
	cmd.Flags().StringVar(&opts.supabaseURL, "supabase-url", "", "Supabase project URL")
	cmd.Flags().StringVar(&opts.anonKey, "anon-key", "", "Supabase anon key (stored in secrets.yaml)")
	return cmd
}

// runInit writes config.yaml and secrets.yaml into dir, prompting for
// missing Supabase settings
func runInit(in io.Reader, out io.Writer, dir string, opts initOptions) error {
	fmt.Fprintln(out, "Picala - First-Time Setup")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintln(out)

	cfg, err := config.LoadLocalConfigFrom(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Provider.Kind = opts.provider

	reader := bufio.NewReader(in)
	if cfg.Provider.Kind == config.ProviderSupabase {
		if opts.supabaseURL != "" {
			cfg.Provider.URL = opts.supabaseURL
		}
		if cfg.Provider.URL == "" {
			cfg.Provider.URL = prompt(reader, out, "Supabase project URL: ")
		}
		if opts.anonKey != "" {
			cfg.Provider.AnonKey = opts.anonKey
		}
		if cfg.Provider.AnonKey == "" {
			cfg.Provider.AnonKey = prompt(reader, out, "Supabase anon key: ")
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprint(out, "Writing configuration... ")
	if err := config.SaveLocalConfigTo(dir, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintln(out, "✓")

	if cfg.Provider.AnonKey != "" {
		fmt.Fprint(out, "Storing anon key in secrets.yaml... ")
		var secrets config.SecretsConfig
		secrets.Provider.AnonKey = cfg.Provider.AnonKey
		secrets.Events.AMQPURL = cfg.Events.AMQPURL
		if err := config.SaveSecrets(dir, secrets); err != nil {
			return fmt.Errorf("save secrets: %w", err)
		}
		fmt.Fprintln(out, "✓")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup Complete!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. picala start              # Start the daemon")
	fmt.Fprintln(out, "  2. picala register <email>   # Create an account")
	fmt.Fprintln(out, "  3. picala open '<link>'      # Open the verification link from the email")
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.PicalaDir()
			if err != nil {
				return err
			}
			cfg, err := config.LoadLocalConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return showConfig(cmd.OutOrStdout(), dir, cfg)
		},
	}
}

// showConfig prints the effective configuration without secrets
func showConfig(out io.Writer, dir string, cfg *config.LocalConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	fmt.Fprintf(out, "# %s\n", filepath.Join(dir, "config.yaml"))
	out.Write(data)

	keyState := "not set"
	if cfg.Provider.AnonKey != "" {
		keyState = "set"
	}
	fmt.Fprintf(out, "# anon key: %s\n", keyState)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "# problems:\n")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(out, "#   - %s\n", line)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); os.IsNotExist(err) {
		fmt.Fprintln(out, "# (defaults; run 'picala init' to write a config file)")
	}
	return nil
}
