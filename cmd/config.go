package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/scanorch/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage scanorch configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		redact(cfg)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(p); err == nil && !configForce {
			fmt.Println(warnStyle.Render(p + " already exists (use --force to overwrite)"))
			return nil
		}
		// Load with no file present yields the defaults.
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := config.EnsureDir(); err != nil {
			return err
		}
		if err := config.Save(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Wrote " + p))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		fmt.Printf("Opening %s with %s...\n", p, editor)
		c := exec.Command(editor, p) // #nosec G204 -- editor is from $EDITOR env var, intentional user-controlled binary
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd, configEditCmd)
}

func redact(cfg *config.Config) {
	if cfg.Database.DSN != "" {
		cfg.Database.DSN = "***"
	}
	if cfg.Checkmarx.ClientSecret != "" {
		cfg.Checkmarx.ClientSecret = "***"
	}
	if cfg.Payloads.MinIO.SecretKey != "" {
		cfg.Payloads.MinIO.SecretKey = "***"
	}
	if cfg.Sources.GitToken != "" {
		cfg.Sources.GitToken = "***"
	}
}
