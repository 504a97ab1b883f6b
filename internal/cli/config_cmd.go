package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"burstfuse/internal/config"
	"burstfuse/internal/tasks"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or write the burstfuse configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("BURSTFUSE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/burstfuse/config.json"
			}
			cmd.Printf("# config file: %s\n", cfgPath)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			if _, err := root.newMatchers().Select(root.cfg.Alignment.Matcher); err != nil {
				return fmt.Errorf("alignment.matcher: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("Configuration is valid")
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			data, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) newMatchers() *tasks.MatcherManager {
	return tasks.NewMatcherManager(&r.cfg.Alignment)
}

// availableMatchers lists registered matchers, marking unavailable ones.
func (r *Root) availableMatchers() []string {
	mgr := r.newMatchers()
	var out []string
	for _, name := range mgr.Names() {
		if s := mgr.Matchers()[name]; s != nil && !s.IsAvailable() {
			name += " (unavailable)"
		}
		out = append(out, name)
	}
	return out
}
