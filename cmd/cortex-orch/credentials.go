package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-orchestrator/internal/vault"
)

// passwordEnv supplies export and import passwords when --password is not set.
const passwordEnv = "CORTEX_ORCH_VAULT_PASSWORD"

// ═══════════════════════════════════════════════════════════════════════════════
// CREDENTIALS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage encrypted provider credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored credentials with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				cfg, err := v.Sanitized()
				if errors.Is(err, vault.ErrNoCredentials) {
					fmt.Println("No credentials stored. Add one with: cortex-orch credentials set <provider> --api-key <key>")
					return nil
				}
				if err != nil {
					return err
				}

				t := table{Headers: []string{"Provider", "Field", "Value"}}
				for _, id := range sortedKeys(cfg) {
					entry, ok := cfg[id].(map[string]any)
					if !ok {
						continue
					}
					for _, field := range sortedKeys(entry) {
						t.Rows = append(t.Rows, []string{id, field, fmt.Sprint(entry[field])})
					}
				}
				fmt.Print(renderTable(t))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check stored API keys against known formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				cfg, err := v.Load()
				if err != nil {
					return err
				}
				results := vault.ValidateConfig(cfg)
				if len(results) == 0 {
					fmt.Println("No API keys stored.")
					return nil
				}

				t := table{Headers: []string{"Provider", "Status"}}
				invalid := 0
				for _, r := range results {
					status := okStyle.Render("valid")
					if !r.Valid {
						invalid++
						status = errStyle.Render(r.Reason)
					}
					t.Rows = append(t.Rows, []string{r.Provider, status})
				}
				fmt.Print(renderTable(t))
				if invalid > 0 {
					return fmt.Errorf("%d invalid key(s)", invalid)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(credentialsSetCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "Copy the current credentials to a timestamped backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				name, err := v.Backup()
				if err != nil {
					return err
				}
				fmt.Println(okStyle.Render("✓ backup created: " + name))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "backups",
		Short: "List credential backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				backups, err := v.ListBackups()
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					fmt.Println("No backups found.")
					return nil
				}
				t := table{Headers: []string{"Backup", "Created", "Size"}}
				for _, b := range backups {
					t.Rows = append(t.Rows, []string{b.Name, b.CreatedAt.Local().Format(time.DateTime), fmt.Sprintf("%d B", b.Size)})
				}
				fmt.Print(renderTable(t))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore [backup]",
		Short: "Replace the current credentials with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				if err := v.Restore(args[0]); err != nil {
					return err
				}
				fmt.Println(okStyle.Render("✓ restored " + args[0]))
				return nil
			})
		},
	})

	var password string
	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Write password-protected credentials for another machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(password)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				blob, err := v.Export(pw)
				if err != nil {
					return err
				}
				path := expandHome(args[0])
				if err := os.WriteFile(path, blob, 0o600); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Println(okStyle.Render("✓ exported to " + path))
				return nil
			})
		},
	}
	export.Flags().StringVar(&password, "password", "", "export password (default $"+passwordEnv+")")
	cmd.AddCommand(export)

	var importPassword string
	imp := &cobra.Command{
		Use:   "import [file]",
		Short: "Load credentials written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(importPassword)
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(expandHome(args[0]))
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				if _, err := v.Backup(); err != nil && !errors.Is(err, vault.ErrNoCredentials) {
					return err
				}
				if err := v.Import(blob, pw); err != nil {
					return err
				}
				fmt.Println(okStyle.Render("✓ credentials imported"))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&importPassword, "password", "", "export password (default $"+passwordEnv+")")
	cmd.AddCommand(imp)

	return cmd
}

func credentialsSetCmd() *cobra.Command {
	var apiKey, endpoint, model string
	var force bool

	cmd := &cobra.Command{
		Use:   "set [provider]",
		Short: "Store settings for one provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if apiKey == "" && endpoint == "" && model == "" {
				return fmt.Errorf("nothing to set: pass --api-key, --endpoint or --model")
			}
			if apiKey != "" {
				if res := vault.ValidateKey(id, apiKey); !res.Valid && !force {
					return fmt.Errorf("%s key rejected (%s); use --force to store it anyway", id, res.Reason)
				}
			}

			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.Vault()
				if err != nil {
					return err
				}
				cfg, err := v.Load()
				if err != nil && !errors.Is(err, vault.ErrNoCredentials) {
					return err
				}

				entry := map[string]any{}
				if apiKey != "" {
					entry["apiKey"] = apiKey
				}
				if endpoint != "" {
					entry["endpoint"] = endpoint
				}
				if model != "" {
					entry["model"] = model
				}
				cfg = vault.Merge(cfg, vault.Config{id: entry})
				if err := v.Save(cfg); err != nil {
					return err
				}
				a.registry.Invalidate(id)
				fmt.Println(okStyle.Render("✓ saved " + id))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint URL for local providers")
	cmd.Flags().StringVar(&model, "model", "", "default model")
	cmd.Flags().BoolVar(&force, "force", false, "store a key that fails format validation")
	return cmd
}

func resolvePassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	return "", fmt.Errorf("a password is required: pass --password or set %s", passwordEnv)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
