package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/vault"
)

var (
	secretValue       string
	secretFile        string
	secretDescription string
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted agent credentials",
	Long: `Manage secrets referenced from agent config as "secret:<name>".
Requires CLIPFORGE_VAULT_PASSPHRASE (or vault.passphrase in the config).`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store or replace a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secretInput()
		if err != nil {
			return err
		}
		return withSecrets(func(s *vault.Secrets) error {
			if err := s.Put(args[0], secretDescription, value); err != nil {
				return err
			}
			fmt.Printf("Secret %q saved\n", args[0])
			return nil
		})
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s *vault.Secrets) error {
			v, err := s.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Print(string(v))
			if len(v) > 0 && v[len(v)-1] != '\n' {
				fmt.Println()
			}
			return nil
		})
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets (metadata only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s *vault.Secrets) error {
			secrets, err := s.List()
			if err != nil {
				return err
			}
			printSecrets(os.Stdout, secrets)
			return nil
		})
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s *vault.Secrets) error {
			if _, err := s.Get(args[0]); err != nil {
				return err
			}
			if err := s.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %q deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	secretSetCmd.Flags().StringVar(&secretValue, "value", "", "secret value")
	secretSetCmd.Flags().StringVar(&secretFile, "file", "", "read the value from a file (- for stdin)")
	secretSetCmd.Flags().StringVar(&secretDescription, "description", "", "free-form description")
	secretSetCmd.MarkFlagsMutuallyExclusive("value", "file")
	secretSetCmd.MarkFlagsOneRequired("value", "file")

	secretCmd.AddCommand(secretSetCmd, secretGetCmd, secretListCmd, secretDeleteCmd)
}

func secretInput() ([]byte, error) {
	switch secretFile {
	case "":
		return []byte(secretValue), nil
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		data, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
}

func withSecrets(fn func(*vault.Secrets) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return errors.New("CLIPFORGE_VAULT_PASSPHRASE environment variable is required")
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(vault.NewSecrets(db, v))
}

func printSecrets(out io.Writer, secrets []store.Secret) {
	if len(secrets) == 0 {
		fmt.Fprintln(out, "No secrets stored.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tREF\tUPDATED\tDESCRIPTION")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\tsecret:%s\t%s\t%s\n", s.Name, s.Name, s.UpdatedAt.Local().Format(time.DateTime), s.Description)
	}
	_ = w.Flush()
}
