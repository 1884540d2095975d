package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the assist database",
		Long:  "Creates the database (MySQL), migrates all tables, and seeds rules and professionals from config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", configPath)
			if err := initDatabase(cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nDatabase initialized successfully.")
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// initDatabase creates (MySQL only), migrates and seeds the configured database.
func initDatabase(out io.Writer, cfg *config.Config) error {
	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedRules(gormDB, cfg.Rules); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d rules\n", len(cfg.Rules))

	if err := db.SeedProfessionals(gormDB, cfg.Professionals); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d professionals\n", len(cfg.Professionals))
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the assist database",
		Long: `Drops the configured database (or deletes the sqlite file), then
re-creates it from config. Every session and notification is lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := cfg.Database.Name
	if cfg.Database.Driver == "sqlite" {
		target = cfg.Database.Path
	}

	if !skipConfirm {
		if isPipedFile(cmd.InOrStdin()) {
			return fmt.Errorf("stdin is not a terminal: pass --yes to reset %s", target)
		}
		if !confirmReset(cmd, target) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	switch cfg.Database.Driver {
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.DropDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
	case "sqlite":
		if err := os.Remove(cfg.Database.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", cfg.Database.Path, err)
		}
	}
	fmt.Fprintf(out, "Dropped %s\n", target)

	if err := initDatabase(out, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nDatabase reset and re-initialized successfully.")
	return nil
}

// isPipedFile reports whether in is an os.File that is not a terminal. Other
// readers (tests, wrapped streams) are read as typed answers.
func isPipedFile(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && !term.IsTerminal(int(f.Fd()))
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
