package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/billingfox/internal/pkg/database"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	applog "github.com/ManuelReschke/billingfox/internal/pkg/logger"
)

// migrator is the subset of *migrate.Migrate the commands drive.
type migrator interface {
	Up() error
	Steps(n int) error
	Migrate(version uint) error
	Force(version int) error
	Version() (uint, bool, error)
}

type migratorLoader func() (migrator, func(), error)

func main() {
	env.SetupEnvFile()
	log := applog.New()

	if err := newRootCmd(loadMigrator(log)).Execute(); err != nil {
		os.Exit(1)
	}
}

func loadMigrator(log *logrus.Logger) migratorLoader {
	return func() (migrator, func(), error) {
		cfg := database.LoadConfig()
		dbURL, err := cfg.MigrationURL()
		if err != nil {
			return nil, nil, fmt.Errorf("database config: %w", err)
		}

		log.WithFields(logrus.Fields{
			"driver": cfg.Driver,
			"host":   cfg.Host,
			"port":   cfg.Port,
			"name":   cfg.Name,
		}).Info("connecting for migrations")

		m, err := migrate.New("file://migrations/"+cfg.Driver, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init migrations: %w", err)
		}
		closeFn := func() {
			if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
				log.Warnf("closing migration resources: %v, %v", sourceErr, dbErr)
			}
		}
		return m, closeFn, nil
	}
}

func newRootCmd(load migratorLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply billing schema migrations (driver from DB_DRIVER)",
		SilenceUsage: true,
	}

	with := func(run func(m migrator, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := load()
			if err != nil {
				return err
			}
			defer closeFn()
			return run(m, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  with(runUp),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back the last migration, or the given number of steps",
			Args:  cobra.MaximumNArgs(1),
			RunE:  with(runDown),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a version",
			Args:  cobra.ExactArgs(1),
			RunE:  with(runGoto),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the version without running migrations and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE:  with(runForce),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE:  with(runStatus),
		},
	)
	return root
}

func runUp(m migrator, out io.Writer, _ []string) error {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintln(out, "no change: schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	fmt.Fprintln(out, "migrations applied")
	return nil
}

func runDown(m migrator, out io.Writer, args []string) error {
	steps := 1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		steps = n
	}
	if err := m.Steps(-steps); err != nil {
		return fmt.Errorf("roll back %d migration(s): %w", steps, err)
	}
	fmt.Fprintf(out, "rolled back %d migration(s)\n", steps)
	return nil
}

func runGoto(m migrator, out io.Writer, args []string) error {
	version, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", args[0])
	}
	err = m.Migrate(uint(version))
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(out, "no change: schema already at version %d\n", version)
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	fmt.Fprintf(out, "migrated to version %d\n", version)
	return nil
}

func runForce(m migrator, out io.Writer, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version %q", args[0])
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	fmt.Fprintf(out, "forced version %d\n", version)
	return nil
}

func runStatus(m migrator, out io.Writer, _ []string) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "no migrations applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if dirty {
		fmt.Fprintf(out, "version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(out, "version %d\n", version)
	return nil
}
