package bootstrap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const migrationRoot = "migration/postgresql"

var errInvalidMigrationAction = errors.New("invalid migration action")

func StartMigrate(cmd *cobra.Command, args []string) {
	databaseName, _ := cmd.Flags().GetString("databaseName")
	actionType, _ := cmd.Flags().GetString("action")
	migrationName, _ := cmd.Flags().GetString("name")
	version, _ := cmd.Flags().GetInt64("version")

	databaseName = strings.TrimSpace(databaseName)
	dbCfg, ok := config.Env.Database[databaseName]
	if !ok || strings.TrimSpace(dbCfg.DSN) == "" {
		util.ContinueOrFatal(fmt.Errorf("database %q is not configured", databaseName))
	}

	migrationDir := filepath.Join(migrationRoot, databaseName)

	err := goose.SetDialect("postgres")
	util.ContinueOrFatal(err)

	db, err := goose.OpenDBWithDriver("postgres", dbCfg.DSN)
	util.ContinueOrFatal(err)
	defer db.Close()

	logrus.WithFields(logrus.Fields{
		"database": databaseName,
		"action":   actionType,
		"dir":      migrationDir,
	}).Info("running migration")

	switch actionType {
	case "create":
		if strings.TrimSpace(migrationName) == "" {
			err = errors.New("migration name is required")
			break
		}
		err = goose.Create(db, migrationDir, migrationName, "sql")
	case "up":
		err = goose.Up(db, migrationDir, goose.WithAllowMissing())
	case "up-by-one":
		err = goose.UpByOne(db, migrationDir, goose.WithAllowMissing())
	case "up-to":
		err = goose.UpTo(db, migrationDir, null.IntFrom(version).Int64, goose.WithAllowMissing())
	case "down":
		err = goose.Down(db, migrationDir, goose.WithAllowMissing())
	case "down-to":
		err = goose.DownTo(db, migrationDir, null.IntFrom(version).Int64, goose.WithAllowMissing())
	case "status":
		err = goose.Status(db, migrationDir)
	case "version":
		err = goose.Version(db, migrationDir)
	case "reset":
		err = goose.Reset(db, migrationDir, goose.WithAllowMissing())
		if err != nil {
			break
		}
		err = goose.Up(db, migrationDir, goose.WithAllowMissing())
	default:
		err = fmt.Errorf("%w: %s", errInvalidMigrationAction, actionType)
	}

	util.ContinueOrFatal(err)
}
