package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/auth"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/config"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/database"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/logging"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(logger, db)
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute vote aggregates from the user vote log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(logger, db)

			repository, err := votes.NewRepository(votes.RepositoryConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			report, err := repository.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"projectsScanned":  report.ProjectsScanned,
				"projectsRepaired": report.ProjectsRepaired,
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userRef     string
		email       string
		displayName string
		groups      []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user entity reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.SessionSubject{
				UserRef:     userRef,
				Email:       email,
				DisplayName: displayName,
				Groups:      groups,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"token":     token,
				"expiresAt": expiresAt.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&userRef, "user", "", "User entity reference, e.g. user:default/jdoe")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "Group claims (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func openStore() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	db, err := openDatabase(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func closeStore(logger *zap.Logger, db *gorm.DB) {
	if err := database.Close(db); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
	_ = logger.Sync()
}

func writeJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func requireArg(args []string, name string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return strings.TrimSpace(args[0]), nil
}
