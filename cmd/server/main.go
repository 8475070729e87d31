package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/entauth/internal/authkit"
	"github.com/tyemirov/entauth/internal/authkitpg"
	"github.com/tyemirov/entauth/internal/mailer"
	"github.com/tyemirov/entauth/internal/web"
	webassets "github.com/tyemirov/entauth/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "entauth",
		Short:   "Multi-tenant session authority with JWT access tokens, stored refresh tokens, and single-use password resets",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("access_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("refresh_signing_key", "", "HS256 signing secret for refresh tokens (must differ from the access key)")
	rootCmd.Flags().String("token_issuer", "entauth", "Issuer claim stamped into every token")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 14*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("reset_ttl", time.Hour, "Password reset token TTL")
	rootCmd.Flags().Int("bcrypt_cost", 12, "bcrypt work factor for password hashing")
	rootCmd.Flags().Bool("revoke_sessions_on_reset", false, "Revoke all refresh tokens when a password reset is consumed")
	rootCmd.Flags().String("database_url", "", "Database URL for users and tokens (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("pgx_native", false, "Use the pgx token store instead of GORM (postgres URLs only)")
	rootCmd.Flags().Duration("sweep_interval", 10*time.Minute, "Interval between expired-token sweeps")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("access_signing_key", rootCmd.Flags().Lookup("access_signing_key"))
	_ = viper.BindPFlag("refresh_signing_key", rootCmd.Flags().Lookup("refresh_signing_key"))
	_ = viper.BindPFlag("token_issuer", rootCmd.Flags().Lookup("token_issuer"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("reset_ttl", rootCmd.Flags().Lookup("reset_ttl"))
	_ = viper.BindPFlag("bcrypt_cost", rootCmd.Flags().Lookup("bcrypt_cost"))
	_ = viper.BindPFlag("revoke_sessions_on_reset", rootCmd.Flags().Lookup("revoke_sessions_on_reset"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("pgx_native", rootCmd.Flags().Lookup("pgx_native"))
	_ = viper.BindPFlag("sweep_interval", rootCmd.Flags().Lookup("sweep_interval"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const minimumSigningKeyBytes = 32

const (
	configCodeMissingAccessKey        = "config.missing_access_signing_key"
	configCodeMissingRefreshKey       = "config.missing_refresh_signing_key"
	configCodeShortSigningKey         = "config.short_signing_key"
	configCodeIdenticalSigningKeys    = "config.identical_signing_keys"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidResetTTL         = "config.invalid_reset_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodePgxRequiresPostgres     = "config.pgx_requires_postgres"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the authority configuration from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessSigningKey := viper.GetString("access_signing_key")
	if accessSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessKey, "access_signing_key must be provided")
	}
	refreshSigningKey := viper.GetString("refresh_signing_key")
	if refreshSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshKey, "refresh_signing_key must be provided")
	}
	if len(accessSigningKey) < minimumSigningKeyBytes || len(refreshSigningKey) < minimumSigningKeyBytes {
		return authkit.ServerConfig{}, configError(configCodeShortSigningKey, fmt.Sprintf("signing keys must be at least %d bytes", minimumSigningKeyBytes))
	}
	if accessSigningKey == refreshSigningKey {
		return authkit.ServerConfig{}, configError(configCodeIdenticalSigningKeys, "access and refresh signing keys must differ")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	resetTTL := viper.GetDuration("reset_ttl")
	if resetTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidResetTTL, "reset_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		AccessSigningKey:      []byte(accessSigningKey),
		RefreshSigningKey:     []byte(refreshSigningKey),
		Issuer:                viper.GetString("token_issuer"),
		AccessTTL:             accessTTL,
		RefreshTTL:            refreshTTL,
		ResetTTL:              resetTTL,
		BcryptCost:            viper.GetInt("bcrypt_cost"),
		RevokeSessionsOnReset: viper.GetBool("revoke_sessions_on_reset"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	pgxNative := viper.GetBool("pgx_native")
	sweepInterval := viper.GetDuration("sweep_interval")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})

	clock := authkit.NewSystemClock()

	tokenStore, userDirectory, storesErr := buildStores(command.Context(), databaseURL, pgxNative, clock, logger)
	if storesErr != nil {
		return storesErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	resetMailer := mailer.NewLogMailer(logger)

	authority, authorityErr := authkit.NewSessionAuthority(serverConfig, userDirectory, tokenStore, resetMailer, clock, logger, metricsRecorder)
	if authorityErr != nil {
		return authorityErr
	}

	authkit.MountAuthRoutes(router, authority)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()
	go authkit.NewSweeper(tokenStore, sweepInterval, clock, logger).Run(sweeperCtx)

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		sweeperCancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStores(ctx context.Context, databaseURL string, pgxNative bool, clock authkit.Clock, logger *zap.Logger) (authkit.TokenStore, authkit.UserDirectory, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if databaseURL == "" {
		logger.Info("using in-memory stores")
		return authkit.NewMemoryTokenStore(), authkit.NewMemoryUserDirectory(), nil
	}

	if pgxNative {
		if !isPostgresURL(databaseURL) {
			return nil, nil, configError(configCodePgxRequiresPostgres, "pgx_native requires a postgres database_url")
		}
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, nil, schemaErr
		}
		// The directory stays on GORM; only the token hot path goes through pgx.
		gormDB, _, openErr := authkit.OpenDatabase(databaseURL)
		if openErr != nil {
			return nil, nil, openErr
		}
		userDirectory, directoryErr := authkit.NewDatabaseUserDirectory(ctx, gormDB)
		if directoryErr != nil {
			return nil, nil, directoryErr
		}
		logger.Info("using pgx token store", zap.String("driver", "pgx"))
		return authkitpg.NewPostgresTokenStore(pool, clock), userDirectory, nil
	}

	tokenStore, storeErr := authkit.NewDatabaseTokenStore(ctx, databaseURL, clock)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	userDirectory, directoryErr := authkit.NewDatabaseUserDirectory(ctx, tokenStore.DB())
	if directoryErr != nil {
		return nil, nil, directoryErr
	}
	logger.Info("using persistent stores", zap.String("driver", tokenStore.Driver()))
	return tokenStore, userDirectory, nil
}

func isPostgresURL(databaseURL string) bool {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "postgres" || scheme == "postgresql"
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
