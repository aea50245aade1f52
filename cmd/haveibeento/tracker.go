package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/auth"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/config"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/database"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/identity"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/localcache"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/logging"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/migration"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/remotestore"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/selection"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/visited"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errMalformedSessionToken = errors.New("session token is malformed")

// tracker is the client core wired for one CLI invocation.
type tracker struct {
	logger      *zap.Logger
	signal      *identity.Signal
	store       *visited.Store
	coordinator *migration.Coordinator
	selection   *selection.Controller
	closers     []func() error
}

func openTracker(ctx context.Context, out io.Writer) (*tracker, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &tracker{logger: logger}
	medium, err := rt.openMedium(ctx, clientConfig)
	if err != nil {
		rt.Close()
		return nil, err
	}

	cache, err := localcache.New(localcache.Config{Medium: medium, Logger: logger})
	if err != nil {
		rt.Close()
		return nil, err
	}
	if !cache.Available(ctx) {
		logger.Warn("local medium unavailable, anonymous changes will not persist",
			zap.String("medium", clientConfig.LocalMedium))
	}

	rt.signal = identity.NewSignal(identity.Anonymous)
	remote, err := remotestore.New(remotestore.Config{
		BaseURL:     clientConfig.APIBaseURL,
		Timeout:     clientConfig.APITimeout,
		TokenSource: rt.signal,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	notifier := notify.NewLogNotifier(logger, out)

	rt.store, err = visited.New(visited.Config{
		Local:    cache,
		Remote:   remote,
		Identity: rt.signal,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { rt.store.Close(); return nil })

	rt.coordinator, err = migration.New(migration.Config{
		Local:    cache,
		Remote:   remote,
		Notifier: notifier,
		OnDone:   rt.refreshAfterMigration,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	detach := rt.coordinator.Attach(rt.signal)
	rt.closers = append(rt.closers, func() error { detach(); return nil })

	rt.selection, err = selection.New(selection.Config{
		Store:    rt.store,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	stopSync := rt.store.OnChange(rt.selection.Sync)
	rt.closers = append(rt.closers, func() error { stopSync(); return nil })

	if clientConfig.SessionToken != "" {
		userID, err := sessionUserID(clientConfig.SessionToken)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.signal.Authenticate(userID, clientConfig.SessionToken)
	}

	return rt, nil
}

func (rt *tracker) openMedium(ctx context.Context, clientConfig config.ClientConfig) (localcache.Medium, error) {
	switch clientConfig.LocalMedium {
	case config.MediumRedis:
		client, err := localcache.NewRedisClient(ctx, clientConfig.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)
		return localcache.NewRedisMedium(client)
	case config.MediumMemory:
		return localcache.NewMemoryMedium(), nil
	default:
		db, err := database.OpenLocalSQLite(clientConfig.LocalPath, rt.logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sqlDB.Close)
		return localcache.NewSQLiteMedium(db)
	}
}

func (rt *tracker) refreshAfterMigration(ctx context.Context) {
	if _, err := rt.store.Refresh(ctx); err != nil {
		rt.logger.Warn("visited set refresh after migration failed", zap.Error(err))
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *tracker) Close() {
	for index := len(rt.closers) - 1; index >= 0; index-- {
		if err := rt.closers[index](); err != nil {
			rt.logger.Warn("release failed", zap.Error(err))
		}
	}
	rt.closers = nil
	_ = rt.logger.Sync()
}

// sessionUserID reads the user id carried by a session token. The signature
// is not checked here; the record store validates every request.
func sessionUserID(token string) (string, error) {
	claims := &auth.SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSessionToken, err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return "", errMalformedSessionToken
	}
	return userID, nil
}
