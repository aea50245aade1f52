package migration_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/auth"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/database"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/identity"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/localcache"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/metrics"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/migration"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify/notifytest"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/remotestore"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/server"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/users"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/visited"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const flowSigningSecret = "flow-signing-secret"

type clientCore struct {
	signal      *identity.Signal
	cache       *localcache.Cache
	store       *visited.Store
	coordinator *migration.Coordinator
	recorder    *notifytest.Recorder
}

func startRecordStore(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:"+t.Name()+"?mode=memory&cache=shared", zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	countryService, err := countries.NewService(countries.ServiceConfig{Database: db, IDProvider: countries.NewUUIDProvider()})
	require.NoError(t, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(flowSigningSecret), CookieName: "app_session"})
	require.NoError(t, err)
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(flowSigningSecret), TokenTTL: time.Hour})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Countries:        countryService,
		Realtime:         server.NewRealtimeDispatcher(),
		Metrics:          metrics.New(),
	})
	require.NoError(t, err)

	recordStore := httptest.NewServer(handler)
	t.Cleanup(recordStore.Close)

	token, _, err := issuer.IssueSessionToken(context.Background(), auth.SessionIdentity{UserID: "google:traveller"})
	require.NoError(t, err)
	return recordStore, token
}

func newClientCore(t *testing.T, baseURL string) *clientCore {
	t.Helper()
	signal := identity.NewSignal(identity.Anonymous)
	cache, err := localcache.New(localcache.Config{Medium: localcache.NewMemoryMedium()})
	require.NoError(t, err)
	remote, err := remotestore.New(remotestore.Config{BaseURL: baseURL, Timeout: 2 * time.Second, TokenSource: signal})
	require.NoError(t, err)

	store, err := visited.New(visited.Config{Local: cache, Remote: remote, Identity: signal})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	recorder := &notifytest.Recorder{}
	coordinator, err := migration.New(migration.Config{
		Local:    cache,
		Remote:   remote,
		Notifier: recorder,
		OnDone: func(ctx context.Context) {
			_, err := store.Refresh(ctx)
			assert.NoError(t, err)
		},
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Attach(signal))

	return &clientCore{signal: signal, cache: cache, store: store, coordinator: coordinator, recorder: recorder}
}

func TestSignInMigratesLocalCountriesIntoAccount(t *testing.T) {
	recordStore, token := startRecordStore(t)
	ctx := context.Background()

	seed, err := remotestore.New(remotestore.Config{BaseURL: recordStore.URL, TokenSource: remotestore.StaticToken(token)})
	require.NoError(t, err)
	japan, err := countries.NewRecordInput("JP", "Japan", nil)
	require.NoError(t, err)
	_, err = seed.Insert(ctx, japan)
	require.NoError(t, err)

	core := newClientCore(t, recordStore.URL)
	for _, country := range []struct{ code, name string }{{"FR", "France"}, {"JP", "Japan"}} {
		result, err := core.store.Toggle(ctx, countries.CountryCode(country.code), countries.CountryName(country.name))
		require.NoError(t, err)
		require.Equal(t, visited.ToggleAdded, result)
	}
	require.Len(t, core.cache.List(ctx), 2)

	core.signal.Authenticate("google:traveller", token)

	assert.Equal(t, migration.StateDone, core.coordinator.State())
	assert.Equal(t, 1, core.coordinator.LastSynced())
	assert.Equal(t, []string{notify.SyncedMessage(1)}, core.recorder.Successes())
	assert.Empty(t, core.cache.List(ctx))

	set, err := core.store.CurrentVisitedSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, []countries.CountryCode{"FR", "JP"}, set.Codes())

	result, err := core.store.Toggle(ctx, "FR", "France")
	require.NoError(t, err)
	assert.Equal(t, visited.ToggleRemoved, result)
	remaining, err := seed.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "JP", remaining[0].CountryCode)

	core.signal.SignOut()
	core.signal.Authenticate("google:traveller", token)
	assert.Equal(t, []string{notify.SyncedMessage(1)}, core.recorder.Successes(), "migration runs once per process")

	core.signal.SignOut()
	set, err = core.store.CurrentVisitedSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, set.Codes(), "signed-out reads come from the drained local cache")
}

func TestVisitedListenersSeeMigratedCountriesAfterSignIn(t *testing.T) {
	recordStore, token := startRecordStore(t)
	ctx := context.Background()

	for _, country := range []struct{ code, name string }{
		{"FR", "France"}, {"JP", "Japan"}, {"DE", "Germany"}, {"IT", "Italy"}, {"ES", "Spain"},
		{"PT", "Portugal"}, {"NL", "Netherlands"}, {"BE", "Belgium"}, {"AT", "Austria"}, {"CH", "Switzerland"},
	} {
		core := newClientCore(t, recordStore.URL)
		var mu sync.Mutex
		var latest visited.Set
		core.store.OnChange(func(set visited.Set) {
			mu.Lock()
			latest = set
			mu.Unlock()
		})

		_, err := core.store.Toggle(ctx, countries.CountryCode(country.code), countries.CountryName(country.name))
		require.NoError(t, err)
		core.signal.Authenticate("google:traveller", token)
		require.Equal(t, migration.StateDone, core.coordinator.State())

		mu.Lock()
		delivered := latest
		mu.Unlock()
		assert.True(t, delivered.Has(countries.CountryCode(country.code)),
			"last delivered set after sign-in is missing migrated %s", country.code)
	}
}

func TestFailedMigrationKeepsLocalCountries(t *testing.T) {
	recordStore, token := startRecordStore(t)
	ctx := context.Background()
	baseURL := recordStore.URL

	core := newClientCore(t, baseURL)
	_, err := core.store.Toggle(ctx, "IT", "Italy")
	require.NoError(t, err)

	recordStore.Close()
	core.signal.Authenticate("google:traveller", token)

	assert.Equal(t, migration.StateFailed, core.coordinator.State())
	assert.Error(t, core.coordinator.LastError())
	assert.Equal(t, []string{notify.MessageSyncFailed}, core.recorder.Failures())
	require.Len(t, core.cache.List(ctx), 1)
	assert.Equal(t, "IT", core.cache.List(ctx)[0].CountryCode)
}

func TestSignInWithEmptyDeviceStaysQuiet(t *testing.T) {
	recordStore, token := startRecordStore(t)

	core := newClientCore(t, recordStore.URL)
	core.signal.Authenticate("google:traveller", token)

	assert.Equal(t, migration.StateDone, core.coordinator.State())
	assert.Empty(t, core.recorder.Successes())
	assert.Empty(t, core.recorder.Failures())
}
