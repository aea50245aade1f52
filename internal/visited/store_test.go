package visited

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/identity"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/localcache"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/remotestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu        sync.Mutex
	records   map[countries.CountryCode]countries.Record
	listErr   error
	insertErr error
	deleteErr error
	inserts   int
	deletes   int
	listCalls int
}

func newFakeRemote(codes ...string) *fakeRemote {
	remote := &fakeRemote{records: make(map[countries.CountryCode]countries.Record)}
	for _, code := range codes {
		remote.records[countries.CountryCode(code)] = countries.Record{CountryCode: code, CountryName: code}
	}
	return remote
}

func (r *fakeRemote) List(context.Context) ([]countries.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	records := make([]countries.Record, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, record)
	}
	return records, nil
}

func (r *fakeRemote) Insert(_ context.Context, input countries.RecordInput) (countries.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.insertErr != nil {
		return countries.Record{}, r.insertErr
	}
	if _, exists := r.records[input.CountryCode]; exists {
		return countries.Record{}, fmt.Errorf("%w: 409", remotestore.ErrConflict)
	}
	record := countries.Record{CountryCode: input.CountryCode.String(), CountryName: input.CountryName.String()}
	r.records[input.CountryCode] = record
	return record, nil
}

func (r *fakeRemote) Delete(_ context.Context, code countries.CountryCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, exists := r.records[code]; !exists {
		return fmt.Errorf("%w: 404", remotestore.ErrNotFound)
	}
	delete(r.records, code)
	return nil
}

func (r *fakeRemote) has(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.records[countries.CountryCode(code)]
	return exists
}

type failingMedium struct{}

func (failingMedium) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("storage disabled")
}

func (failingMedium) Set(context.Context, string, string) error {
	return errors.New("storage disabled")
}

func (failingMedium) Delete(context.Context, string) error {
	return errors.New("storage disabled")
}

type fixture struct {
	store  *Store
	local  *localcache.Cache
	remote *fakeRemote
	signal *identity.Signal
}

func newFixture(t *testing.T, medium localcache.Medium, remote *fakeRemote, initial identity.Identity) fixture {
	t.Helper()
	if medium == nil {
		medium = localcache.NewMemoryMedium()
	}
	local, err := localcache.New(localcache.Config{Medium: medium})
	require.NoError(t, err)
	signal := identity.NewSignal(initial)
	store, err := New(Config{Local: local, Remote: remote, Identity: signal})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return fixture{store: store, local: local, remote: remote, signal: signal}
}

var signedIn = identity.Identity{Authenticated: true, UserID: "user-1", Token: "token"}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errMissingLocal)
}

func TestAnonymousToggleAddsThenRemoves(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote(), identity.Anonymous)
	ctx := context.Background()

	result, err := f.store.Toggle(ctx, "US", "United States")
	require.NoError(t, err)
	assert.Equal(t, ToggleAdded, result)

	set, err := f.store.CurrentVisitedSet(ctx)
	require.NoError(t, err)
	assert.True(t, set.Has("US"))

	result, err = f.store.Toggle(ctx, "US", "United States")
	require.NoError(t, err)
	assert.Equal(t, ToggleRemoved, result)

	set, err = f.store.CurrentVisitedSet(ctx)
	require.NoError(t, err)
	assert.False(t, set.Has("US"))
	assert.Zero(t, f.remote.inserts+f.remote.deletes+f.remote.listCalls, "anonymous mode never touches the remote store")
}

func TestAuthenticatedToggleUsesRemoteOnly(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote(), signedIn)
	ctx := context.Background()

	result, err := f.store.Toggle(ctx, "US", "United States")
	require.NoError(t, err)
	assert.Equal(t, ToggleAdded, result)
	assert.True(t, f.remote.has("US"))
	assert.Empty(t, f.local.List(ctx))

	result, err = f.store.Toggle(ctx, "US", "United States")
	require.NoError(t, err)
	assert.Equal(t, ToggleRemoved, result)
	assert.False(t, f.remote.has("US"))
}

func TestRemoteConflictCountsAsAdded(t *testing.T) {
	remote := newFakeRemote()
	remote.insertErr = fmt.Errorf("%w: already there", remotestore.ErrConflict)
	f := newFixture(t, nil, remote, signedIn)

	result, err := f.store.Toggle(context.Background(), "FR", "France")
	require.NoError(t, err)
	assert.Equal(t, ToggleAdded, result)
}

func TestRemoteNotFoundCountsAsRemoved(t *testing.T) {
	remote := newFakeRemote("FR")
	remote.deleteErr = fmt.Errorf("%w: gone", remotestore.ErrNotFound)
	f := newFixture(t, nil, remote, signedIn)

	result, err := f.store.Toggle(context.Background(), "FR", "France")
	require.NoError(t, err)
	assert.Equal(t, ToggleRemoved, result)
}

func TestRemoteFailureSurfacesWithoutLocalFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.insertErr = fmt.Errorf("%w: connection refused", remotestore.ErrTransport)
	f := newFixture(t, nil, remote, signedIn)
	ctx := context.Background()

	_, err := f.store.Toggle(ctx, "FR", "France")
	require.ErrorIs(t, err, remotestore.ErrTransport)
	assert.Empty(t, f.local.List(ctx), "no ghost copy in local storage")
}

func TestRemoteListFailureIsAnError(t *testing.T) {
	remote := newFakeRemote("FR")
	remote.listErr = fmt.Errorf("%w: 500", remotestore.ErrTransport)
	f := newFixture(t, nil, remote, signedIn)

	set, err := f.store.CurrentVisitedSet(context.Background())
	require.ErrorIs(t, err, remotestore.ErrTransport)
	assert.Nil(t, set)

	_, err = f.store.Toggle(context.Background(), "FR", "France")
	require.ErrorIs(t, err, remotestore.ErrTransport)
	assert.Zero(t, remote.deletes)
}

func TestLocalUnavailableSurfacesError(t *testing.T) {
	f := newFixture(t, failingMedium{}, newFakeRemote(), identity.Anonymous)

	set, err := f.store.CurrentVisitedSet(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set)

	_, err = f.store.Toggle(context.Background(), "FR", "France")
	assert.ErrorIs(t, err, ErrLocalUnavailable)
}

func TestIdentityChangeSwapsBackingSet(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote("JP"), identity.Anonymous)
	ctx := context.Background()
	require.True(t, f.local.Add(ctx, "FR", "France"))

	var observed []Set
	f.store.OnChange(func(set Set) { observed = append(observed, set) })

	f.signal.Authenticate("user-1", "token")
	require.Len(t, observed, 1)
	assert.Equal(t, []countries.CountryCode{"JP"}, observed[0].Codes())

	f.signal.SignOut()
	require.Len(t, observed, 2)
	assert.Equal(t, []countries.CountryCode{"FR"}, observed[1].Codes())
}

func TestOnChangeReceivesToggledSet(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote(), identity.Anonymous)
	var observed []Set
	unsubscribe := f.store.OnChange(func(set Set) { observed = append(observed, set) })

	_, err := f.store.Toggle(context.Background(), "FR", "France")
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.True(t, observed[0].Has("FR"))

	unsubscribe()
	_, err = f.store.Toggle(context.Background(), "FR", "France")
	require.NoError(t, err)
	assert.Len(t, observed, 1)
}

func TestConcurrentTogglesAlternate(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote(), signedIn)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan ToggleResult, 10)
	for index := 0; index < 10; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.store.Toggle(ctx, "FR", "France")
			assert.NoError(t, err)
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	added, removed := 0, 0
	for result := range results {
		switch result {
		case ToggleAdded:
			added++
		case ToggleRemoved:
			removed++
		}
	}
	assert.Equal(t, 5, added)
	assert.Equal(t, 5, removed)
	assert.False(t, f.remote.has("FR"))
	assert.Equal(t, 5, f.remote.inserts)
}

func TestOverlappingTogglesDeliverSetsInCommitOrder(t *testing.T) {
	f := newFixture(t, nil, newFakeRemote(), signedIn)
	ctx := context.Background()

	var mu sync.Mutex
	var observed []Set
	f.store.OnChange(func(set Set) {
		mu.Lock()
		observed = append(observed, set)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for index := 0; index < 10; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Toggle(ctx, "FR", "France")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 10)
	for index, set := range observed {
		assert.Equal(t, index%2 == 0, set.Has("FR"), "delivery %d out of order", index)
	}
	current, err := f.store.CurrentVisitedSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, current.Codes(), observed[len(observed)-1].Codes())
}

func TestToggleResultString(t *testing.T) {
	assert.Equal(t, "added", ToggleAdded.String())
	assert.Equal(t, "removed", ToggleRemoved.String())
	assert.Equal(t, "unknown", ToggleResult(0).String())
}
