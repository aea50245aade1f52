package visited

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/identity"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/remotestore"
	"go.uber.org/zap"
)

var (
	// ErrLocalUnavailable reports that the device medium rejected a write.
	ErrLocalUnavailable = errors.New("visited: local storage unavailable")

	errMissingLocal    = errors.New("visited: local cache is required")
	errMissingRemote   = errors.New("visited: remote store is required")
	errMissingIdentity = errors.New("visited: identity signal is required")
)

const (
	opCurrentSet = "visited.current_set"
	opToggle     = "visited.toggle"
)

// LocalCache is the device-side record holder.
type LocalCache interface {
	List(ctx context.Context) []countries.Record
	Add(ctx context.Context, code countries.CountryCode, name countries.CountryName) bool
	Remove(ctx context.Context, code countries.CountryCode) bool
}

// RemoteStore is the authenticated user's record store.
type RemoteStore interface {
	List(ctx context.Context) ([]countries.Record, error)
	Insert(ctx context.Context, input countries.RecordInput) (countries.Record, error)
	Delete(ctx context.Context, code countries.CountryCode) error
}

// IdentitySource reports the current identity and its mode changes.
type IdentitySource interface {
	Current() identity.Identity
	Subscribe(fn func(identity.Transition)) func()
}

// Set is the collection of visited country codes.
type Set map[countries.CountryCode]struct{}

// NewSet builds a Set from records.
func NewSet(records []countries.Record) Set {
	set := make(Set, len(records))
	for _, record := range records {
		set[countries.CountryCode(record.CountryCode)] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s Set) Has(code countries.CountryCode) bool {
	_, found := s[code]
	return found
}

// Codes returns the members in lexical order.
func (s Set) Codes() []countries.CountryCode {
	codes := make([]countries.CountryCode, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

func (s Set) clone() Set {
	copied := make(Set, len(s))
	for code := range s {
		copied[code] = struct{}{}
	}
	return copied
}

// ToggleResult is the successful outcome of Toggle.
type ToggleResult int

const (
	ToggleAdded ToggleResult = iota + 1
	ToggleRemoved
)

func (r ToggleResult) String() string {
	switch r {
	case ToggleAdded:
		return "added"
	case ToggleRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Config describes the dependencies of a Store.
type Config struct {
	Local    LocalCache
	Remote   RemoteStore
	Identity IdentitySource
	Logger   *zap.Logger
}

// Store routes reads and toggles to the local cache or the remote store
// according to the identity at the moment of the call. There is no dual write
// and no fallback from remote to local.
type Store struct {
	local    LocalCache
	remote   RemoteStore
	identity IdentitySource
	logger   *zap.Logger

	toggleMu    sync.Mutex
	listenersMu sync.Mutex
	listeners   map[int]func(Set)
	nextID      int
	unsubscribe func()
}

// New constructs a Store and subscribes it to identity changes.
func New(cfg Config) (*Store, error) {
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		local:     cfg.Local,
		remote:    cfg.Remote,
		identity:  cfg.Identity,
		logger:    logger,
		listeners: make(map[int]func(Set)),
	}
	store.unsubscribe = cfg.Identity.Subscribe(func(identity.Transition) {
		if _, err := store.Refresh(context.Background()); err != nil {
			logger.Warn("visited set refresh after identity change failed", zap.Error(err))
		}
	})
	return store, nil
}

// Close detaches the Store from identity changes.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// CurrentVisitedSet re-reads the backing store selected by the current identity.
// The local path never fails.
func (s *Store) CurrentVisitedSet(ctx context.Context) (Set, error) {
	if !s.identity.Current().Authenticated {
		return NewSet(s.local.List(ctx)), nil
	}
	records, err := s.remote.List(ctx)
	if err != nil {
		s.logError(opCurrentSet, "remote_list_failed", err)
		return nil, err
	}
	return NewSet(records), nil
}

// Refresh recomputes the visited set and notifies listeners.
func (s *Store) Refresh(ctx context.Context) (Set, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	set, err := s.CurrentVisitedSet(ctx)
	if err != nil {
		return nil, err
	}
	s.emit(set)
	return set, nil
}

// OnChange registers fn to receive the visited set after every successful
// toggle and refresh. Sets are delivered in commit order while the store holds
// its toggle lock, so fn must not call Toggle or Refresh. The returned
// function removes it.
func (s *Store) OnChange(fn func(Set)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Toggle adds code when it is not visited and removes it otherwise. Toggles are
// serialized and each one re-reads the backing store, so a toggle always
// observes the effect of the one before it.
func (s *Store) Toggle(ctx context.Context, code countries.CountryCode, name countries.CountryName) (ToggleResult, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	current, result, err := s.toggleLocked(ctx, code, name)
	if err != nil {
		return 0, err
	}

	next := current.clone()
	if result == ToggleAdded {
		next[code] = struct{}{}
	} else {
		delete(next, code)
	}
	s.emit(next)
	return result, nil
}

func (s *Store) toggleLocked(ctx context.Context, code countries.CountryCode, name countries.CountryName) (Set, ToggleResult, error) {
	authenticated := s.identity.Current().Authenticated
	current, err := s.CurrentVisitedSet(ctx)
	if err != nil {
		return nil, 0, err
	}

	if authenticated {
		result, err := s.toggleRemote(ctx, current.Has(code), code, name)
		return current, result, err
	}
	result, err := s.toggleLocal(ctx, current.Has(code), code, name)
	return current, result, err
}

func (s *Store) toggleRemote(ctx context.Context, visited bool, code countries.CountryCode, name countries.CountryName) (ToggleResult, error) {
	writeCtx := context.WithoutCancel(ctx)
	if visited {
		err := s.remote.Delete(writeCtx, code)
		if err != nil && !errors.Is(err, remotestore.ErrNotFound) {
			s.logError(opToggle, "remote_delete_failed", err, zap.String("country_code", code.String()))
			return 0, err
		}
		return ToggleRemoved, nil
	}

	_, err := s.remote.Insert(writeCtx, countries.RecordInput{CountryCode: code, CountryName: name})
	if err != nil && !errors.Is(err, remotestore.ErrConflict) {
		s.logError(opToggle, "remote_insert_failed", err, zap.String("country_code", code.String()))
		return 0, err
	}
	return ToggleAdded, nil
}

func (s *Store) toggleLocal(ctx context.Context, visited bool, code countries.CountryCode, name countries.CountryName) (ToggleResult, error) {
	if visited {
		if !s.local.Remove(ctx, code) {
			s.logError(opToggle, "local_remove_failed", ErrLocalUnavailable, zap.String("country_code", code.String()))
			return 0, fmt.Errorf("%w: remove %s", ErrLocalUnavailable, code)
		}
		return ToggleRemoved, nil
	}
	if !s.local.Add(ctx, code, name) {
		s.logError(opToggle, "local_add_failed", ErrLocalUnavailable, zap.String("country_code", code.String()))
		return 0, fmt.Errorf("%w: add %s", ErrLocalUnavailable, code)
	}
	return ToggleAdded, nil
}

func (s *Store) emit(set Set) {
	s.listenersMu.Lock()
	listeners := make([]func(Set), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(set.clone())
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("visited store error", attrs...)
}
