package migration

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/identity"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify"
	"go.uber.org/zap"
)

// State is the coordinator's position in the migration lifecycle.
type State int

const (
	StateIdle State = iota
	StateMigrating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMigrating:
		return "migrating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrRetryNotAllowed reports a manual retry outside the failed state.
	ErrRetryNotAllowed = errors.New("migration: retry is only allowed after a failed migration")

	errMissingLocal  = errors.New("migration: local cache is required")
	errMissingRemote = errors.New("migration: remote store is required")
)

// LocalCache is the anonymous data being drained.
type LocalCache interface {
	List(ctx context.Context) []countries.Record
	Clear(ctx context.Context) bool
}

// RemoteStore accepts the batch. Countries already stored must be skipped and
// excluded from the returned count.
type RemoteStore interface {
	BulkUpsert(ctx context.Context, inputs []countries.RecordInput) (int, error)
}

// IdentitySource publishes identity mode changes.
type IdentitySource interface {
	Subscribe(fn func(identity.Transition)) func()
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Local    LocalCache
	Remote   RemoteStore
	Notifier notify.Notifier
	// OnDone runs after an upload lands in the account, once the local cache
	// has been drained. Readers of the account wire their refresh here.
	OnDone func(ctx context.Context)
	Logger *zap.Logger
}

// Coordinator drains the local cache into the account on the first sign-in of
// the process. The state is claimed under the lock before any I/O so duplicate
// triggers never start a second upload.
type Coordinator struct {
	local    LocalCache
	remote   RemoteStore
	notifier notify.Notifier
	onDone   func(ctx context.Context)
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	lastSynced int
	lastErr    error
}

// New constructs a Coordinator in StateIdle.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(cfg.Logger, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		local:    cfg.Local,
		remote:   cfg.Remote,
		notifier: notifier,
		onDone:   cfg.OnDone,
		logger:   logger,
	}, nil
}

// Attach triggers a migration on every anonymous to authenticated edge of the
// signal and returns a function detaching it.
func (c *Coordinator) Attach(signal IdentitySource) func() {
	return signal.Subscribe(func(transition identity.Transition) {
		if transition.SignedIn() {
			c.Trigger(context.Background())
		}
	})
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSynced returns the count reported by the last successful upload.
func (c *Coordinator) LastSynced() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSynced
}

// LastError returns the failure of the last attempt, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Trigger starts a migration unless one is running or has completed. It
// returns the state reached by this call or the ignored call's current state.
func (c *Coordinator) Trigger(ctx context.Context) State {
	c.mu.Lock()
	if c.state == StateMigrating || c.state == StateDone {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("migration trigger ignored", zap.String("state", state.String()))
		return state
	}
	c.state = StateMigrating
	c.mu.Unlock()

	return c.run(ctx)
}

// Retry re-attempts a failed migration.
func (c *Coordinator) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return state, ErrRetryNotAllowed
	}
	c.state = StateMigrating
	c.mu.Unlock()

	return c.run(ctx), nil
}

func (c *Coordinator) run(ctx context.Context) State {
	records := c.local.List(ctx)
	if len(records) == 0 {
		c.finish(StateDone, 0, nil)
		c.logger.Info("migration skipped, nothing stored locally")
		return StateDone
	}

	inputs := make([]countries.RecordInput, 0, len(records))
	for _, record := range records {
		input, err := countries.NewRecordInput(record.CountryCode, record.CountryName, record.Notes)
		if err != nil {
			c.logger.Warn("skipping unreadable local record",
				zap.String("country_code", record.CountryCode),
				zap.Error(err))
			continue
		}
		inputs = append(inputs, input)
	}
	if len(inputs) == 0 {
		c.finish(StateDone, 0, nil)
		if !c.local.Clear(ctx) {
			c.logger.Warn("local cache could not be cleared after discarding records")
		}
		c.logger.Warn("migration discarded unreadable local records",
			zap.String("operation", "migration.run"),
			zap.String("reason", "no_readable_records"),
			zap.Int("local_records", len(records)))
		return StateDone
	}

	synced, err := c.remote.BulkUpsert(context.WithoutCancel(ctx), inputs)
	if err != nil {
		c.finish(StateFailed, 0, err)
		c.logger.Error("migration failed",
			zap.String("operation", "migration.bulk_upsert"),
			zap.Int("local_records", len(records)),
			zap.Error(err))
		c.notifier.Failure(notify.MessageSyncFailed)
		return StateFailed
	}

	c.finish(StateDone, synced, nil)
	if !c.local.Clear(ctx) {
		c.logger.Warn("local cache could not be cleared after migration")
	}
	c.logger.Info("migration completed",
		zap.Int("local_records", len(records)),
		zap.Int("synced", synced))
	if c.onDone != nil {
		c.onDone(ctx)
	}
	if synced > 0 {
		c.notifier.Success(notify.SyncedMessage(synced))
	}
	return StateDone
}

func (c *Coordinator) finish(state State, synced int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.lastSynced = synced
	c.lastErr = err
}
