package selection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/notify"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/visited"
	"go.uber.org/zap"
)

// DefaultHighlightDuration is how long an activated country stays selected.
const DefaultHighlightDuration = 300 * time.Millisecond

var errMissingStore = errors.New("selection: store is required")

// Store is the visited-country store the controller mutates.
type Store interface {
	Toggle(ctx context.Context, code countries.CountryCode, name countries.CountryName) (visited.ToggleResult, error)
	CurrentVisitedSet(ctx context.Context) (visited.Set, error)
}

// RenderHint tells the map surface how to style one country.
type RenderHint struct {
	Visited  bool
	Selected bool
}

// Config describes the dependencies of a Controller.
type Config struct {
	Store             Store
	Notifier          notify.Notifier
	HighlightDuration time.Duration
	Logger            *zap.Logger
}

// Controller turns country activations into store toggles and tracks the
// transient selection highlight.
type Controller struct {
	store     Store
	notifier  notify.Notifier
	highlight time.Duration
	logger    *zap.Logger

	mu         sync.Mutex
	selected   countries.CountryCode
	generation uint64
	visited    visited.Set
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	highlight := cfg.HighlightDuration
	if highlight <= 0 {
		highlight = DefaultHighlightDuration
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(cfg.Logger, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     cfg.Store,
		notifier:  notifier,
		highlight: highlight,
		logger:    logger,
		visited:   visited.Set{},
	}, nil
}

// Activate selects code, schedules the highlight to clear and issues exactly
// one toggle. The highlight clears on schedule whatever the toggle outcome.
// Visited hints follow the sets delivered to Sync, not the toggle result.
func (c *Controller) Activate(ctx context.Context, code countries.CountryCode, name countries.CountryName) (visited.ToggleResult, error) {
	c.selectCountry(code)

	result, err := c.store.Toggle(ctx, code, name)
	if err != nil {
		c.logger.Warn("country toggle failed",
			zap.String("country_code", code.String()),
			zap.Error(err))
		c.notifier.Failure(notify.MessageToggleFailed)
		return 0, err
	}

	message := notify.RemovedMessage(name.String())
	if result == visited.ToggleAdded {
		message = notify.MarkedMessage(name.String())
	}
	c.notifier.Success(message)
	return result, nil
}

// Sync replaces the visited snapshot used for render hints. Register it with
// the store's change listener.
func (c *Controller) Sync(set visited.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visited = set
}

// Load reads the visited set from the store.
func (c *Controller) Load(ctx context.Context) error {
	set, err := c.store.CurrentVisitedSet(ctx)
	if err != nil {
		return err
	}
	c.Sync(set)
	return nil
}

// Selected returns the highlighted country, if any.
func (c *Controller) Selected() (countries.CountryCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, c.selected != ""
}

// Hint returns the styling for code.
func (c *Controller) Hint(code countries.CountryCode) RenderHint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RenderHint{Visited: c.visited.Has(code), Selected: c.selected == code}
}

func (c *Controller) selectCountry(code countries.CountryCode) {
	c.mu.Lock()
	c.selected = code
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	time.AfterFunc(c.highlight, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation == generation {
			c.selected = ""
		}
	})
}
