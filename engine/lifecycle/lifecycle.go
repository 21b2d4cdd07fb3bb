// Package lifecycle drives a worker generation through install and
// activation. Activation purges every bucket that does not belong to the
// generation's version set, then claims so the new generation serves all
// subsequent requests without a restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/policy"
)

// State of a generation
type State int

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a step is called out of order
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Store lists and deletes buckets; *cache.Storage implements it
type Store interface {
	Names() ([]string, error)
	Delete(name string) (bool, error)
}

// Result describes one activation
type Result struct {
	Kept     []string
	Deleted  []string
	Duration time.Duration
}

// Controller is the lifecycle of one generation. Safe for concurrent use.
type Controller struct {
	versions policy.Versions
	store    Store

	// Claim makes this generation the one serving requests.
	Claim func()
	// OnActivated runs after a successful claim, e.g. to schedule blob GC.
	OnActivated func(Result)

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// New creates a controller in the parsed state
func New(versions policy.Versions, store Store) *Controller {
	return &Controller{versions: versions, store: store}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Versions returns the generation's version set
func (c *Controller) Versions() policy.Versions {
	return c.versions
}

// SkipWaiting reports whether Install requested eager activation
func (c *Controller) SkipWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

// Install performs no network work: nothing is pre-cached. It marks the
// generation installed and requests eager activation.
func (c *Controller) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transition(Parsed, Installing); err != nil {
		return err
	}

	c.mu.Lock()
	c.skipWaiting = true
	c.state = Installed
	c.mu.Unlock()

	log.WithField("version", c.versions.Version).Info("generation installed")
	return nil
}

// Activate deletes every bucket outside the current version set, then claims.
// Deletion is best effort: every stale bucket is attempted and failures are
// joined into the returned error. The generation is claimed either way.
func (c *Controller) Activate(ctx context.Context) (Result, error) {
	start := time.Now()
	if err := c.transition(Installed, Activating); err != nil {
		return Result{}, err
	}

	var res Result
	var errs []error

	// a listing failure purges nothing but the generation still takes over
	names, err := c.store.Names()
	if err != nil {
		log.WithError(err).Warn("activation could not list buckets")
		errs = append(errs, fmt.Errorf("list buckets: %w", err))
	}
	for _, name := range names {
		if c.versions.IsCurrent(name) {
			res.Kept = append(res.Kept, name)
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			errs = append(errs, cerr)
			break
		}
		if _, derr := c.store.Delete(name); derr != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, derr))
			continue
		}
		res.Deleted = append(res.Deleted, name)
		log.WithField("bucket", name).Info("deleted stale cache bucket")
	}

	if c.Claim != nil {
		c.Claim()
	}

	c.mu.Lock()
	c.state = Activated
	c.mu.Unlock()

	res.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"version": c.versions.Version,
		"deleted": len(res.Deleted),
		"kept":    len(res.Kept),
	}).Info("generation activated")

	if c.OnActivated != nil {
		c.OnActivated(res)
	}
	return res, errors.Join(errs...)
}

// Redundant marks a replaced generation. It stops receiving requests.
func (c *Controller) Redundant() {
	c.mu.Lock()
	prev := c.state
	c.state = Redundant
	c.mu.Unlock()
	if prev != Redundant {
		log.WithField("version", c.versions.Version).Debug("generation redundant")
	}
}
