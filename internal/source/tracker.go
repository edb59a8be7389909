package source

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// TrackerConfig contains polling and retry settings for the tracker.
type TrackerConfig struct {
	PollInterval time.Duration
	MinBackoff   time.Duration // Minimum backoff after a failed fetch
	MaxBackoff   time.Duration // Maximum backoff after repeated failures
	Multiplier   float64       // Backoff multiplier
}

// DefaultTrackerConfig returns sensible defaults for tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval: 30 * time.Second,
		MinBackoff:   1 * time.Second,
		MaxBackoff:   2 * time.Minute,
		Multiplier:   2.0,
	}
}

// Tracker polls a driver and publishes updates whenever the revision
// digest changes. Superseded revisions are dropped: the updates channel
// holds at most the newest unconsumed revision.
type Tracker struct {
	driver     Driver
	config     TrackerConfig
	updates    chan Update
	poke       chan struct{}
	lastDigest string
}

// NewTracker creates a tracker around the given driver.
func NewTracker(driver Driver, config TrackerConfig) *Tracker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultTrackerConfig().PollInterval
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultTrackerConfig().MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = DefaultTrackerConfig().MaxBackoff
	}
	if config.Multiplier <= 1 {
		config.Multiplier = DefaultTrackerConfig().Multiplier
	}
	return &Tracker{
		driver:  driver,
		config:  config,
		updates: make(chan Update, 1),
		poke:    make(chan struct{}, 1),
	}
}

// Updates returns the channel of new revisions.
func (t *Tracker) Updates() <-chan Update {
	return t.updates
}

// Poke cuts the current poll wait short. Safe from any goroutine; a
// pending poke is not stacked.
func (t *Tracker) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
		// Already requested
	}
}

// Run polls until the context is cancelled. Fetch failures back off
// exponentially and never terminate the loop.
func (t *Tracker) Run(ctx context.Context) error {
	currentBackoff := t.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rev, tree, err := t.driver.Latest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Msg("Source fetch failed, retrying")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			// Calculate next backoff with multiplier, capped at max
			nextBackoff := time.Duration(float64(currentBackoff) * t.config.Multiplier)
			if nextBackoff > t.config.MaxBackoff {
				nextBackoff = t.config.MaxBackoff
			}
			currentBackoff = nextBackoff
			continue
		}
		currentBackoff = t.config.MinBackoff

		if rev.Digest != t.lastDigest {
			t.lastDigest = rev.Digest
			t.publish(Update{Revision: rev, Tree: tree})
			log.Info().
				Str("revision", rev.Digest).
				Int("files", len(tree)).
				Msg("New source revision")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.poke:
		case <-time.After(t.config.PollInterval):
		}
	}
}

// publish replaces any unconsumed update so the consumer always sees the
// newest revision.
func (t *Tracker) publish(u Update) {
	for {
		select {
		case t.updates <- u:
			return
		default:
			select {
			case <-t.updates:
			default:
			}
		}
	}
}
