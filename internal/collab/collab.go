// Package collab pushes recognized text into shared documents. The document
// engine itself is external; this package only publishes ordered updates on a
// per-document channel that the engine subscribes to.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	BackendNone     = "none"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	defaultPrefix    = "scribe_doc"
	feedBuffer       = 64
	publishTimeout   = 5 * time.Second
	feedDrainTimeout = 3 * time.Second
)

var (
	// ErrAlreadyOpen is returned when a second engine is opened in the same
	// process.
	ErrAlreadyOpen = errors.New("collab engine already open")
	ErrInvalidDoc  = errors.New("invalid document id")

	opened atomic.Bool

	docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)
)

// ValidDocID reports whether id can be used as a document channel suffix.
func ValidDocID(id string) bool {
	return docIDPattern.MatchString(id)
}

type Config struct {
	Backend     string
	RedisURL    string
	DatabaseURL string
	Prefix      string
}

// Update is one transcription pushed into a document.
type Update struct {
	Doc       string    `json:"doc"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// publisher delivers a payload on a named channel.
type publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Engine is the process-wide collaboration handle. Open it once in main and
// pass it to whoever needs it. A nil *Engine disables document push.
type Engine struct {
	backend string
	prefix  string
	pub     publisher
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open connects the configured backend. Only one engine may be open per
// process at a time.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if !opened.CompareAndSwap(false, true) {
		return nil, ErrAlreadyOpen
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	var (
		pub publisher
		err error
	)
	switch backend {
	case "", BackendNone:
		backend = BackendNone
	case BackendRedis:
		pub, err = newRedisPublisher(ctx, cfg.RedisURL)
	case BackendPostgres:
		pub, err = newPostgresPublisher(ctx, cfg.DatabaseURL)
	default:
		err = fmt.Errorf("unknown collab backend %q", cfg.Backend)
	}
	if err != nil {
		opened.Store(false)
		return nil, err
	}

	logger.Info("collab engine open", "backend", backend, "prefix", prefix)
	return &Engine{backend: backend, prefix: prefix, pub: pub, logger: logger}, nil
}

func (e *Engine) Backend() string {
	if e == nil {
		return BackendNone
	}
	return e.backend
}

// Enabled reports whether updates go anywhere.
func (e *Engine) Enabled() bool {
	return e != nil && e.pub != nil
}

// Channel returns the channel name for a document.
func (e *Engine) Channel(doc string) string {
	return e.prefix + ":" + doc
}

// Publish sends one update synchronously.
func (e *Engine) Publish(ctx context.Context, u Update) error {
	if !e.Enabled() {
		return nil
	}
	if !ValidDocID(u.Doc) {
		return fmt.Errorf("%w: %q", ErrInvalidDoc, u.Doc)
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal collab update: %w", err)
	}
	if err := e.pub.Publish(ctx, e.Channel(u.Doc), payload); err != nil {
		return fmt.Errorf("publish to %s: %w", e.Channel(u.Doc), err)
	}
	return nil
}

// Close releases the backend and allows a new engine to be opened.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		if e.pub != nil {
			e.closeErr = e.pub.Close()
		}
		opened.Store(false)
	})
	return e.closeErr
}

// Feed returns an ordered publisher for one session writing into doc. It
// returns nil when the engine is disabled or doc is empty; a nil *Feed
// accepts and discards pushes.
func (e *Engine) Feed(doc, sessionID string) *Feed {
	if !e.Enabled() || doc == "" {
		return nil
	}
	f := &Feed{
		engine:    e,
		doc:       doc,
		sessionID: sessionID,
		updates:   make(chan Update, feedBuffer),
		done:      make(chan struct{}),
	}
	go f.run()
	return f
}

// Feed serializes one session's updates so they reach the document in the
// order they were recognized.
type Feed struct {
	engine    *Engine
	doc       string
	sessionID string
	updates   chan Update
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// Push queues text without blocking. It reports false when the feed is
// saturated and the update was dropped.
func (f *Feed) Push(itemID, text string) bool {
	if f == nil {
		return true
	}
	u := Update{Doc: f.doc, SessionID: f.sessionID, ItemID: itemID, Text: text, At: time.Now().UTC()}
	select {
	case f.updates <- u:
		return true
	default:
		f.dropped.Add(1)
		f.engine.logger.Warn("collab feed saturated; update dropped", "doc", f.doc, "session_id", f.sessionID, "item_id", itemID)
		return false
	}
}

// Dropped returns the number of updates lost to saturation.
func (f *Feed) Dropped() int64 {
	if f == nil {
		return 0
	}
	return f.dropped.Load()
}

// Close stops accepting updates and waits, bounded, for queued ones to be
// published. Push must not be called after Close.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.closeOnce.Do(func() {
		close(f.updates)
		select {
		case <-f.done:
		case <-time.After(feedDrainTimeout):
			f.engine.logger.Warn("collab feed drain timed out", "doc", f.doc, "session_id", f.sessionID)
		}
	})
}

func (f *Feed) run() {
	defer close(f.done)
	for u := range f.updates {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := f.engine.Publish(ctx, u)
		cancel()
		if err != nil {
			f.engine.logger.Error("collab publish failed", "doc", f.doc, "session_id", f.sessionID, "item_id", u.ItemID, "error", err)
		}
	}
}
