// Package nonce issues strictly increasing authentication nonces per account.
//
// Each account key owns an independent stream persisted to its own file as a
// text-encoded int64. Values are nanosecond-scale so a fresh stream starts at
// the wall clock and never goes backwards across restarts.
package nonce

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/infrastructure/filestore"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
)

type stream struct {
	mu     sync.Mutex
	last   int64
	path   string
	loaded bool
}

// Authority is constructed once at startup and injected into every adapter.
type Authority struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

func NewAuthority(dir string, logger *zap.Logger) *Authority {
	return &Authority{
		dir:     dir,
		logger:  logger,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

func (a *Authority) stream(key string) *stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[key]
	if !ok {
		s = &stream{path: filepath.Join(a.dir, filestore.SafeName(key)+".nonce")}
		a.streams[key] = s
	}
	return s
}

// load reads the persisted value once; caller holds s.mu.
func (s *stream) load() error {
	if s.loaded {
		return nil
	}
	b, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("failed to read nonce file %s: %w", s.path, err)
	default:
		txt := strings.TrimSpace(string(b))
		if txt != "" {
			v, err := strconv.ParseInt(txt, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt nonce file %s: %w", s.path, err)
			}
			s.last = v
		}
	}
	s.loaded = true
	return nil
}

// store persists v before it becomes visible; caller holds s.mu.
func (s *stream) store(v int64) error {
	if err := filestore.WriteAtomic(s.path, []byte(strconv.FormatInt(v, 10))); err != nil {
		return err
	}
	s.last = v
	return nil
}

// Next returns max(now_ns, last+1) for accountKey and persists it before returning.
func (a *Authority) Next(accountKey string) (int64, error) {
	s := a.stream(accountKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return 0, err
	}
	candidate := a.now().UnixNano()
	if candidate <= s.last {
		candidate = s.last + 1
	}
	if err := s.store(candidate); err != nil {
		return 0, fmt.Errorf("nonce %s: %w", accountKey, err)
	}
	return candidate, nil
}

// JumpForward advances the stream at least ms milliseconds past both the last
// issued value and the wall clock, clearing a window the exchange rejects.
func (a *Authority) JumpForward(accountKey string, ms int64) error {
	s := a.stream(accountKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	base := s.last
	if now := a.now().UnixNano(); now > base {
		base = now
	}
	target := base + ms*int64(time.Millisecond)
	if err := s.store(target); err != nil {
		return fmt.Errorf("nonce jump %s: %w", accountKey, err)
	}
	metrics.IncNonceJump(accountKey)
	a.logger.Warn("Nonce jumped forward",
		zap.String("account", accountKey),
		zap.Int64("jump_ms", ms),
		zap.Int64("last_issued", target),
	)
	return nil
}

// Last returns the most recently issued or persisted value for accountKey.
func (a *Authority) Last(accountKey string) (int64, error) {
	s := a.stream(accountKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}
	return s.last, nil
}
