// Package ratelimit implements the inbound message gate: sliding-window
// quotas per traffic source and per user, plus cheap content heuristics that
// reject obviously abusive payloads before the pipeline spends any work.
package ratelimit

import (
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// Default limiter configuration.
const (
	// DefaultWindow is the sliding window length for both quota checks.
	DefaultWindow = time.Minute
	// DefaultSourceQuota is the shared per-source request quota per window.
	DefaultSourceQuota = 120
	// DefaultUserQuota is the per-user request quota per window.
	DefaultUserQuota = 20
	// DefaultMaxMessageLength is the ceiling on inbound message length in runes.
	DefaultMaxMessageLength = 4096
	// DefaultMaxRepeatRun is the longest accepted run of a single repeated character.
	DefaultMaxRepeatRun = 12
	// DefaultMaxSymbolRatio is the accepted ratio of punctuation/symbol
	// characters to total length.
	DefaultMaxSymbolRatio = 0.5
	// symbolRatioMinLength is the minimum length before the symbol-ratio
	// heuristic applies; short replies like "?!" are fine.
	symbolRatioMinLength = 8
	// shardCount sizes the concurrent counter store.
	shardCount = 16
)

// ReasonCode identifies why a message was rejected.
type ReasonCode string

const (
	// ReasonSourceQuota means the shared per-source window quota was exhausted.
	ReasonSourceQuota ReasonCode = "source_quota"
	// ReasonUserQuota means the per-user window quota was exhausted.
	ReasonUserQuota ReasonCode = "user_quota"
	// ReasonTooLong means the message exceeded the length ceiling.
	ReasonTooLong ReasonCode = "too_long"
	// ReasonRepeatedChars means the message contained a long run of one character.
	ReasonRepeatedChars ReasonCode = "repeated_chars"
	// ReasonSymbolRatio means the message was mostly punctuation/symbols.
	ReasonSymbolRatio ReasonCode = "symbol_ratio"
)

// Verdict is the outcome of one limiter check.
type Verdict struct {
	Allowed bool
	Reason  ReasonCode
}

func allow() Verdict                   { return Verdict{Allowed: true} }
func reject(reason ReasonCode) Verdict { return Verdict{Reason: reason} }

// Opts holds configuration options for the limiter.
type Opts struct {
	Window         time.Duration
	SourceQuota    int
	UserQuota      int
	TrustedSources []string
	MaxLength      int
	MaxRepeatRun   int
	MaxSymbolRatio float64
	Clock          func() time.Time
}

// Option defines a configuration option for the limiter.
type Option func(*Opts)

// WithWindow sets the sliding window length.
func WithWindow(window time.Duration) Option {
	return func(o *Opts) { o.Window = window }
}

// WithSourceQuota sets the shared per-source quota per window.
func WithSourceQuota(quota int) Option {
	return func(o *Opts) { o.SourceQuota = quota }
}

// WithUserQuota sets the per-user quota per window.
func WithUserQuota(quota int) Option {
	return func(o *Opts) { o.UserQuota = quota }
}

// WithTrustedSources sets the allowlist that bypasses the source quota.
func WithTrustedSources(sources []string) Option {
	return func(o *Opts) { o.TrustedSources = sources }
}

// WithMaxLength sets the message length ceiling in runes.
func WithMaxLength(n int) Option {
	return func(o *Opts) { o.MaxLength = n }
}

// WithClock overrides the limiter's time source (used in tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// shard is one stripe of the concurrent counter store.
type shard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// Limiter gates inbound messages. Counters are shared mutable state across
// all concurrent requests and live for the process lifetime; the store is
// sharded by key hash with per-shard locking.
type Limiter struct {
	window         time.Duration
	sourceQuota    int
	userQuota      int
	trusted        map[string]struct{}
	maxLength      int
	maxRepeatRun   int
	maxSymbolRatio float64
	clock          func() time.Time
	shards         [shardCount]*shard
}

// NewLimiter creates a limiter, applying any provided options.
func NewLimiter(opts ...Option) *Limiter {
	cfg := Opts{
		Window:         DefaultWindow,
		SourceQuota:    DefaultSourceQuota,
		UserQuota:      DefaultUserQuota,
		MaxLength:      DefaultMaxMessageLength,
		MaxRepeatRun:   DefaultMaxRepeatRun,
		MaxSymbolRatio: DefaultMaxSymbolRatio,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Limiter{
		window:         cfg.Window,
		sourceQuota:    cfg.SourceQuota,
		userQuota:      cfg.UserQuota,
		trusted:        make(map[string]struct{}, len(cfg.TrustedSources)),
		maxLength:      cfg.MaxLength,
		maxRepeatRun:   cfg.MaxRepeatRun,
		maxSymbolRatio: cfg.MaxSymbolRatio,
		clock:          cfg.Clock,
	}
	for _, s := range cfg.TrustedSources {
		s = strings.TrimSpace(s)
		if s != "" {
			l.trusted[s] = struct{}{}
		}
	}
	for i := range l.shards {
		l.shards[i] = &shard{hits: make(map[string][]time.Time)}
	}
	slog.Debug("Limiter created",
		"window", cfg.Window, "source_quota", cfg.SourceQuota, "user_quota", cfg.UserQuota,
		"trusted_sources", len(l.trusted))
	return l
}

// Check runs every gate against one inbound message. All checks must pass.
// If the limiter itself fails internally it fails open: blocking all traffic
// is worse than letting a burst through.
func (l *Limiter) Check(source, userID, text string) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Limiter internal failure, failing open", "panic", r)
			verdict = allow()
		}
	}()

	if v := l.checkContent(text); !v.Allowed {
		slog.Debug("Limiter content heuristic rejected message", "reason", string(v.Reason), "user", userID)
		return v
	}

	now := l.clock()

	if source != "" {
		if _, ok := l.trusted[source]; !ok {
			if !l.recordHit("src:"+source, now, l.sourceQuota) {
				slog.Warn("Limiter source quota exceeded", "source", source)
				return reject(ReasonSourceQuota)
			}
		}
	}

	if userID != "" {
		if !l.recordHit("usr:"+userID, now, l.userQuota) {
			slog.Warn("Limiter user quota exceeded", "user", userID)
			return reject(ReasonUserQuota)
		}
	}

	return allow()
}

// recordHit prunes timestamps older than the window, then admits the hit if
// the key is under quota. Returns false when the quota is already consumed.
func (l *Limiter) recordHit(key string, now time.Time, quota int) bool {
	if quota <= 0 {
		return true
	}
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-l.window)
	hits := sh.hits[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= quota {
		sh.hits[key] = kept
		return false
	}
	sh.hits[key] = append(kept, now)
	return true
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// checkContent applies the independent content heuristics in order; the first
// failure short-circuits with its reason code.
func (l *Limiter) checkContent(text string) Verdict {
	length := utf8.RuneCountInString(text)
	if l.maxLength > 0 && length > l.maxLength {
		return reject(ReasonTooLong)
	}

	if l.maxRepeatRun > 0 && longestRun(text) > l.maxRepeatRun {
		return reject(ReasonRepeatedChars)
	}

	if l.maxSymbolRatio > 0 && length >= symbolRatioMinLength {
		if symbolRatio(text, length) > l.maxSymbolRatio {
			return reject(ReasonSymbolRatio)
		}
	}

	return allow()
}

// longestRun returns the length of the longest run of a single repeated rune.
func longestRun(text string) int {
	var prev rune
	run, longest := 0, 0
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// symbolRatio returns the fraction of punctuation/symbol runes in the text.
func symbolRatio(text string, length int) float64 {
	if length == 0 {
		return 0
	}
	symbols := 0
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			symbols++
		}
	}
	return float64(symbols) / float64(length)
}
