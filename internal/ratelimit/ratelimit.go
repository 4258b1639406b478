package ratelimit

import (
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleWindows is how many windows a client may stay quiet before its bucket
// is dropped. A dropped bucket comes back full, which is what a quiet client
// would have earned anyway.
const idleWindows = 5

// Limiter keeps one token bucket per client key. Each bucket holds perWindow
// tokens and refills evenly across window.
type Limiter struct {
	mu        sync.Mutex
	buckets   *gocache.Cache
	perWindow int
	window    time.Duration
	now       func() time.Time
}

// New returns a Limiter allowing perWindow requests per window and key. A
// non-positive perWindow disables limiting.
func New(perWindow int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:   gocache.New(idleWindows*window, window),
		perWindow: perWindow,
		window:    window,
		now:       time.Now,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.perWindow > 0
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.buckets.Get(key); ok {
		l.buckets.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	b := rate.NewLimiter(rate.Every(l.interval()), l.perWindow)
	l.buckets.SetDefault(key, b)
	return b
}

// Allow consumes a token for key, reporting false when none is left.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.bucket(key).AllowN(l.now(), 1)
}

// Status reports the bucket size, whole tokens left for key and when the
// bucket will be full again.
func (l *Limiter) Status(key string) (limit, remaining int, resetAt time.Time) {
	if !l.Enabled() {
		return 0, 0, time.Now()
	}
	now := l.now()
	tokens := l.bucket(key).TokensAt(now)

	limit = l.perWindow
	remaining = int(math.Max(0, math.Floor(tokens)))

	deficit := float64(l.perWindow) - tokens
	if deficit <= 0 {
		return limit, remaining, now
	}
	return limit, remaining, now.Add(time.Duration(deficit * float64(l.interval())))
}

// interval is the time it takes to earn one token back.
func (l *Limiter) interval() time.Duration {
	return l.window / time.Duration(l.perWindow)
}

// Len is the number of clients currently tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	return l.buckets.ItemCount()
}
