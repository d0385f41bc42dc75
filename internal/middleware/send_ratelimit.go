package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amoura-app/amoura-backend/pkg/clientip"
	"golang.org/x/time/rate"
)

// Message send rate limit: per-IP. 60 sends/min with a burst of 20 keeps a
// fast typer happy while blocking flood abuse.

const (
	sendRPS        = 1.0 // 60/min
	sendBurst      = 20
	sendCleanupMin = 5 * time.Minute
	sendLimiterTTL = 30 * time.Minute
)

type sendLimiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

var (
	sendEntries   = make(map[string]*sendLimiterEntry)
	sendEntriesMu sync.Mutex
	sendCleanup   bool
)

func getSendLimiter(ip string) *rate.Limiter {
	sendEntriesMu.Lock()
	defer sendEntriesMu.Unlock()
	startSendCleanupOnce()

	e, ok := sendEntries[ip]
	if !ok {
		e = &sendLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(sendRPS), sendBurst),
			lastUse: time.Now(),
		}
		sendEntries[ip] = e
	}
	e.lastUse = time.Now()
	return e.limiter
}

func startSendCleanupOnce() {
	if sendCleanup {
		return
	}
	sendCleanup = true
	go func() {
		ticker := time.NewTicker(sendCleanupMin)
		defer ticker.Stop()
		for range ticker.C {
			sendEntriesMu.Lock()
			now := time.Now()
			for k, e := range sendEntries {
				if now.Sub(e.lastUse) > sendLimiterTTL {
					delete(sendEntries, k)
				}
			}
			sendEntriesMu.Unlock()
		}
	}()
}

// SendRateLimit applies rate limiting to message sends over HTTP
// (POST /api/chats/{id}/messages). Returns 429 with headers when exceeded.
func SendRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/api/chats/") ||
			!strings.HasSuffix(r.URL.Path, "/messages") {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientip.RealClientIP(r)
		limiter := getSendLimiter(ip)

		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(sendBurst))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"message":"Too many messages. Please slow down."}`))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(sendBurst))
		next.ServeHTTP(w, r)
	})
}
