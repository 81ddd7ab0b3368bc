package diagserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// Locker is a maintenance-mode switch that can reject every request except
// a named allow-list, modelled on server/middleware/locker.Locker: a
// sync.Mutex-guarded bool plus a list of paths the lock does not apply to,
// reimplemented here against chi instead of goji since this module's HTTP
// surface is chi-routed throughout.
type Locker struct {
	mu           sync.Mutex
	locked       bool
	doNotProtect []string
}

// NewLocker returns a Locker that always exempts /lock and /liveness, so a
// locked diagnostic server can still report its own lock state and
// liveness.
func NewLocker() *Locker {
	return &Locker{doNotProtect: []string{"/lock", "/liveness"}}
}

// Lock engages the lock.
func (l *Locker) Lock() {
	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()
}

// Unlock disengages the lock.
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.locked = false
	l.mu.Unlock()
}

// Locked reports whether the lock is engaged.
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Check is the chi-compatible middleware that returns 423 Locked for any
// protected path while the lock is engaged.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			exempt := false
			for _, p := range l.doNotProtect {
				if strings.Contains(r.URL.Path, p) {
					exempt = true
					break
				}
			}
			if !exempt {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type boolBody struct {
	Locked bool `json:"locked"`
}

func (l *Locker) httpGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, boolBody{Locked: l.Locked()})
}

func (l *Locker) httpSet(w http.ResponseWriter, r *http.Request) {
	var b boolBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Locked {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}
