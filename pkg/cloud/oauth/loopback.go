package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type callbackResult struct {
	code string
	err  error
}

// loopback is the one-shot HTTP listener receiving the authorization redirect.
// It may serve the same port on more than one loopback address.
type loopback struct {
	server    *http.Server
	listeners []net.Listener
	path      string
	state    string
	grace    time.Duration
	logger   *logrus.Logger

	handled  sync.Once
	stopOnce sync.Once
	results  chan callbackResult
	done     chan struct{}
}

func newLoopback(listeners []net.Listener, path, state string, grace time.Duration, logger *logrus.Logger) *loopback {
	l := &loopback{
		listeners: listeners,
		path:      path,
		state:     state,
		grace:     grace,
		logger:    logger,
		results:   make(chan callbackResult, 1),
		done:      make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return l
}

// serve runs until stop is called or lifetime elapses
func (l *loopback) serve(lifetime time.Duration) {
	timer := time.AfterFunc(lifetime, func() {
		l.logger.Warn("Authorization listener lifetime elapsed, shutting down")
		l.stop()
	})
	defer timer.Stop()

	var wg sync.WaitGroup
	for _, ln := range l.listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.logger.Errorf("Authorization listener on %s failed: %v", ln.Addr(), err)
			}
		}(ln)
	}
	wg.Wait()
	l.stop()
}

func (l *loopback) stop() {
	l.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.server.Shutdown(ctx); err != nil {
			l.server.Close()
		}
		close(l.done)
	})
}

func (l *loopback) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	first := false
	l.handled.Do(func() { first = true })
	if !first {
		writePage(w, http.StatusConflict, "This authorization request was already handled.")
		return
	}

	q := r.URL.Query()
	var res callbackResult
	switch {
	case q.Get("state") != l.state:
		res.err = ErrStateMismatch
	case q.Get("error") != "":
		res.err = fmt.Errorf("%w: %s", ErrAuthDenied, q.Get("error"))
	case q.Get("code") == "":
		res.err = fmt.Errorf("%w: no authorization code in redirect", ErrAuthDenied)
	default:
		res.code = q.Get("code")
	}

	if res.err != nil {
		l.logger.Warnf("Authorization redirect rejected: %v", res.err)
		writePage(w, http.StatusBadRequest, "Authorization failed: "+res.err.Error()+". You can close this window.")
	} else {
		writePage(w, http.StatusOK, "Authorization received. You can close this window.")
	}

	l.results <- res
	time.AfterFunc(l.grace, l.stop)
}

func writePage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>SettingsGuard</title></head><body><p>%s</p></body></html>",
		html.EscapeString(message))
}
