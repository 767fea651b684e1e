package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"proctord/internal/services"
)

// streamPrefixes are served without the logging and debug middlewares, which
// would hold long-lived websocket and MJPEG responses
var streamPrefixes = []string{"/ws/", "/preview/"}

// handleHTTPServer configures and starts the HTTP server on addr. It shuts
// down the server when ctx is canceled.
func handleHTTPServer(ctx context.Context, addr string, api *services.Server, wsHandler, previewHandler http.Handler, protect func(http.Handler) http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Build the HTTP request multiplexer and mount every endpoint on it.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	api.Logger = logger
	api.Mount(mux)
	mux.Handle("GET", "/ws/page/{attempt_id}", protect(wsHandler).ServeHTTP)
	mux.Handle("GET", "/preview/{attempt_id}", protect(previewHandler).ServeHTTP)
	mux.Handle("GET", "/preview/{attempt_id}/snapshot", protect(previewHandler).ServeHTTP)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the API endpoints.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	handler = bypass(mux, handler, streamPrefixes)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range api.Mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}
	logger.Printf("HTTP %q mounted on GET /ws/page/{attempt_id}", "PageSocket")
	logger.Printf("HTTP %q mounted on GET /preview/{attempt_id}", "Preview")

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}

// bypass sends requests under prefixes straight to raw
func bypass(raw, wrapped http.Handler, prefixes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				raw.ServeHTTP(w, r)
				return
			}
		}
		wrapped.ServeHTTP(w, r)
	})
}
