package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/events"
	"gpsbridge/internal/transport"
)

// maxWriteBytes bounds a POST /api/write body.
const maxWriteBytes = 4096

const wsPingInterval = 20 * time.Second

// StatsSource is satisfied by *transport.Supervisor.
type StatsSource interface {
	Stats() decode.Stats
}

// DeviceWriter is satisfied by *transport.Supervisor.
type DeviceWriter interface {
	Write(b []byte) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the JSON API. Any of stats, writer, logs or hub may be nil;
// the matching endpoint then answers 404.
func Handler(status *Status, stats StatsSource, writer DeviceWriter, logs *LogBuffer, hub *events.Hub, log *zap.Logger) http.Handler {
	if status == nil {
		status = NewStatus()
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if stats == nil {
			http.Error(w, "stats unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stats.Stats())
	})

	mux.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		if logs == nil {
			http.Error(w, "logs unavailable", http.StatusNotFound)
			return
		}
		logs.Handler().ServeHTTP(w, r)
	})

	mux.HandleFunc("/api/write", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if writer == nil {
			http.Error(w, "device writes unavailable", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("body must be at most %d bytes", maxWriteBytes), http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) == 0 {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}
		// format=nmea takes a bare payload and adds '$', checksum and CRLF.
		if strings.EqualFold(r.URL.Query().Get("format"), "nmea") {
			body = []byte(decode.FormatSentence(string(body)))
		}
		if err := writer.Write(body); err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
				http.Error(w, "device not connected", http.StatusConflict)
				return
			}
			log.Warn("web: device write failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": len(body)})
	})

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if hub == nil {
			http.Error(w, "events unavailable", http.StatusNotFound)
			return
		}
		serveEvents(w, r, hub, log)
	})

	return withLogging(log, mux)
}

func serveEvents(w http.ResponseWriter, r *http.Request, hub *events.Hub, log *zap.Logger) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("web: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	// Reads only drive control frames; a read error means the client left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("web: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("web: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade see through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("web: response does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Serve runs the API on listenAddr until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("web: listening", zap.String("addr", listenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
