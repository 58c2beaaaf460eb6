package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/recomma/booksync/market"
)

// streamBook sends the current result and then one "book" event per update
// until the client goes away.
func (h *Handler) streamBook(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	view, err := h.books.Open(key)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	defer view.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	id := uint64(1)
	if err := writeBookFrame(w, id, view.Result()); err != nil {
		h.logger.Warn("write book frame", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case res, ok := <-view.Updates():
			if !ok {
				return
			}
			id++
			if err := writeBookFrame(w, id, res); err != nil {
				h.logger.Warn("write book frame", slog.String("key", key.String()), slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func writeBookFrame(w io.Writer, id uint64, res market.Result) error {
	data, err := json.Marshal(toResponse(res))
	if err != nil {
		return fmt.Errorf("marshal book frame: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatUint(id, 10))
	buf.WriteString("\nevent: book\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write book frame: %w", err)
	}
	return nil
}
