package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler meng-expose streamAuction: stream event infinite per auction.
// Tidak ada history replay; client fetch snapshot via GET /auctions/{id} dulu.
type StreamHandler struct {
	Bus *bus.Bus
	Log *zap.Logger

	WriteWait time.Duration
	PongWait  time.Duration
}

func (h *StreamHandler) Register(r *chi.Mux) {
	r.Get("/auctions/{id}/ws", h.stream)
}

func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")
	if auctionID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade sudah menulis response
		return
	}
	defer conn.Close()

	writeWait := h.WriteWait
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	pongWait := h.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}

	events, unsubscribe := h.Bus.Subscribe(auctionID)
	defer unsubscribe()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// read loop cuma utk deteksi disconnect; client tidak kirim apa-apa.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(pongWait * 9 / 10)
	defer pinger.Stop()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				// di-drop oleh bus (overflow atau shutdown)
				h.Log.Debug("stream closed by bus", zap.String("auction_id", auctionID))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
