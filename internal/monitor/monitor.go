// Package monitor streams device→host audio frames to websocket clients for
// live listening and debugging.
//
// Every message is one binary websocket frame: an 8-byte little-endian
// sequence number followed by the frame's samples as interleaved 16-bit
// little-endian PCM. Clients that fall behind lose messages; they never slow
// the pipeline down.
package monitor

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/uacbridge/internal/observe"
	"github.com/MrWong99/uacbridge/pkg/audio"
)

// HeaderSize is the length of the sequence number prefix.
const HeaderSize = 8

// writeTimeout bounds a single websocket write.
const writeTimeout = 2 * time.Second

// Hub fans frames out to connected websocket clients. It implements
// [http.Handler]; the zero value is not usable, call [NewHub].
type Hub struct {
	buffer  int
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}
}

type client struct {
	send chan []byte
}

// NewHub returns a hub queueing up to buffer messages per client. logger and
// metrics may be nil.
func NewHub(buffer int, logger *slog.Logger, metrics *observe.Metrics) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer:  buffer,
		log:     logger,
		metrics: metrics,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PublishFrame encodes f and queues it for every client. It never blocks.
// Publishing with no clients connected does not encode anything.
func (h *Hub) PublishFrame(f *audio.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	msg := Encode(f)
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			if h.metrics != nil {
				h.metrics.MonitorDropped.Add(context.Background(), 1)
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams frames until the
// client disconnects or the hub is closed. Messages from the client are
// ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("monitor: websocket accept failed", "err", err)
		return
	}
	c := &client{send: make(chan []byte, h.buffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	h.log.Info("monitor client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.log.Info("monitor client disconnected", "remote", r.RemoteAddr)
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, msg)
			cancel()
			if err != nil {
				h.log.Debug("monitor write failed", "remote", r.RemoteAddr, "err", err)
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.MonitorClients.Add(context.Background(), 1)
	}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	// Publishers hold mu, so nothing sends on c.send after this.
	close(c.send)
	if h.metrics != nil {
		h.metrics.MonitorClients.Add(context.Background(), -1)
	}
	h.mu.Unlock()
	audio.Drain(c.send)
}

// Encode serializes f as a monitor message.
func Encode(f *audio.Frame) []byte {
	msg := make([]byte, HeaderSize+2*len(f.Samples))
	binary.LittleEndian.PutUint64(msg, f.Seq)
	audio.Pack(msg[HeaderSize:], f.Samples, audio.Subslot16)
	return msg
}

// Decode parses a monitor message into its sequence number and 16-bit
// samples.
func Decode(msg []byte) (seq uint64, samples []int16, ok bool) {
	if len(msg) < HeaderSize || (len(msg)-HeaderSize)%2 != 0 {
		return 0, nil, false
	}
	seq = binary.LittleEndian.Uint64(msg)
	body := msg[HeaderSize:]
	samples = make([]int16, len(body)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(body[2*i:]))
	}
	return seq, samples, true
}
