package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsPeer adapts a gorilla websocket connection to chat.Peer. The session
// goroutine reads through Receive; Attach starts the single writer
// goroutine that drains the connection's outbound queue.
type wsPeer struct {
	conn           *websocket.Conn
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger

	mu         sync.Mutex
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newPeer(conn *websocket.Conn, addr string, cfg Config) *wsPeer {
	p := &wsPeer{
		conn:           conn,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newMessageLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            logging.With().Str("remote_addr", addr).Logger(),
	}
	conn.SetReadLimit(cfg.MaxMessageSize)
	p.setupReadConnection()
	return p
}

// RemoteAddr implements chat.Peer.
func (p *wsPeer) RemoteAddr() string {
	return p.addr
}

// Attach implements chat.Peer.
func (p *wsPeer) Attach(conn *chat.Conn) {
	p.mu.Lock()
	if p.writerDone != nil {
		p.mu.Unlock()
		return
	}
	p.writerDone = make(chan struct{})
	done := p.writerDone
	p.mu.Unlock()

	p.log = p.log.With().Str("conn_id", conn.ID().String()).Logger()
	go p.writePump(conn.Outbound(), done)
}

// Receive implements chat.Peer. Frames over the rate limit are dropped here.
func (p *wsPeer) Receive() (chat.Frame, error) {
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.handleReadError(err)
			return chat.Frame{}, err
		}

		if !p.checkRateLimit() {
			continue
		}

		return chat.Frame{Text: string(data), Binary: msgType == websocket.BinaryMessage}, nil
	}
}

// Reject implements chat.Peer: it sends a close frame carrying code and
// closes the socket.
func (p *wsPeer) Reject(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	p.closeConnection()
	if err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

// finish waits for the writer to flush and exit, then closes the socket.
func (p *wsPeer) finish() {
	p.mu.Lock()
	done := p.writerDone
	p.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(writeWait):
			p.log.Warn().Msg("writer did not finish before timeout")
		}
	}
	p.closeConnection()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (p *wsPeer) setupReadConnection() {
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		p.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	p.conn.SetPongHandler(func(string) error {
		if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			p.log.Debug().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs a terminal read error at a level matching its cause.
func (p *wsPeer) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		p.log.Warn().Int64("max_message_size", p.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		p.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		p.log.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		p.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		p.log.Warn().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (p *wsPeer) checkRateLimit() bool {
	if p.limiter != nil && !p.limiter.Allow() {
		metrics.InboundDropped.WithLabelValues("rate_limited").Inc()
		p.log.Warn().
			Int("burst", p.rateLimit.Burst).
			Dur("refill_interval", p.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

func (p *wsPeer) writePump(outbound <-chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.closeConnection()
		close(done)
	}()

	for p.processWriteEvent(outbound, ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (p *wsPeer) processWriteEvent(outbound <-chan []byte, ticker *time.Ticker) bool {
	select {
	case message, ok := <-outbound:
		return p.handleMessage(message, ok)
	case <-ticker.C:
		return p.handlePing()
	}
}

// closeConnection closes the socket once; later calls are no-ops.
func (p *wsPeer) closeConnection() {
	p.closeOnce.Do(func() {
		if err := p.conn.Close(); err != nil && !isExpectedCloseError(err) {
			p.log.Debug().Err(err).Msg("error closing connection")
		}
	})
}

// handleMessage writes one outbound payload, or the close frame once the
// queue has been closed. It returns false when the pump should stop.
func (p *wsPeer) handleMessage(message []byte, ok bool) bool {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		p.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return p.writeCloseMessage()
	}

	return p.writeTextMessage(message)
}

// writeCloseMessage sends a normal-closure frame to the client
func (p *wsPeer) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := p.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		p.log.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes message as its own text frame.
func (p *wsPeer) writeTextMessage(message []byte) bool {
	if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			p.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (p *wsPeer) handlePing() bool {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		p.log.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		p.log.Debug().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
