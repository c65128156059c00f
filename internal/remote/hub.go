// Package remote exposes watches to websocket peers and delivers change
// notifications back to them.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"filewatch/internal/logging"
	"filewatch/internal/watcher"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	deliverTimeout    = time.Second
	maxMessageBytes   = 64 * 1024

	defaultRateLimit = rate.Limit(20)
	defaultBurst     = 40
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrPeerClosed  = errors.New("peer connection closed")
)

// Watches is the part of the watcher the hub drives on behalf of peers.
type Watches interface {
	AddWatch(path string, subscriber *watcher.Subscriber, flags ...watcher.Flags) (bool, error)
	RemoveWatch(path string, subscriber *watcher.Subscriber) bool
}

type Options struct {
	Logger         *logging.Logger
	AllowedOrigins []string
	// RateLimit bounds inbound messages per peer. Zero uses the default.
	RateLimit rate.Limit
	Burst     int
	// WriteTimeout bounds replies to peer requests.
	WriteTimeout time.Duration
	// DeliverTimeout bounds one change notification. Deliver runs on the
	// watcher's tick, so a stalled peer delays every other subscriber by
	// up to this long per change before it is dropped.
	DeliverTimeout time.Duration
}

// Hub is an http.Handler for peer connections and a watcher.Transport for
// delivering changes to them.
type Hub struct {
	mutex          sync.Mutex
	peers          map[string]*peer
	watches        Watches
	logger         *logging.Logger
	origins        []string
	limit          rate.Limit
	burst          int
	writeTimeout   time.Duration
	deliverTimeout time.Duration
	closed         bool
}

type peer struct {
	name       string
	conn       *websocket.Conn
	writeMutex sync.Mutex
	limiter    *rate.Limiter
	subscriber *watcher.Subscriber

	// paths counts registrations per path as given by the peer.
	mutex sync.Mutex
	paths map[string]int
}

// request is an inbound peer message.
type request struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// Message is an outbound peer message.
type Message struct {
	Type    string `json:"type"`
	Peer    string `json:"peer,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeFileChanged  = "file_changed"
	TypeError        = "error"
)

func NewHub(options Options) *Hub {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limit := options.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := options.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	deliver := options.DeliverTimeout
	if deliver <= 0 {
		deliver = deliverTimeout
	}
	return &Hub{
		peers:          make(map[string]*peer),
		logger:         logger.With(map[string]string{"filewatch.category": "remote"}),
		origins:        options.AllowedOrigins,
		limit:          limit,
		burst:          burst,
		writeTimeout:   writeTimeout,
		deliverTimeout: deliver,
	}
}

// Bind sets the watcher peers subscribe through. The watcher usually takes
// the hub as its Transport, so the two are wired after construction.
func (hub *Hub) Bind(watches Watches) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.watches = watches
}

func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = uuid.NewString()
	}
	if hub.watchesOrNil() == nil {
		http.Error(w, "watcher unavailable", http.StatusServiceUnavailable)
		return
	}
	if hub.has(name) {
		http.Error(w, "peer name in use", http.StatusConflict)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, hub.origins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", map[string]string{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	current := &peer{
		name:       name,
		conn:       conn,
		limiter:    rate.NewLimiter(hub.limit, hub.burst),
		subscriber: watcher.Remote(name),
		paths:      make(map[string]int),
	}
	if err := hub.register(current); err != nil {
		hub.closeWith(current, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer hub.disconnect(current)

	hub.logger.Info("peer connected", map[string]string{
		"peer":        name,
		"remote_addr": r.RemoteAddr,
	})
	if err := hub.write(current, Message{Type: TypeConnected, Peer: name}); err != nil {
		return
	}

	conn.SetReadLimit(maxMessageBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hub.logger.Debug("peer read failed", map[string]string{
					"peer":  name,
					"error": err.Error(),
				})
			}
			return
		}
		if !current.limiter.Allow() {
			if err := hub.write(current, Message{Type: TypeError, Message: "rate limit exceeded"}); err != nil {
				return
			}
			continue
		}
		var message request
		if err := json.Unmarshal(data, &message); err != nil {
			if err := hub.write(current, Message{Type: TypeError, Message: "invalid message: " + err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := hub.handle(current, message); err != nil {
			return
		}
	}
}

func (hub *Hub) handle(current *peer, message request) error {
	watches := hub.watchesOrNil()
	for _, path := range message.Subscribe {
		if _, err := watches.AddWatch(path, current.subscriber); err != nil {
			if writeErr := hub.write(current, Message{Type: TypeError, Path: path, Message: err.Error()}); writeErr != nil {
				return writeErr
			}
			continue
		}
		current.track(path, 1)
		if err := hub.write(current, Message{Type: TypeSubscribed, Path: path}); err != nil {
			return err
		}
	}
	for _, path := range message.Unsubscribe {
		if !current.tracked(path) {
			if err := hub.write(current, Message{Type: TypeError, Path: path, Message: "not subscribed"}); err != nil {
				return err
			}
			continue
		}
		known := watches.RemoveWatch(path, current.subscriber)
		current.track(path, -1)
		reply := Message{Type: TypeUnsubscribed, Path: path}
		if !known {
			reply = Message{Type: TypeError, Path: path, Message: "not watched"}
		}
		if err := hub.write(current, reply); err != nil {
			return err
		}
	}
	return nil
}

// Deliver sends a change notification to the named peer. A failed write
// closes the peer's connection.
func (hub *Hub) Deliver(ctx context.Context, target, path string) error {
	hub.mutex.Lock()
	current, ok := hub.peers[target]
	hub.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(hub.deliverTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := hub.writeWithDeadline(current, Message{Type: TypeFileChanged, Path: path}, deadline); err != nil {
		_ = current.conn.Close()
		return err
	}
	return nil
}

// Peers returns the connected peer names, sorted.
func (hub *Hub) Peers() []string {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	names := make([]string, 0, len(hub.peers))
	for name := range hub.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disconnects every peer. Their registrations are removed as their
// read loops exit.
func (hub *Hub) Close() error {
	hub.mutex.Lock()
	hub.closed = true
	peers := make([]*peer, 0, len(hub.peers))
	for _, current := range hub.peers {
		peers = append(peers, current)
	}
	hub.mutex.Unlock()

	for _, current := range peers {
		hub.closeWith(current, websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

func (hub *Hub) register(current *peer) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return ErrPeerClosed
	}
	if _, exists := hub.peers[current.name]; exists {
		return fmt.Errorf("peer name %q in use", current.name)
	}
	hub.peers[current.name] = current
	return nil
}

func (hub *Hub) disconnect(current *peer) {
	hub.mutex.Lock()
	if hub.peers[current.name] == current {
		delete(hub.peers, current.name)
	}
	watches := hub.watches
	hub.mutex.Unlock()
	_ = current.conn.Close()

	removed := 0
	for path, count := range current.drain() {
		for ; count > 0; count-- {
			watches.RemoveWatch(path, current.subscriber)
			removed++
		}
	}
	hub.logger.Info("peer disconnected", map[string]string{
		"peer":    current.name,
		"removed": strconv.Itoa(removed),
	})
}

func (hub *Hub) has(name string) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	_, ok := hub.peers[name]
	return ok
}

func (hub *Hub) watchesOrNil() Watches {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return hub.watches
}

func (hub *Hub) write(current *peer, message Message) error {
	return hub.writeWithDeadline(current, message, time.Now().Add(hub.writeTimeout))
}

func (hub *Hub) writeWithDeadline(current *peer, message Message, deadline time.Time) error {
	current.writeMutex.Lock()
	defer current.writeMutex.Unlock()
	if err := current.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return current.conn.WriteJSON(message)
}

func (hub *Hub) closeWith(current *peer, code int, reason string) {
	deadline := time.Now().Add(hub.writeTimeout)
	current.writeMutex.Lock()
	_ = current.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
	current.writeMutex.Unlock()
	_ = current.conn.Close()
}

func (p *peer) track(path string, delta int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	count := p.paths[path] + delta
	if count <= 0 {
		delete(p.paths, path)
		return
	}
	p.paths[path] = count
}

func (p *peer) tracked(path string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.paths[path] > 0
}

func (p *peer) drain() map[string]int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	paths := p.paths
	p.paths = make(map[string]int)
	return paths
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}
	requestHost, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		requestHost = strings.Trim(r.Host, "[]")
	}
	return strings.EqualFold(originHost, requestHost)
}

func truncateCloseReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}
