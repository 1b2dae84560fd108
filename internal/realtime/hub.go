package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/CzarSimon/httputil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

// DefaultMaxPeers peers allowed in one channel: the user and the expert.
const DefaultMaxPeers = 2

const sendBufferSize = 64

// TokenVerifier validates channel join tokens.
type TokenVerifier interface {
	Verify(token string) (ChannelClaims, error)
}

type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConn() *conn {
	return &conn{send: make(chan []byte, sendBufferSize)}
}

func (c *conn) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn("dropping message for slow websocket client")
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type peer struct {
	id        string
	published map[MediaKind]bool
	conns     map[*conn]struct{}
	transport *HubTransport
}

func newPeer(id string) *peer {
	return &peer{
		id:        id,
		published: make(map[MediaKind]bool),
		conns:     make(map[*conn]struct{}),
	}
}

func (p *peer) empty() bool {
	return p.transport == nil && len(p.conns) == 0
}

type channel struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

type delivery struct {
	conns      []*conn
	transports []*HubTransport
}

// Hub relays signalling between the peers of call channels. Peers join either
// in-process through a HubTransport or remotely over a websocket.
type Hub struct {
	upgrader *websocket.Upgrader
	verifier TokenVerifier
	maxPeers int
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewHub creates a new Hub. Without a verifier in-process transports join
// unchecked and websocket peers are rejected.
func NewHub(verifier TokenVerifier, maxPeers int) *Hub {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}

	return &Hub{
		upgrader: &websocket.Upgrader{},
		verifier: verifier,
		maxPeers: maxPeers,
		mu:       sync.RWMutex{},
		channels: make(map[string]*channel),
	}
}

// NewTransport creates an unjoined transport bound to the hub.
func (h *Hub) NewTransport() Transport {
	return &HubTransport{
		hub:      h,
		handlers: make(map[EventType]map[HandlerID]Handler),
	}
}

// Connect upgrades the request to a websocket and attaches it to the channel
// as the participant named by the token.
func (h *Hub) Connect(ctx context.Context, channelName, token string, r *http.Request, w http.ResponseWriter) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "realtime.Hub.Connect")
	defer span.Finish()

	uid, err := h.verify(channelName, token)
	if err != nil {
		err = httputil.UnauthorizedError(err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	c := newConn()
	err = h.attach(channelName, uid, c)
	if err != nil {
		err = httputil.ConflictError(err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.detach(channelName, uid, c)
		err = fmt.Errorf("failed to upgrade connetion to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}
	c.ws = ws

	go registerSocketReciever(c)
	go h.readSocket(channelName, uid, c)
	return nil
}

// Notify sends a service message to every peer connected to the channel.
func (h *Hub) Notify(ctx context.Context, channelName string, message models.Message) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "realtime.Hub.Notify")
	defer span.Finish()

	message.SenderID = ""
	message.Channel = channelName
	if _, ok := h.findChannel(channelName); !ok {
		err := fmt.Errorf("no such channel %s", channelName)
		span.LogFields(tracelog.Error(err))
		return err
	}

	h.route(channelName, message)
	return nil
}

// Peers ids of the peers in a channel.
func (h *Hub) Peers(channelName string) []string {
	ch, ok := h.findChannel(channelName)
	if !ok {
		return nil
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	ids := make([]string, 0, len(ch.peers))
	for id := range ch.peers {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) verify(channelName, token string) (string, error) {
	if h.verifier == nil {
		return "", ErrInvalidToken
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	if claims.Channel != channelName {
		return "", fmt.Errorf("%w: token not valid for channel %s", ErrInvalidToken, channelName)
	}

	return claims.UID(), nil
}

func (h *Hub) attach(channelName, uid string, c *conn) error {
	ch := h.lockChannel(channelName)
	defer ch.mu.Unlock()

	p, ok := ch.peers[uid]
	if !ok {
		if len(ch.peers) >= h.maxPeers {
			return fmt.Errorf("channel(name=%s) %w", channelName, ErrChannelFull)
		}
		p = newPeer(uid)
		ch.peers[uid] = p
	}

	p.conns[c] = struct{}{}
	return nil
}

func (h *Hub) detach(channelName, uid string, c *conn) {
	c.close()

	ch, ok := h.findChannel(channelName)
	if !ok {
		return
	}

	ch.mu.Lock()
	p, ok := ch.peers[uid]
	if !ok {
		ch.mu.Unlock()
		return
	}
	delete(p.conns, c)
	left := p.empty()
	if left {
		delete(ch.peers, uid)
	}
	ch.mu.Unlock()

	if left {
		h.route(channelName, models.Message{Type: models.TypeUserLeft, SenderID: uid, Channel: channelName})
		h.removeIfEmpty(channelName)
	}
}

// join registers a transport as peer uid and returns the media already
// published by the other peers.
func (h *Hub) join(channelName, uid string, t *HubTransport) ([]Event, error) {
	ch := h.lockChannel(channelName)
	defer ch.mu.Unlock()

	p, ok := ch.peers[uid]
	if ok && p.transport != nil && p.transport != t {
		return nil, ErrAlreadyJoined
	}
	if !ok {
		if len(ch.peers) >= h.maxPeers {
			return nil, fmt.Errorf("channel(name=%s) %w", channelName, ErrChannelFull)
		}
		p = newPeer(uid)
		ch.peers[uid] = p
	}
	p.transport = t

	existing := make([]Event, 0)
	for id, other := range ch.peers {
		if id == uid {
			continue
		}
		for kind, published := range other.published {
			if published {
				existing = append(existing, Event{Type: EventUserPublished, ParticipantID: id, Kind: kind})
			}
		}
	}

	return existing, nil
}

func (h *Hub) leave(channelName, uid string, t *HubTransport) {
	ch, ok := h.findChannel(channelName)
	if !ok {
		return
	}

	ch.mu.Lock()
	p, ok := ch.peers[uid]
	if !ok || p.transport != t {
		ch.mu.Unlock()
		return
	}
	delete(ch.peers, uid)
	ch.mu.Unlock()

	for c := range p.conns {
		c.close()
	}

	h.route(channelName, models.Message{Type: models.TypeUserLeft, SenderID: uid, Channel: channelName})
	h.removeIfEmpty(channelName)
}

func (h *Hub) setPublished(channelName, uid string, kind MediaKind, published bool) error {
	ch, ok := h.findChannel(channelName)
	if !ok {
		return ErrNotJoined
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	p, ok := ch.peers[uid]
	if !ok {
		return ErrNotJoined
	}
	p.published[kind] = published
	return nil
}

func (h *Hub) subscribe(channelName, participantID string, kind MediaKind) (Track, error) {
	ch, ok := h.findChannel(channelName)
	if !ok {
		return Track{}, ErrNotJoined
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	p, ok := ch.peers[participantID]
	if !ok || !p.published[kind] {
		return Track{}, fmt.Errorf("participant(id=%s, kind=%s) %w", participantID, kind, ErrNotPublished)
	}

	return Track{
		ID:            uuid.New().String(),
		Kind:          kind,
		ParticipantID: participantID,
		Enabled:       true,
	}, nil
}

func (h *Hub) handleInbound(channelName, uid string, message models.Message) {
	message.SenderID = uid
	message.Channel = channelName

	switch message.Type {
	case models.TypeUserPublished, models.TypeUserUnpublished:
		kind := MediaKind(message.Kind)
		if kind != KindAudio && kind != KindVideo {
			log.Warn("ignoring message with unknown media kind", zap.Stringer("message", message))
			return
		}
		err := h.setPublished(channelName, uid, kind, message.Type == models.TypeUserPublished)
		if err != nil {
			log.Warn("failed to update published media", zap.Stringer("message", message), zap.Error(err))
			return
		}
	case models.TypeTrackMuted, models.TypeTrackUnmuted:
	default:
		log.Debug("ignoring unsupported message", zap.Stringer("message", message))
		return
	}

	h.route(channelName, message)
}

func (h *Hub) route(channelName string, message models.Message) {
	ch, ok := h.findChannel(channelName)
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Error("failed to serialize message", zap.Stringer("message", message), zap.Error(err))
		return
	}

	var d delivery
	ch.mu.RLock()
	for id, p := range ch.peers {
		if id == message.SenderID {
			continue
		}
		for c := range p.conns {
			d.conns = append(d.conns, c)
		}
		if p.transport != nil {
			d.transports = append(d.transports, p.transport)
		}
	}
	ch.mu.RUnlock()

	for _, c := range d.conns {
		c.deliver(data)
	}
	for _, t := range d.transports {
		t.dispatch(message)
	}
}

func (h *Hub) findChannel(name string) (*channel, bool) {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()

	return ch, ok
}

// lockChannel finds or creates a channel and returns it locked. The hub lock is
// held until the channel is locked so an empty channel cannot be removed in between.
func (h *Hub) lockChannel(name string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{
			mu:    sync.RWMutex{},
			peers: make(map[string]*peer),
		}
		h.channels[name] = ch
	}

	ch.mu.Lock()
	return ch
}

func (h *Hub) removeIfEmpty(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		return
	}

	ch.mu.RLock()
	empty := len(ch.peers) == 0
	ch.mu.RUnlock()
	if empty {
		delete(h.channels, name)
	}
}

func (h *Hub) readSocket(channelName, uid string, c *conn) {
	defer h.detach(channelName, uid, c)

	for {
		var message models.Message
		err := c.ws.ReadJSON(&message)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read stopped", zap.String("channel", channelName), zap.String("uid", uid), zap.Error(err))
			}
			return
		}

		if message.Type == models.TypeUserLeft {
			return
		}
		h.handleInbound(channelName, uid, message)
	}
}

func registerSocketReciever(c *conn) {
	for data := range c.send {
		writeMessage(c.ws, websocket.TextMessage, data)
	}
	closeSocket(c.ws)
}

func closeSocket(ws *websocket.Conn) {
	writeMessage(ws, websocket.CloseMessage, []byte{})
	err := ws.Close()
	if err != nil {
		log.Warn("failed to close websocked connection", zap.Error(err))
	}
}

func writeMessage(ws *websocket.Conn, messageType int, data []byte) {
	err := ws.WriteMessage(messageType, data)
	if err != nil {
		log.Debug("failed to send message", zap.Error(err))
	}
}

// HubTransport in-process Transport of one participant on a Hub.
type HubTransport struct {
	hub *Hub

	mu       sync.Mutex
	channel  string
	uid      string
	joined   bool
	nextID   HandlerID
	handlers map[EventType]map[HandlerID]Handler
}

// Join joins the channel after validating the token against channel and uid.
func (t *HubTransport) Join(ctx context.Context, opts JoinOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.hub.verifier != nil {
		claims, err := t.hub.verifier.Verify(opts.Token)
		if err != nil {
			return err
		}
		if claims.Channel != opts.Channel || claims.UID() != opts.UID {
			return fmt.Errorf("%w: token issued for another channel or participant", ErrInvalidToken)
		}
	}

	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return ErrAlreadyJoined
	}
	t.mu.Unlock()

	existing, err := t.hub.join(opts.Channel, opts.UID, t)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.channel = opts.Channel
	t.uid = opts.UID
	t.joined = true
	t.mu.Unlock()

	for _, e := range existing {
		t.emit(e)
	}
	return nil
}

// Publish announces local tracks to the other peers.
func (t *HubTransport) Publish(ctx context.Context, tracks ...Track) error {
	channelName, uid, err := t.membership()
	if err != nil {
		return err
	}

	for _, track := range tracks {
		err := t.hub.setPublished(channelName, uid, track.Kind, true)
		if err != nil {
			return err
		}
		t.hub.route(channelName, models.Message{
			Type:     models.TypeUserPublished,
			SenderID: uid,
			Channel:  channelName,
			Kind:     string(track.Kind),
		})
	}

	return nil
}

// Subscribe returns a handle to the remote track of a participant.
func (t *HubTransport) Subscribe(ctx context.Context, participantID string, kind MediaKind) (Track, error) {
	channelName, _, err := t.membership()
	if err != nil {
		return Track{}, err
	}

	return t.hub.subscribe(channelName, participantID, kind)
}

// SetTrackEnabled announces a mute or unmute of a local track.
func (t *HubTransport) SetTrackEnabled(ctx context.Context, track Track, enabled bool) error {
	channelName, uid, err := t.membership()
	if err != nil {
		return err
	}

	msgType := models.TypeTrackMuted
	if enabled {
		msgType = models.TypeTrackUnmuted
	}

	t.hub.route(channelName, models.Message{
		Type:     msgType,
		SenderID: uid,
		Channel:  channelName,
		Kind:     string(track.Kind),
	})
	return nil
}

// On registers an event handler.
func (t *HubTransport) On(event EventType, h Handler) HandlerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[HandlerID]Handler)
	}
	t.handlers[event][t.nextID] = h
	return t.nextID
}

// Off removes an event handler.
func (t *HubTransport) Off(event EventType, id HandlerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.handlers[event], id)
}

// HandlerCount number of registered handlers.
func (t *HubTransport) HandlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, hs := range t.handlers {
		n += len(hs)
	}
	return n
}

// Leave leaves the channel. Leaving an unjoined transport does nothing.
func (t *HubTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	channelName, uid := t.channel, t.uid
	t.joined = false
	t.channel = ""
	t.uid = ""
	t.mu.Unlock()

	t.hub.leave(channelName, uid, t)
	return nil
}

func (t *HubTransport) membership() (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.joined {
		return "", "", ErrNotJoined
	}
	return t.channel, t.uid, nil
}

func (t *HubTransport) dispatch(message models.Message) {
	switch message.Type {
	case models.TypeUserPublished:
		t.emit(Event{Type: EventUserPublished, ParticipantID: message.SenderID, Kind: MediaKind(message.Kind)})
	case models.TypeUserUnpublished:
		t.emit(Event{Type: EventUserUnpublished, ParticipantID: message.SenderID, Kind: MediaKind(message.Kind)})
	case models.TypeUserLeft:
		t.emit(Event{Type: EventUserLeft, ParticipantID: message.SenderID})
	}
}

func (t *HubTransport) emit(e Event) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.handlers[e.Type]))
	for _, h := range t.handlers[e.Type] {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}
