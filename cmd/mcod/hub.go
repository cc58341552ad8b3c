package main

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/session"
	"github.com/zjs81/meshcore-open/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback by default; tighten when exposing it.
		return true
	},
}

// hub fans session events out to every connected websocket client.
// Session callbacks must never block, so posting drops when the backlog
// is full rather than waiting.
type hub struct {
	log        *slog.Logger
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient

	mu   sync.Mutex
	self *protocol.SelfInfo
	dev  *protocol.DeviceInfo
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// post broadcasts one event. Safe from the session's dispatch goroutine.
func (h *hub) post(typ string, payload any) {
	data, err := json.Marshal(outgoing{Type: typ, Payload: payload})
	if err != nil {
		h.log.Warn("event marshal failed", "type", typ, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("event backlog full, dropping", "type", typ)
	}
}

func (h *hub) rememberSelf(si *protocol.SelfInfo) {
	h.mu.Lock()
	h.self = si
	h.mu.Unlock()
}

func (h *hub) rememberDevice(di *protocol.DeviceInfo) {
	h.mu.Lock()
	h.dev = di
	h.mu.Unlock()
}

func (h *hub) snapshot() (*protocol.SelfInfo, *protocol.DeviceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.self, h.dev
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) readPump(d *daemon) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(5120)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(outgoing{Type: "error", Error: "invalid message"})
			continue
		}
		d.handleIncoming(c, msg)
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) sendJSON(msg outgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Warn("marshal failed", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("client send buffer full, dropping")
	}
}

// --- wire protocol ---------------------------------------------------

type incoming struct {
	Type       string `json:"type"`
	TargetID   string `json:"targetId,omitempty"`
	TargetType string `json:"targetType,omitempty"` // "contact" or "channel"
	Content    string `json:"content,omitempty"`
	Flood      bool   `json:"flood,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type nodeStatusPayload struct {
	Connected bool        `json:"connected"`
	State     string      `json:"state"`
	Node      *nodeJSON   `json:"node,omitempty"`
	Device    *deviceJSON `json:"device,omitempty"`
}

type nodeJSON struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	FreqHz    uint32 `json:"freqHz"`
	BwHz      uint32 `json:"bwHz"`
	SF        uint8  `json:"sf"`
	CR        uint8  `json:"cr"`
	TxPower   uint8  `json:"txPower"`
}

type deviceJSON struct {
	FirmwareVer uint8  `json:"firmwareVer"`
	MaxContacts int    `json:"maxContacts"`
	MaxChannels int    `json:"maxChannels"`
	Build       string `json:"build,omitempty"`
	Model       string `json:"model,omitempty"`
	Version     string `json:"version,omitempty"`
}

type statePayload struct {
	Contacts []contactJSON `json:"contacts"`
	Channels []channelJSON `json:"channels"`
	Messages []messageJSON `json:"messages"`
}

type contactJSON struct {
	PublicKey   string  `json:"publicKey"`
	Name        string  `json:"name"`
	Type        uint8   `json:"type"`
	PathLen     int     `json:"pathLen"`
	LastAdvert  uint32  `json:"lastAdvert"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	HasOverride bool    `json:"hasOverride,omitempty"`
}

// channelJSON deliberately omits the PSK; keys never cross the hub.
type channelJSON struct {
	Idx  int    `json:"idx"`
	Name string `json:"name"`
}

type messageJSON struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Author      string  `json:"author"`
	ContactKey  string  `json:"contactKey,omitempty"`
	ChannelIdx  int     `json:"channelIdx"`
	Text        string  `json:"text"`
	SenderTS    uint32  `json:"senderTs"`
	ReceivedAt  float64 `json:"receivedAt"`
	Outgoing    bool    `json:"outgoing"`
	Status      string  `json:"status,omitempty"`
	TripMs      int     `json:"tripMs,omitempty"`
	SNR         float64 `json:"snr,omitempty"`
	PathLen     int     `json:"pathLen"`
	RepeatCount int     `json:"repeatCount,omitempty"`
	ReplyTo     string  `json:"replyTo,omitempty"`
}

type messageStatusPayload struct {
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	RoundTripMs int    `json:"roundTripMs,omitempty"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type batteryPayload struct {
	Millivolts uint16 `json:"millivolts"`
	Percent    int    `json:"percent"`
}

type sendResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func toContactJSON(cts []store.Contact) []contactJSON {
	out := make([]contactJSON, 0, len(cts))
	for _, c := range cts {
		out = append(out, contactJSON{
			PublicKey:   c.PublicKey,
			Name:        c.Name,
			Type:        c.Type,
			PathLen:     c.PathLen,
			LastAdvert:  c.LastAdvert,
			Lat:         c.Lat,
			Lon:         c.Lon,
			HasOverride: c.HasOverride,
		})
	}
	return out
}

func toChannelJSON(chans []store.Channel) []channelJSON {
	out := make([]channelJSON, 0, len(chans))
	for _, ch := range chans {
		out = append(out, channelJSON{Idx: ch.Idx, Name: ch.Name})
	}
	return out
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:          m.ID,
		Kind:        m.Kind,
		Author:      m.Author,
		ContactKey:  m.ContactKey,
		ChannelIdx:  m.ChannelIdx,
		Text:        m.Text,
		SenderTS:    m.SenderTS,
		ReceivedAt:  m.ReceivedAt,
		Outgoing:    m.Outgoing,
		Status:      m.Status,
		TripMs:      m.TripMs,
		SNR:         m.SNR,
		PathLen:     m.PathLen,
		RepeatCount: m.RepeatCount,
		ReplyTo:     m.ReplyTo,
	}
}

func toNodeJSON(si *protocol.SelfInfo) *nodeJSON {
	if si == nil {
		return nil
	}
	return &nodeJSON{
		Name:      si.Name,
		PublicKey: hex.EncodeToString(si.PublicKey[:]),
		FreqHz:    si.FreqHz,
		BwHz:      si.BandwidthHz,
		SF:        si.SF,
		CR:        si.CR,
		TxPower:   si.TxPower,
	}
}

func toDeviceJSON(di *protocol.DeviceInfo) *deviceJSON {
	if di == nil {
		return nil
	}
	return &deviceJSON{
		FirmwareVer: di.FirmwareVer,
		MaxContacts: di.MaxContacts,
		MaxChannels: di.MaxChannels,
		Build:       di.Build,
		Model:       di.Model,
		Version:     di.Version,
	}
}

func nodeStatus(st session.ConnectionState, si *protocol.SelfInfo, di *protocol.DeviceInfo) nodeStatusPayload {
	return nodeStatusPayload{
		Connected: st == session.StateConnected,
		State:     st.String(),
		Node:      toNodeJSON(si),
		Device:    toDeviceJSON(di),
	}
}

// --- handlers --------------------------------------------------------

func (d *daemon) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{hub: d.hub, conn: conn, send: make(chan []byte, 256)}
	d.hub.register <- c
	go c.writePump()

	c.sendJSON(outgoing{
		Type:    "node_status",
		Payload: nodeStatus(d.sess.State(), d.sess.SelfInfo(), d.sess.DeviceInfo()),
	})
	c.readPump(d)
}

func (d *daemon) handleIncoming(c *wsClient, msg incoming) {
	switch msg.Type {
	case "subscribe_state":
		st, err := d.statePayload()
		if err != nil {
			d.log.Warn("state load failed", "err", err)
			c.sendJSON(outgoing{Type: "error", Error: "failed to load state"})
			return
		}
		c.sendJSON(outgoing{Type: "state", Payload: st})

	case "send_message":
		if msg.TargetID == "" || msg.Content == "" {
			c.sendJSON(outgoing{Type: "error", Error: "targetId and content are required"})
			return
		}
		res := d.send(msg.TargetID, msg.TargetType, msg.Content)
		if !res.Success {
			c.sendJSON(outgoing{Type: "error", Error: res.Error})
			return
		}
		c.sendJSON(outgoing{Type: "send_result", Payload: res})

	case "send_advert":
		if err := d.sess.Advert(d.ctx, msg.Flood); err != nil {
			c.sendJSON(outgoing{Type: "error", Error: err.Error()})
			return
		}
		c.sendJSON(outgoing{Type: "advert_sent", Payload: msg.Flood})

	case "refresh_contacts":
		if err := d.sess.RefreshContacts(d.ctx); err != nil {
			c.sendJSON(outgoing{Type: "error", Error: err.Error()})
		}

	default:
		c.sendJSON(outgoing{Type: "error", Error: "unknown message type"})
	}
}

// send routes one outbound text. Target is a channel ("ch3" or bare
// index with targetType channel) or a contact public key.
func (d *daemon) send(targetID, targetType, content string) sendResult {
	if targetType == "channel" || strings.HasPrefix(targetID, "ch") {
		idxStr := strings.TrimPrefix(targetID, "ch")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return sendResult{Error: "bad channel target " + targetID}
		}
		id, err := d.sess.SendChannelText(d.ctx, idx, content)
		if err != nil {
			return sendResult{Error: err.Error()}
		}
		return sendResult{Success: true, ID: id}
	}
	id, err := d.sess.SendText(d.ctx, targetID, content)
	if err != nil {
		return sendResult{Error: err.Error()}
	}
	return sendResult{Success: true, ID: id}
}

func (d *daemon) statePayload() (statePayload, error) {
	contacts, err := d.st.Contacts()
	if err != nil {
		return statePayload{}, err
	}
	channels, err := d.st.Channels()
	if err != nil {
		return statePayload{}, err
	}
	recent, err := d.st.RecentMessages(nowUnix() - recentWindowS)
	if err != nil {
		return statePayload{}, err
	}
	msgs := make([]messageJSON, 0, len(recent))
	for _, m := range recent {
		msgs = append(msgs, toMessageJSON(m))
	}
	return statePayload{
		Contacts: toContactJSON(contacts),
		Channels: toChannelJSON(channels),
		Messages: msgs,
	}, nil
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	si, di := d.hub.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": nodeStatus(d.sess.State(), si, di),
	})
}

func (d *daemon) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req incoming
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResult{Error: "invalid request"})
		return
	}
	if req.TargetID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, sendResult{Error: "targetId and content are required"})
		return
	}
	res := d.send(req.TargetID, req.TargetType, req.Content)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (d *daemon) handleAdvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req incoming
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResult{Error: "invalid request"})
		return
	}
	if err := d.sess.Advert(d.ctx, req.Flood); err != nil {
		writeJSON(w, http.StatusBadGateway, sendResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResult{Success: true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
