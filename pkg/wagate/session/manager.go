package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	wmstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// Config holds lifecycle controller tuning.
type Config struct {
	// DataDir hosts the per-agent credential databases.
	DataDir string

	// DeviceName is shown in the linked-devices list.
	DeviceName string

	// InitCooldown is the minimum interval between initialize attempts for
	// the same agent.
	InitCooldown time.Duration

	// QRWindow is the QR stability window.
	QRWindow time.Duration

	// PreflightTimeout bounds the reachability check before a session is
	// opened.
	PreflightTimeout time.Duration

	// PreflightAddr is the host:port dialed by the preflight check.
	PreflightAddr string

	// RestartDelay is the fixed delay before the automatic reconnect after
	// a restart-required close.
	RestartDelay time.Duration
}

// DefaultConfig returns sensible controller defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		DeviceName:       "Wagate",
		InitCooldown:     10 * time.Second,
		QRWindow:         2 * time.Minute,
		PreflightTimeout: 5 * time.Second,
		PreflightAddr:    "web.whatsapp.com:443",
		RestartDelay:     2 * time.Second,
	}
}

// MessageSink consumes inbound message batches from connected sessions.
// Implemented by the ingestion pipeline; an interface here keeps the
// controller free of pipeline dependencies.
type MessageSink interface {
	HandleBatch(ctx context.Context, agentID string, client *whatsmeow.Client,
		batch []*events.Message, kind store.BatchKind, attributable bool)
}

// Manager owns the session registry and every mutation of it: per-agent
// locks, init cooldowns, the QR gate, and execution of the side effects
// requested by the transition function. It is the single logical owner of
// all AgentSession state.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	persisted store.SessionStore
	creds     *CredentialStore
	sink      MessageSink

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	sessions     map[string]*AgentSession
	lastAttempt  map[string]time.Time
	initInFlight map[string]bool
	subscribers  map[string][]chan Notification

	// preflight is injectable for tests; defaults to a bounded TCP dial.
	preflight func(ctx context.Context, addr string, timeout time.Duration) error

	// connect is injectable for tests; defaults to opening the real socket.
	connect func(client *whatsmeow.Client) error
}

// NewManager creates the lifecycle controller.
func NewManager(cfg Config, persisted store.SessionStore, creds *CredentialStore,
	sink MessageSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitCooldown == 0 {
		cfg.InitCooldown = 10 * time.Second
	}
	if cfg.QRWindow == 0 {
		cfg.QRWindow = 2 * time.Minute
	}
	if cfg.PreflightTimeout == 0 {
		cfg.PreflightTimeout = 5 * time.Second
	}
	if cfg.PreflightAddr == "" {
		cfg.PreflightAddr = "web.whatsapp.com:443"
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "session-manager"),
		persisted:    persisted,
		creds:        creds,
		sink:         sink,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*AgentSession),
		lastAttempt:  make(map[string]time.Time),
		initInFlight: make(map[string]bool),
		subscribers:  make(map[string][]chan Notification),
		preflight:    tcpPreflight,
		connect:      func(c *whatsmeow.Client) error { return c.Connect() },
	}
}

// Close stops background work. Sessions are left connected on purpose: a
// graceful shutdown keeps credentials and active flags intact so the boot
// supervisor restores them on the next start.
func (m *Manager) Close() {
	m.cancel()
}

// ---------- Lifecycle operations ----------

// Initialize brings up a session for an agent: idempotent short-circuit on
// a live QR or an established connection, per-agent in-flight lock, attempt
// cooldown, phone isolation check, reachability preflight, then the
// restore-or-pair path.
func (m *Manager) Initialize(ctx context.Context, agentID string) (StatusInfo, error) {
	now := time.Now()

	m.mu.Lock()
	if sess, ok := m.sessions[agentID]; ok {
		if sess.State == StateConnected {
			info := m.statusLocked(sess)
			m.mu.Unlock()
			return info, nil
		}
		if sess.QRCode != "" && now.Sub(sess.QRGeneratedAt) < m.cfg.QRWindow {
			info := m.statusLocked(sess)
			m.mu.Unlock()
			return info, nil
		}
	}
	if m.initInFlight[agentID] {
		info := StatusInfo{AgentID: agentID, Status: store.StatusInitializing}
		if sess, ok := m.sessions[agentID]; ok {
			info = m.statusLocked(sess)
		}
		m.mu.Unlock()
		return info, nil
	}
	if last, ok := m.lastAttempt[agentID]; ok && now.Sub(last) < m.cfg.InitCooldown {
		m.mu.Unlock()
		return StatusInfo{AgentID: agentID}, fmt.Errorf("%w: retry in %s",
			ErrCooldownActive, (m.cfg.InitCooldown - now.Sub(last)).Round(time.Second))
	}
	m.initInFlight[agentID] = true
	m.lastAttempt[agentID] = now
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.initInFlight, agentID)
		m.mu.Unlock()
	}()

	info, err := m.initialize(ctx, agentID)
	if err != nil {
		// A failed attempt opened no socket; releasing the cooldown keeps
		// the boot supervisor's backed-off retries from bouncing off their
		// own previous failure.
		m.mu.Lock()
		delete(m.lastAttempt, agentID)
		m.mu.Unlock()
		m.logger.Warn("initialize failed", "agent_id", agentID, "error", err)
		return info, err
	}
	return info, nil
}

func (m *Manager) initialize(ctx context.Context, agentID string) (StatusInfo, error) {
	rec, err := m.persisted.Get(ctx, agentID)
	if err != nil {
		return StatusInfo{AgentID: agentID}, fmt.Errorf("loading persisted session: %w", err)
	}

	// Isolation: a phone number may be active on at most one session.
	// The in-memory registry is authoritative; the persisted store covers
	// sessions owned by other instances.
	phone := ""
	if rec != nil {
		phone = rec.PhoneNumber
	}
	if phone != "" {
		if conflict := m.registryPhoneConflict(agentID, phone); conflict != "" {
			return StatusInfo{AgentID: agentID}, fmt.Errorf("%w: agent %s", ErrSessionConflict, conflict)
		}
		other, err := m.persisted.FindActiveByPhone(ctx, phone, agentID)
		if err != nil {
			m.logger.Warn("phone isolation check failed, continuing",
				"agent_id", agentID, "error", err)
		} else if other != nil && other.Status == store.StatusConnected {
			return StatusInfo{AgentID: agentID}, fmt.Errorf("%w: agent %s", ErrSessionConflict, other.AgentID)
		}
	}

	// Reachability preflight: fail fast with an explicit network error
	// instead of waiting out a protocol-level timeout.
	if err := m.preflight(ctx, m.cfg.PreflightAddr, m.cfg.PreflightTimeout); err != nil {
		return StatusInfo{AgentID: agentID}, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}

	now := time.Now()
	sess := &AgentSession{
		AgentID:      agentID,
		State:        StateInitializing,
		PhoneNumber:  phone,
		LastActivity: now,
		CreatedAt:    now,
	}
	m.mu.Lock()
	m.sessions[agentID] = sess
	m.mu.Unlock()

	if rec == nil {
		if err := m.persisted.Upsert(ctx, &store.SessionRecord{
			AgentID: agentID,
			Status:  store.StatusInitializing,
			Active:  true,
		}); err != nil {
			m.logger.Warn("persisting session record failed",
				"agent_id", agentID, "error", err)
		}
	} else if err := m.persisted.SetStatus(ctx, agentID, store.StatusInitializing, true); err != nil {
		m.logger.Warn("persisting session status failed",
			"agent_id", agentID, "error", err)
	}

	// Credential restore: local file wins; the persisted blob is only
	// consulted when no local file exists and its status allows it.
	if !m.creds.HasLocal(agentID) {
		if _, err := m.creds.Restore(ctx, agentID, rec); err != nil {
			m.logger.Warn("credential restore failed, falling back to pairing",
				"agent_id", agentID, "error", err)
		}
	}

	client, err := m.buildClient(agentID)
	if err != nil {
		m.removeSession(agentID)
		return StatusInfo{AgentID: agentID}, err
	}

	m.mu.Lock()
	sess.client = client
	sess.handlerID = client.AddEventHandler(func(raw any) {
		m.handleProtocolEvent(agentID, raw)
	})
	hasCreds := client.Store.ID != nil
	if hasCreds {
		sess.State = StateRestoring
		sess.PhoneNumber = client.Store.ID.User
	}
	m.mu.Unlock()

	if hasCreds {
		return m.connectRestored(ctx, agentID, sess, client)
	}
	return m.startPairing(ctx, agentID, sess, client)
}

// connectRestored opens the socket for a session with restored credentials.
// State and record move to connecting before the socket opens: the connected
// event races the return of Connect and must not be stomped back.
func (m *Manager) connectRestored(ctx context.Context, agentID string, sess *AgentSession, client *whatsmeow.Client) (StatusInfo, error) {
	m.mu.Lock()
	sess.State = StateConnecting
	m.mu.Unlock()
	if err := m.persisted.SetStatus(ctx, agentID, store.StatusConnecting, true); err != nil {
		m.logger.Warn("persisting connecting status failed",
			"agent_id", agentID, "error", err)
	}

	if err := m.connect(client); err != nil {
		m.dispatch(agentID, Event{Kind: EventClose, Close: CloseRetryable, Reason: ReasonConnectionLost})
		return m.mustStatus(ctx, agentID), fmt.Errorf("connecting restored session: %w", err)
	}

	m.logger.Info("session restored, connecting", "agent_id", agentID)
	return m.mustStatus(ctx, agentID), nil
}

// startPairing opens the QR channel and the socket, then consumes pairing
// codes in the background. The handshake window is minutes-scale by design:
// pairing happens at human speed.
func (m *Manager) startPairing(ctx context.Context, agentID string, sess *AgentSession, client *whatsmeow.Client) (StatusInfo, error) {
	qrChan, err := client.GetQRChannel(m.ctx)
	if err != nil {
		m.removeSession(agentID)
		return StatusInfo{AgentID: agentID}, fmt.Errorf("opening QR channel: %w", err)
	}
	if err := m.connect(client); err != nil {
		m.removeSession(agentID)
		return StatusInfo{AgentID: agentID}, fmt.Errorf("connecting for pairing: %w", err)
	}

	m.mu.Lock()
	sess.State = StateQRPending
	sess.FailureReason = ReasonAwaitingScan
	m.mu.Unlock()

	go m.consumeQRChannel(agentID, qrChan)

	m.logger.Info("pairing started, waiting for QR scan", "agent_id", agentID)
	return m.mustStatus(ctx, agentID), nil
}

// buildClient opens the local credential container and constructs the
// protocol client around it.
func (m *Manager) buildClient(agentID string) (*whatsmeow.Client, error) {
	if err := m.creds.EnsureDir(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", m.creds.LocalPath(agentID))
	container, err := sqlstore.New(m.ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	device, err := container.GetFirstDevice(m.ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}

	wmstore.SetOSInfo(m.cfg.DeviceName, [3]uint32{1, 0, 0})
	return whatsmeow.NewClient(device, waLog.Noop), nil
}

// consumeQRChannel feeds pairing codes from the protocol client into the
// state machine. The QR gate in the transition function decides which codes
// are surfaced; this loop just relays.
func (m *Manager) consumeQRChannel(agentID string, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				m.dispatch(agentID, QRIssued(item.Code))
			case "success":
				// The pair-success protocol event drives the transition.
				return
			case "timeout":
				m.dispatch(agentID, QRTimedOut())
				return
			default:
				if item.Error != nil {
					m.logger.Warn("pairing error", "agent_id", agentID, "error", item.Error)
					m.dispatch(agentID, PairingFailed(item.Error))
				}
				return
			}
		}
	}
}

// Disconnect tears a session down on user request: event handlers are
// detached from the socket before it is discarded so no handler can fire
// against a torn-down session, then credentials are cleared locally and
// remotely and the persisted record marked inactive.
func (m *Manager) Disconnect(ctx context.Context, agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	client := sess.client
	delete(m.sessions, agentID)
	m.mu.Unlock()

	if client != nil {
		client.RemoveEventHandlers()
		client.Disconnect()
	}

	m.creds.ClearAll(ctx, agentID, store.StatusDisconnected)

	m.notify(agentID, Notification{
		Type:      "disconnected",
		AgentID:   agentID,
		State:     StateUninitialized,
		Reason:    "user_request",
		Timestamp: time.Now(),
	})

	m.logger.Info("session disconnected", "agent_id", agentID)
	return nil
}

// SendMessage sends a text message through a connected session.
func (m *Manager) SendMessage(ctx context.Context, agentID, recipient, text string) error {
	m.mu.RLock()
	sess, ok := m.sessions[agentID]
	var client *whatsmeow.Client
	connected := false
	if ok {
		client = sess.client
		connected = sess.State == StateConnected
	}
	m.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	if !connected || client == nil {
		return ErrNotConnected
	}

	jid, err := ParseJID(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}

	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// GetStatus answers a status query, always with the most specific known
// failure reason. The registry wins over the persisted store; the store is
// consulted only when this process holds no session for the agent.
func (m *Manager) GetStatus(ctx context.Context, agentID string) (StatusInfo, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[agentID]; ok {
		info := m.statusLocked(sess)
		m.mu.RUnlock()
		return info, nil
	}
	m.mu.RUnlock()

	rec, err := m.persisted.Get(ctx, agentID)
	if err != nil {
		return StatusInfo{AgentID: agentID}, err
	}
	if rec == nil {
		return StatusInfo{AgentID: agentID}, ErrSessionNotFound
	}

	info := StatusInfo{
		AgentID:     agentID,
		Status:      rec.Status,
		PhoneNumber: rec.PhoneNumber,
	}
	switch rec.Status {
	case store.StatusConflict:
		info.FailureReason = ReasonConflict
	case store.StatusQRPending:
		info.FailureReason = ReasonAwaitingScan
		if rec.QRGeneratedAt != nil && time.Since(*rec.QRGeneratedAt) < m.cfg.QRWindow {
			info.QRCode = rec.QRCode
		}
	}
	return info, nil
}

// statusLocked builds a StatusInfo from a registry entry. Caller holds m.mu.
func (m *Manager) statusLocked(sess *AgentSession) StatusInfo {
	info := StatusInfo{
		AgentID:       sess.AgentID,
		Connected:     sess.State == StateConnected,
		Status:        persistedStatus(sess.State),
		PhoneNumber:   sess.PhoneNumber,
		FailureReason: sess.FailureReason,
	}
	if sess.QRCode != "" && time.Since(sess.QRGeneratedAt) < m.cfg.QRWindow {
		info.QRCode = sess.QRCode
	}
	return info
}

func (m *Manager) mustStatus(ctx context.Context, agentID string) StatusInfo {
	info, err := m.GetStatus(ctx, agentID)
	if err != nil {
		return StatusInfo{AgentID: agentID}
	}
	return info
}

// ---------- Event handling ----------

// handleProtocolEvent is installed as the protocol client's event handler.
// Each client dispatches events on its own loop, so one agent's slow I/O
// never stalls another agent's processing.
func (m *Manager) handleProtocolEvent(agentID string, raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		m.handleMessage(agentID, evt)

	case *events.HistorySync:
		m.handleHistorySync(agentID, evt)

	default:
		m.mu.RLock()
		justPaired := false
		if sess, ok := m.sessions[agentID]; ok {
			justPaired = sess.justPaired
		}
		m.mu.RUnlock()

		if ev, ok := Translate(raw, justPaired); ok {
			m.dispatch(agentID, ev)
		}
	}
}

func (m *Manager) handleMessage(agentID string, evt *events.Message) {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	var client *whatsmeow.Client
	attributable := false
	if ok {
		sess.LastActivity = time.Now()
		client = sess.client
		attributable = sess.State == StateConnected
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.sink.HandleBatch(m.ctx, agentID, client, []*events.Message{evt}, store.BatchNew, attributable)
}

func (m *Manager) handleHistorySync(agentID string, evt *events.HistorySync) {
	m.mu.RLock()
	sess, ok := m.sessions[agentID]
	var client *whatsmeow.Client
	attributable := false
	if ok {
		client = sess.client
		attributable = sess.State == StateConnected
	}
	m.mu.RUnlock()

	if !ok || client == nil {
		return
	}

	var batch []*events.Message
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, histMsg := range conv.GetMessages() {
			parsed, err := client.ParseWebMessage(chatJID, histMsg.GetMessage())
			if err != nil {
				continue
			}
			batch = append(batch, parsed)
		}
	}
	if len(batch) == 0 {
		return
	}

	m.logger.Debug("history sync batch", "agent_id", agentID, "messages", len(batch))
	m.sink.HandleBatch(m.ctx, agentID, client, batch, store.BatchHistory, attributable)
}

// dispatch runs one event through the transition function and executes the
// requested effects.
func (m *Manager) dispatch(agentID string, ev Event) {
	now := time.Now()

	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}

	snap := sess.snapshot()
	next, effects := Apply(snap, ev, now, m.cfg.QRWindow)
	sess.applySnapshot(next, now)

	switch {
	case ev.Kind == EventClose:
		sess.FailureReason = ev.Reason
	case next.State == StateQRPending:
		sess.FailureReason = ReasonAwaitingScan
		if next.QRCode != snap.QRCode {
			sess.QRAttempts++
		}
	case next.State == StateConnected:
		sess.FailureReason = ReasonNone
		if sess.PhoneNumber == "" && sess.client != nil && sess.client.Store.ID != nil {
			sess.PhoneNumber = sess.client.Store.ID.User
		}
	}

	client := sess.client
	qrCode := next.QRCode
	phone := sess.PhoneNumber
	m.mu.Unlock()

	m.execute(agentID, client, ev, effects, qrCode, phone, now)
}

// execute performs the side effects requested by a transition. Persisted
// writes are idempotent upserts; credential mirroring runs asynchronously.
func (m *Manager) execute(agentID string, client *whatsmeow.Client, ev Event,
	effects []Effect, qrCode, phone string, now time.Time) {
	ctx := m.ctx

	for _, e := range effects {
		switch e.Kind {
		case EffectSurfaceQR:
			if err := m.persisted.SetQR(ctx, agentID, qrCode, now); err != nil {
				m.logger.Warn("persisting QR failed", "agent_id", agentID, "error", err)
			}

		case EffectClearQR:
			if err := m.persisted.ClearQR(ctx, agentID); err != nil {
				m.logger.Warn("clearing persisted QR failed", "agent_id", agentID, "error", err)
			}

		case EffectPersistStatus:
			if e.Status == store.StatusConnected {
				if err := m.persisted.MarkConnected(ctx, agentID, phone); err != nil {
					m.logger.Warn("persisting connected status failed",
						"agent_id", agentID, "error", err)
				}
			} else if err := m.persisted.SetStatus(ctx, agentID, e.Status, e.Active); err != nil {
				m.logger.Warn("persisting status failed",
					"agent_id", agentID, "status", e.Status, "error", err)
			}

		case EffectMirrorCredentials:
			go m.creds.Mirror(ctx, agentID)

		case EffectWipeCredentials:
			if e.Remote {
				m.creds.ClearAll(ctx, agentID, store.StatusConflict)
			} else {
				m.creds.ClearLocal(agentID)
			}

		case EffectScheduleReconnect:
			m.scheduleReconnect(agentID)

		case EffectTeardown:
			// Handlers run under the client's handler lock and
			// RemoveEventHandlers takes the same lock exclusively, so
			// detaching from the delivering goroutine would deadlock.
			go m.teardown(agentID, client)

		case EffectNotify:
			n := e.Notify
			n.AgentID = agentID
			m.notify(agentID, n)
		}
	}
}

// scheduleReconnect arms the single automatic reconnect after a
// restart-required close.
func (m *Manager) scheduleReconnect(agentID string) {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok || sess.reconnectScheduled {
		m.mu.Unlock()
		return
	}
	sess.reconnectScheduled = true
	m.mu.Unlock()

	m.logger.Info("scheduling post-pairing reconnect",
		"agent_id", agentID, "delay", m.cfg.RestartDelay)

	time.AfterFunc(m.cfg.RestartDelay, func() {
		if m.ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		sess, ok := m.sessions[agentID]
		var client *whatsmeow.Client
		if ok {
			sess.reconnectScheduled = false
			sess.State = StateConnecting
			client = sess.client
		}
		m.mu.Unlock()

		if !ok || client == nil {
			return
		}
		if client.IsConnected() {
			client.Disconnect()
		}
		if err := m.connect(client); err != nil {
			m.logger.Warn("post-pairing reconnect failed", "agent_id", agentID, "error", err)
			m.dispatch(agentID, Event{Kind: EventClose, Close: CloseRetryable, Reason: ReasonConnectionLost})
		}
	})
}

// teardown detaches handlers before discarding the socket and removes the
// session from the registry. Detachment comes first so no handler can fire
// against the torn-down session.
func (m *Manager) teardown(agentID string, client *whatsmeow.Client) {
	if client != nil {
		client.RemoveEventHandlers()
		client.Disconnect()
	}
	m.removeSession(agentID)
}

func (m *Manager) removeSession(agentID string) {
	m.mu.Lock()
	delete(m.sessions, agentID)
	m.mu.Unlock()
}

func (m *Manager) registryPhoneConflict(agentID, phone string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, sess := range m.sessions {
		if id != agentID && sess.PhoneNumber == phone && sess.State == StateConnected {
			return id
		}
	}
	return ""
}

// ---------- Subscriptions ----------

// Subscribe registers a per-agent notification channel and returns an
// unsubscribe function. A QR still inside the stability window is replayed
// to the new subscriber so late joiners do not miss it.
func (m *Manager) Subscribe(agentID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 16)

	m.mu.Lock()
	m.subscribers[agentID] = append(m.subscribers[agentID], ch)
	if sess, ok := m.sessions[agentID]; ok {
		if sess.QRCode != "" && time.Since(sess.QRGeneratedAt) < m.cfg.QRWindow {
			select {
			case ch <- Notification{
				Type:      "qr",
				AgentID:   agentID,
				State:     sess.State,
				QRCode:    sess.QRCode,
				Timestamp: sess.QRGeneratedAt,
			}:
			default:
			}
		}
	}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[agentID]
		for i, sub := range subs {
			if sub == ch {
				m.subscribers[agentID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// notify fans a notification out to the agent's subscribers without
// blocking on slow consumers.
func (m *Manager) notify(agentID string, n Notification) {
	n.AgentID = agentID

	m.mu.RLock()
	subs := make([]chan Notification, len(m.subscribers[agentID]))
	copy(subs, m.subscribers[agentID])
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// ---------- Registry views ----------

// SessionSummary is a read-only view of one registry entry, for the health
// monitor.
type SessionSummary struct {
	AgentID      string
	State        State
	PhoneNumber  string
	CreatedAt    time.Time
	ConnectedAt  time.Time
	LastActivity time.Time
	QRAttempts   int
}

// Sessions returns a snapshot of all registry entries.
func (m *Manager) Sessions() []SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionSummary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, SessionSummary{
			AgentID:      sess.AgentID,
			State:        sess.State,
			PhoneNumber:  sess.PhoneNumber,
			CreatedAt:    sess.CreatedAt,
			ConnectedAt:  sess.ConnectedAt,
			LastActivity: sess.LastActivity,
			QRAttempts:   sess.QRAttempts,
		})
	}
	return out
}

// SweepStaleQR removes QR codes older than the stability window from the
// registry and the persisted store, so status pollers never receive a code
// that can no longer be scanned.
func (m *Manager) SweepStaleQR(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.QRWindow)

	m.mu.Lock()
	for _, sess := range m.sessions {
		if sess.QRCode != "" && sess.QRGeneratedAt.Before(cutoff) {
			sess.QRCode = ""
			sess.QRGeneratedAt = time.Time{}
		}
	}
	m.mu.Unlock()

	if err := m.persisted.ClearStaleQR(ctx, cutoff); err != nil {
		m.logger.Warn("stale QR sweep failed", "error", err)
	}
}

// tcpPreflight is the default reachability check: a bounded TCP dial to the
// protocol endpoint.
func tcpPreflight(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
