// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package router owns the per-user conversation state machine. Every
// inbound transport event is enqueued onto a per-user worker: events
// for different users run concurrently, one user's events process
// strictly in arrival order. Sessions move
// awaiting-department → active and are destroyed on session end or
// after a TTL of inactivity.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foyer-project/foyer/department"
	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/ref"
	"github.com/foyer-project/foyer/messaging"
	"github.com/foyer-project/foyer/provision"
	"github.com/foyer-project/foyer/relay"
	"github.com/foyer-project/foyer/store"
	"github.com/foyer-project/foyer/transport"
)

// DefaultSessionTTL is how long an idle session survives before the
// janitor destroys it.
const DefaultSessionTTL = 24 * time.Hour

// workerQueueSize bounds the per-user event queue. A full queue blocks
// the transport's enqueue, backpressuring the poll loop.
const workerQueueSize = 64

// Outbound is the transport surface the router speaks back through.
type Outbound interface {
	// SendText delivers plain text to the external user.
	SendText(ctx context.Context, externalUserID, text string) error

	// SendDepartmentMenu delivers text plus a department selection
	// prompt (inline keyboard on Telegram).
	SendDepartmentMenu(ctx context.Context, externalUserID, text string, departments []department.Department) error
}

// Provisioner creates conversation rooms. *provision.Provisioner
// satisfies this.
type Provisioner interface {
	Provision(ctx context.Context, conv provision.Conversation, dept department.Department) (*provision.Result, error)
}

// MessageRelay delivers messages into conversation rooms.
// *relay.Relay satisfies this.
type MessageRelay interface {
	Deliver(ctx context.Context, departmentID string, roomID ref.RoomID, author relay.Author, text string) error
	DeliverNotice(ctx context.Context, departmentID string, roomID ref.RoomID, text string) error
}

// State is a session's position in the conversation state machine.
type State string

const (
	// StateAwaitingDepartment means the user has been greeted and a
	// department selection is pending. No room exists yet.
	StateAwaitingDepartment State = "awaiting-department"

	// StateActive means a department is selected and messages relay
	// into its room.
	StateActive State = "active"
)

// session is one external user's conversation. Owned exclusively by
// that user's worker; the router only reads it under mu for the
// janitor's expiry snapshot.
type session struct {
	user               transport.User
	state              State
	conversationID     string
	selectedDepartment string
	activeRoom         ref.RoomID

	// rooms maps department ID to its provisioned room. A department
	// switch provisions a second room; re-selection reuses.
	rooms map[string]ref.RoomID

	createdAt    time.Time
	lastActivity time.Time
}

// Config holds the parameters for creating a Router.
type Config struct {
	// Registry is the immutable department set.
	Registry *department.Registry

	// Provisioner creates conversation rooms on department selection.
	Provisioner Provisioner

	// Relay delivers user messages into conversation rooms.
	Relay MessageRelay

	// Outbound speaks back to the external user.
	Outbound Outbound

	// Store persists conversation records. May be nil; persistence is
	// then disabled.
	Store *store.Store

	// SessionTTL is the idle time after which a session is destroyed.
	// Defaults to DefaultSessionTTL if zero.
	SessionTTL time.Duration

	// Logger for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock provides time for activity stamps and the janitor. If
	// nil, the real clock is used.
	Clock clock.Clock
}

// Router implements transport.Inbound. Safe for concurrent use.
type Router struct {
	registry    *department.Registry
	provisioner Provisioner
	relay       MessageRelay
	outbound    Outbound
	store       *store.Store
	sessionTTL  time.Duration
	logger      *slog.Logger
	clock       clock.Clock

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*session
	workers   map[string]*worker
	roomOwner map[ref.RoomID]string
}

type worker struct {
	queue chan func(context.Context)
}

var _ transport.Inbound = (*Router)(nil)

// New creates a Router and starts its expiry janitor. Call Close to
// stop the workers and the janitor.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router: Registry is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("router: Provisioner is required")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("router: Relay is required")
	}
	if cfg.Outbound == nil {
		return nil, fmt.Errorf("router: Outbound is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	router := &Router{
		registry:    cfg.Registry,
		provisioner: cfg.Provisioner,
		relay:       cfg.Relay,
		outbound:    cfg.Outbound,
		store:       cfg.Store,
		sessionTTL:  sessionTTL,
		logger:      logger,
		clock:       clk,
		rootCtx:     rootCtx,
		cancel:      cancel,
		sessions:    make(map[string]*session),
		workers:     make(map[string]*worker),
		roomOwner:   make(map[ref.RoomID]string),
	}

	// Register the ticker before the goroutine starts, so a clock
	// advanced as soon as New returns still drives the janitor.
	interval := sessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := clk.NewTicker(interval)

	router.wg.Add(1)
	go router.runJanitor(ticker)

	return router, nil
}

// Close stops the janitor and all workers. In-flight handlers see
// their context canceled; queued events are discarded.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Restore rehydrates sessions from persisted records, typically the
// result of store.LoadAll at startup. Records are expected in
// creation order; the most recent department for a user becomes the
// active one. Must be called before the transport starts.
func (r *Router) Restore(records []store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	for _, record := range records {
		sess, ok := r.sessions[record.ExternalUserID]
		if !ok {
			sess = &session{
				user: transport.User{
					ID:          record.ExternalUserID,
					DisplayName: record.DisplayName,
					Handle:      record.Handle,
				},
				state:          StateActive,
				conversationID: record.ConversationID,
				rooms:          make(map[string]ref.RoomID),
				createdAt:      record.CreatedAt,
				lastActivity:   now,
			}
			r.sessions[record.ExternalUserID] = sess
		}
		sess.rooms[record.Department] = record.RoomID
		sess.selectedDepartment = record.Department
		sess.activeRoom = record.RoomID
		r.roomOwner[record.RoomID] = record.ExternalUserID
	}

	if len(records) > 0 {
		r.logger.Info("restored sessions from store",
			"records", len(records),
			"sessions", len(r.sessions),
		)
	}
}

// OnStart greets the user and presents the department menu.
func (r *Router) OnStart(ctx context.Context, user transport.User) {
	r.dispatch(ctx, user.ID, func(ctx context.Context) {
		r.handleStart(ctx, user)
	})
}

// OnDepartmentChosen routes a department selection.
func (r *Router) OnDepartmentChosen(ctx context.Context, user transport.User, departmentID string) {
	r.dispatch(ctx, user.ID, func(ctx context.Context) {
		r.handleDepartmentChosen(ctx, user, departmentID)
	})
}

// OnText relays a free-text message, or prompts for department
// selection when no room is active yet.
func (r *Router) OnText(ctx context.Context, user transport.User, text string) {
	r.dispatch(ctx, user.ID, func(ctx context.Context) {
		r.handleText(ctx, user, text)
	})
}

// OnSessionEnd destroys the user's session immediately.
func (r *Router) OnSessionEnd(ctx context.Context, userID string) {
	r.dispatch(ctx, userID, func(ctx context.Context) {
		r.destroySession(ctx, userID, "session end")
	})
}

// HandleMatrixEvent forwards a staff message from a conversation room
// to the owning external user. Wire this as the handler of each
// department's event stream. Events for unknown rooms, notices, and
// messages from department bot identities are ignored.
func (r *Router) HandleMatrixEvent(event messaging.Event) {
	r.mu.Lock()
	userID, owned := r.roomOwner[event.RoomID]
	r.mu.Unlock()
	if !owned {
		return
	}
	if r.isDepartmentBot(event.Sender) {
		return
	}
	if msgType, _ := event.Content["msgtype"].(string); msgType == "m.notice" {
		return
	}
	body, _ := event.Content["body"].(string)
	if body == "" {
		return
	}

	r.dispatch(r.rootCtx, userID, func(ctx context.Context) {
		r.mu.Lock()
		sess, ok := r.sessions[userID]
		r.mu.Unlock()
		if !ok {
			// Session destroyed while the event was queued.
			return
		}
		r.touch(sess)
		text := fmt.Sprintf("%s: %s", event.Sender.Localpart(), body)
		if err := r.outbound.SendText(ctx, userID, text); err != nil {
			r.logger.Warn("failed to forward staff message",
				"external_user_id", userID,
				"room_id", event.RoomID,
				"error", err,
			)
		}
	})
}

// dispatch enqueues fn onto the user's worker, creating the worker on
// first use. Workers live until Close; an idle worker blocks cheaply
// on its queue. The handler runs on the router's root context, so a
// transport disconnect never cancels in-flight provisioning.
func (r *Router) dispatch(ctx context.Context, userID string, fn func(context.Context)) {
	r.mu.Lock()
	w, ok := r.workers[userID]
	if !ok {
		w = &worker{queue: make(chan func(context.Context), workerQueueSize)}
		r.workers[userID] = w
		r.wg.Add(1)
		go r.runWorker(w)
	}
	r.mu.Unlock()

	select {
	case w.queue <- fn:
	case <-ctx.Done():
	case <-r.rootCtx.Done():
	}
}

func (r *Router) runWorker(w *worker) {
	defer r.wg.Done()
	for {
		select {
		case fn := <-w.queue:
			fn(r.rootCtx)
		case <-r.rootCtx.Done():
			return
		}
	}
}

// touch stamps the session's last activity. Takes mu because the
// janitor reads the stamp from outside the owning worker.
func (r *Router) touch(sess *session) {
	r.mu.Lock()
	sess.lastActivity = r.clock.Now()
	r.mu.Unlock()
}

// ensureSession returns the user's session, creating an
// awaiting-department one on first contact.
func (r *Router) ensureSession(user transport.User) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[user.ID]; ok {
		// Names can change between contacts; keep the latest.
		sess.user = user
		return sess
	}
	now := r.clock.Now()
	sess := &session{
		user:           user,
		state:          StateAwaitingDepartment,
		conversationID: uuid.NewString()[:8],
		rooms:          make(map[string]ref.RoomID),
		createdAt:      now,
		lastActivity:   now,
	}
	r.sessions[user.ID] = sess
	return sess
}

func (r *Router) handleStart(ctx context.Context, user transport.User) {
	sess := r.ensureSession(user)
	r.touch(sess)

	name := user.DisplayName
	if name == "" {
		name = "there"
	}
	welcome := fmt.Sprintf(
		"👋 Welcome %s!\n\nI'm your support bot. Please select the department you'd like to contact:",
		name,
	)
	if err := r.outbound.SendDepartmentMenu(ctx, user.ID, welcome, r.registry.All()); err != nil {
		r.logger.Warn("failed to send department menu",
			"external_user_id", user.ID,
			"error", err,
		)
	}
}

func (r *Router) handleDepartmentChosen(ctx context.Context, user transport.User, departmentID string) {
	sess := r.ensureSession(user)
	r.touch(sess)

	dept, found := r.registry.Lookup(departmentID)
	if !found {
		// Routine miss driven by user input: reply and stay put,
		// no remote calls, no state change.
		r.sendText(ctx, user.ID, "❌ Department not found. Please try again.")
		return
	}

	conv := provision.Conversation{
		ConversationID: sess.conversationID,
		ExternalUserID: user.ID,
		DisplayName:    user.DisplayName,
		Handle:         user.Handle,
		ExistingRoomID: sess.rooms[dept.ID],
	}
	result, err := r.provisioner.Provision(ctx, conv, dept)
	if err != nil {
		r.logger.Error("provisioning failed",
			"external_user_id", user.ID,
			"department", dept.ID,
			"conversation_id", sess.conversationID,
			"error", err,
		)
		r.sendText(ctx, user.ID, "❌ Sorry, I couldn't connect you to that department. Please try again later.")
		return
	}

	sess.rooms[dept.ID] = result.RoomID
	sess.selectedDepartment = dept.ID
	sess.activeRoom = result.RoomID
	sess.state = StateActive

	r.mu.Lock()
	r.roomOwner[result.RoomID] = user.ID
	r.mu.Unlock()

	if result.Created {
		r.sendIntroduction(ctx, sess, dept, result.RoomID)
		r.persist(ctx, sess, dept, result.RoomID)
	}

	r.sendText(ctx, user.ID, confirmationMessage(dept))
}

func (r *Router) handleText(ctx context.Context, user transport.User, text string) {
	sess := r.ensureSession(user)
	r.touch(sess)

	if sess.state != StateActive {
		// Guard: never drop a message into a room that does not
		// exist yet.
		prompt := "Please select a department before sending your message:"
		if err := r.outbound.SendDepartmentMenu(ctx, user.ID, prompt, r.registry.All()); err != nil {
			r.logger.Warn("failed to send department menu",
				"external_user_id", user.ID,
				"error", err,
			)
		}
		return
	}

	author := relay.Author{DisplayName: user.DisplayName, Handle: user.Handle}
	if err := r.relay.Deliver(ctx, sess.selectedDepartment, sess.activeRoom, author, text); err != nil {
		r.logger.Error("relay failed",
			"external_user_id", user.ID,
			"room_id", sess.activeRoom,
			"department", sess.selectedDepartment,
			"error", err,
		)
		r.sendText(ctx, user.ID, "❌ Sorry, your message could not be delivered. Please try again.")
	}
}

// sendIntroduction posts the synthetic conversation-start notice so
// staff see metadata before the user's first real message.
func (r *Router) sendIntroduction(ctx context.Context, sess *session, dept department.Department, roomID ref.RoomID) {
	handle := sess.user.Handle
	if handle == "" {
		handle = sess.user.ID
	}
	notice := fmt.Sprintf("New Telegram conversation started with user %s (@%s)", sess.user.DisplayName, handle)
	if err := r.relay.DeliverNotice(ctx, dept.ID, roomID, notice); err != nil {
		r.logger.Warn("failed to send introduction notice",
			"room_id", roomID,
			"department", dept.ID,
			"error", err,
		)
	}
}

func (r *Router) persist(ctx context.Context, sess *session, dept department.Department, roomID ref.RoomID) {
	err := r.store.Save(ctx, store.Record{
		ExternalUserID: sess.user.ID,
		DisplayName:    sess.user.DisplayName,
		Handle:         sess.user.Handle,
		ConversationID: sess.conversationID,
		Department:     dept.ID,
		RoomID:         roomID,
		CreatedAt:      r.clock.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to persist conversation record",
			"external_user_id", sess.user.ID,
			"department", dept.ID,
			"error", err,
		)
	}
}

func (r *Router) destroySession(ctx context.Context, userID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
		for _, roomID := range sess.rooms {
			delete(r.roomOwner, roomID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.store.Delete(ctx, userID); err != nil {
		r.logger.Warn("failed to delete persisted conversations",
			"external_user_id", userID,
			"error", err,
		)
	}
	r.logger.Info("session destroyed",
		"external_user_id", userID,
		"conversation_id", sess.conversationID,
		"reason", reason,
	)
}

// runJanitor periodically destroys sessions idle longer than the TTL.
// Destruction goes through the session's own worker so it serializes
// with in-flight events for that user.
func (r *Router) runJanitor(ticker *clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, userID := range r.expiredSessions() {
				r.dispatch(r.rootCtx, userID, func(ctx context.Context) {
					if !r.sessionExpired(userID) {
						// Activity arrived after the snapshot.
						return
					}
					r.destroySession(ctx, userID, "idle timeout")
				})
			}
		case <-r.rootCtx.Done():
			return
		}
	}
}

func (r *Router) expiredSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-r.sessionTTL)
	var expired []string
	for userID, sess := range r.sessions {
		if sess.lastActivity.Before(cutoff) {
			expired = append(expired, userID)
		}
	}
	return expired
}

func (r *Router) sessionExpired(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return false
	}
	return sess.lastActivity.Before(r.clock.Now().Add(-r.sessionTTL))
}

func (r *Router) isDepartmentBot(sender ref.UserID) bool {
	for _, dept := range r.registry.All() {
		if dept.BotUserID == sender {
			return true
		}
	}
	return false
}

func (r *Router) sendText(ctx context.Context, userID, text string) {
	if err := r.outbound.SendText(ctx, userID, text); err != nil {
		r.logger.Warn("failed to send message to user",
			"external_user_id", userID,
			"error", err,
		)
	}
}

func confirmationMessage(dept department.Department) string {
	connected := "✅ Connected to **" + dept.DisplayName + "**"
	if dept.Icon != "" {
		connected = "✅ Connected to " + dept.Icon + " **" + dept.DisplayName + "**"
	}
	message := connected + "\n\n"
	if dept.Description != "" {
		message += dept.Description + "\n\n"
	}
	return message + "You can now send your message and our team will respond shortly!"
}
