package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/docchat/logging"
	"github.com/docchat/docchat/protocol"
)

// DefaultFreezeThreshold is the number of accumulated content bytes after
// which status narration stops updating. Once the answer starts arriving the
// narration is frozen so text does not shuffle under the reply.
const DefaultFreezeThreshold = 1

// DefaultEventBuffer is the capacity of the controller event channel.
const DefaultEventBuffer = 256

// EventStream is one open turn's server-push channel. Next blocks until a
// frame arrives and returns io.EOF when the server closes the stream.
type EventStream interface {
	Next() (protocol.Event, error)
	Close() error
}

// Transport opens turn streams and submits resume decisions.
type Transport interface {
	OpenTurnStream(ctx context.Context, sessionID string, req protocol.TurnRequest) (EventStream, error)
	Resume(ctx context.Context, req protocol.ResumeRequest) (*protocol.ResumeResponse, error)
}

// Store persists conversation history. Status entries are never written.
type Store interface {
	LoadMessages(ctx context.Context, sessionID string) ([]Message, error)
	SaveMessage(ctx context.Context, sessionID string, msg Message) error
}

// turnState tracks everything scoped to a single turn. A fresh value is
// created by StartTurn and becomes inert once ended is set.
type turnState struct {
	seq        int
	userMsg    *Message
	openMsg    *Message
	startIndex int
	stream     EventStream

	// processedInterrupts holds signatures of interrupts already applied,
	// so a redelivered interrupt never duplicates tool calls. Checked and
	// recorded before any mutation.
	processedInterrupts map[string]bool

	// inflight marks tool call ids whose decision was submitted. The mark
	// is permanent within the turn even when the submission fails.
	inflight map[string]bool

	statusFrozen bool
	tokensUsed   int
	ended        bool
	cancelled    bool
}

// Controller drives one conversation session: it opens turn streams, folds
// server events into the message list, pauses on tool approvals, and emits
// render events. All exported methods are safe for concurrent use.
type Controller struct {
	transport Transport
	store     Store
	log       *zap.SugaredLogger

	freezeThreshold int
	now             func() time.Time

	mu        sync.Mutex
	sessionID string
	messages  []*Message
	phase     TurnPhase
	turn      *turnState
	turnSeq   int
	closed    bool

	events chan Event
	done   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore attaches a persistence layer. History is loaded on Attach and
// reconciled messages are written through.
func WithStore(s Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithFreezeThreshold overrides the content length at which status
// narration freezes.
func WithFreezeThreshold(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.freezeThreshold = n
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = log }
}

// WithEventBuffer overrides the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

// New creates a Controller over the given transport.
func New(transport Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:       transport,
		log:             logging.With("component", "session"),
		freezeThreshold: DefaultFreezeThreshold,
		now:             time.Now,
		phase:           PhaseIdle,
		events:          make(chan Event, DefaultEventBuffer),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach binds the controller to a session and loads its history from the
// store when one is configured. It may only be called between turns.
func (c *Controller) Attach(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if !c.phase.canStartTurn() {
		return ErrTurnInProgress
	}

	var history []*Message
	if c.store != nil {
		loaded, err := c.store.LoadMessages(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = make([]*Message, len(loaded))
		for i := range loaded {
			m := loaded[i]
			history[i] = &m
		}
	}

	c.sessionID = sessionID
	c.messages = history
	c.phase = PhaseIdle
	c.turn = nil
	return nil
}

// SessionID returns the attached session id, or empty when detached.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Events returns the controller event channel. Events are dropped, with a
// warning, if the consumer falls more than the buffer behind.
func (c *Controller) Events() <-chan Event { return c.events }

// Phase returns the current orchestrator phase.
func (c *Controller) Phase() TurnPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Messages returns a render-safe snapshot of the conversation, status
// entries included.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// StartTurn sends a user turn and begins consuming its event stream. It
// returns once the stream is open; events flow on Events() afterwards.
// Exactly one turn may run at a time.
func (c *Controller) StartTurn(ctx context.Context, req protocol.TurnRequest) error {
	if strings.TrimSpace(req.Content) == "" && len(req.PlanSteps) == 0 {
		return ErrEmptyTurn
	}
	if req.Mode == "" {
		req.Mode = protocol.TurnModeMessage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.sessionID == "" {
		c.mu.Unlock()
		return ErrNoSession
	}
	if !c.phase.canStartTurn() {
		c.mu.Unlock()
		return ErrTurnInProgress
	}

	// Narration from the previous turn is display-only and does not carry
	// into the next one.
	c.purgeStatuses()

	c.turnSeq++
	seq := c.turnSeq

	startIndex := len(c.messages)
	var userMsg *Message
	// Plan execution replays approved steps against the existing
	// conversation; only a fresh message adds a user entry.
	if req.Mode != protocol.TurnModePlan {
		userMsg = &Message{
			ID:        NewOptimisticID(),
			Role:      RoleUser,
			Content:   req.Content,
			CreatedAt: c.now(),
		}
		c.messages = append(c.messages, userMsg)
	}
	openMsg := &Message{
		ID:        NewOptimisticID(),
		Role:      RoleAssistant,
		CreatedAt: c.now(),
	}
	c.messages = append(c.messages, openMsg)

	c.turn = &turnState{
		seq:                 seq,
		userMsg:             userMsg,
		openMsg:             openMsg,
		startIndex:          startIndex,
		processedInterrupts: make(map[string]bool),
		inflight:            make(map[string]bool),
	}
	c.setPhase(PhaseSending, seq)
	sessionID := c.sessionID
	c.mu.Unlock()

	stream, err := c.transport.OpenTurnStream(ctx, sessionID, req)
	if err != nil {
		c.failTurn(seq, &TransportError{Cause: err})
		return &TransportError{Cause: err}
	}

	c.mu.Lock()
	if c.turn == nil || c.turn.seq != seq || c.turn.ended {
		// The turn was cancelled while the request was in flight.
		c.mu.Unlock()
		stream.Close()
		return nil
	}
	c.turn.stream = stream
	c.setPhase(PhaseStreaming, seq)
	c.mu.Unlock()

	go c.readLoop(stream, seq)
	return nil
}

// CancelTurn abandons the in-flight turn: the stream is released, event
// processing stops, and no synthetic events are emitted. Accumulated
// content is kept as-is.
func (c *Controller) CancelTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if c.turn == nil || c.turn.ended {
		return nil
	}
	c.turn.cancelled = true
	c.turn.ended = true
	if c.turn.stream != nil {
		c.turn.stream.Close()
	}
	c.phase = PhaseCompleted
	return nil
}

// Approve submits an approval for a pending tool call. Non-nil args replace
// the tool's recorded arguments. The tool status flips optimistically; a
// failed submission keeps the decision visible and returns ApprovalError.
func (c *Controller) Approve(ctx context.Context, toolCallID string, args map[string]interface{}) error {
	return c.decide(ctx, toolCallID, true, args)
}

// Reject submits a rejection for a pending tool call.
func (c *Controller) Reject(ctx context.Context, toolCallID string) error {
	return c.decide(ctx, toolCallID, false, nil)
}

func (c *Controller) decide(ctx context.Context, toolCallID string, approved bool, args map[string]interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.phase != PhaseInterrupted || c.turn == nil || c.turn.ended {
		c.mu.Unlock()
		return ErrNoPendingApproval
	}
	if c.turn.inflight[toolCallID] {
		c.mu.Unlock()
		return ErrApprovalInFlight
	}

	tc := c.turn.openMsg.findToolCall(toolCallID, "")
	if tc == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, toolCallID)
	}
	if tc.Status != protocol.ToolStatusAwaitingApproval {
		// No local decision was submitted; the agent moved the tool past
		// the approval gate on its own.
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNoPendingApproval, toolCallID, tc.Status)
	}

	// The in-flight mark and the status flip happen before the network
	// call and are never rolled back, so a retry of the same decision is
	// rejected locally instead of producing a second resume request.
	c.turn.inflight[toolCallID] = true
	if approved {
		tc.Status = protocol.ToolStatusApproved
		if args != nil {
			tc.Args = args
		}
	} else {
		tc.Status = protocol.ToolStatusRejected
	}
	seq := c.turn.seq
	sessionID := c.sessionID
	decisionArgs := tc.Args
	c.emit(ToolUpdateEvent{ToolCall: *tc, Turn: seq})
	c.mu.Unlock()

	req := protocol.ResumeRequest{
		SessionID: sessionID,
		Resume: protocol.ResumePayload{
			Approvals: map[string]protocol.ApprovalDecision{
				toolCallID: {Approved: approved, Args: decisionArgs},
			},
		},
	}
	resp, err := c.transport.Resume(ctx, req)
	if err == nil && resp != nil && !resp.Success {
		err = &ProtocolFailure{Message: resp.Error}
	}
	if err != nil {
		aerr := &ApprovalError{ToolCallID: toolCallID, Cause: err}
		c.emit(NoticeEvent{Err: aerr, Context: "submitting tool decision", Turn: seq})
		return aerr
	}

	// The awaiting count is taken fresh after the ack: the stream may have
	// opened another approval round while the resume call was in flight,
	// and that round must keep the turn interrupted.
	c.mu.Lock()
	if c.turn != nil && c.turn.seq == seq && !c.turn.ended && c.phase == PhaseInterrupted && c.awaitingApprovals() == 0 {
		c.setPhase(PhaseStreaming, seq)
	}
	c.mu.Unlock()
	return nil
}

// awaitingApprovals counts the open message's tool calls still waiting on a
// decision. Callers hold mu.
func (c *Controller) awaitingApprovals() int {
	n := 0
	for i := range c.turn.openMsg.ToolCalls {
		if c.turn.openMsg.ToolCalls[i].Status == protocol.ToolStatusAwaitingApproval {
			n++
		}
	}
	return n
}

// PendingApprovals returns the tool calls still waiting on a decision. A
// call is pending only while it awaits approval, has produced no result,
// and no later assistant content has arrived; once the agent has moved on,
// stale approval prompts are suppressed.
func (c *Controller) PendingApprovals() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return nil
	}

	var pending []ToolCall
	holderIdx := c.indexOf(c.turn.openMsg)
	for _, tc := range c.turn.openMsg.ToolCalls {
		if tc.Status != protocol.ToolStatusAwaitingApproval {
			continue
		}
		if len(tc.Result) > 0 {
			continue
		}
		if c.laterAssistantContent(holderIdx) {
			continue
		}
		pending = append(pending, *tc.clone())
	}
	return pending
}

// laterAssistantContent reports whether a non-status assistant message with
// content exists after index idx.
func (c *Controller) laterAssistantContent(idx int) bool {
	for i := idx + 1; i < len(c.messages); i++ {
		m := c.messages[i]
		if m.Role == RoleAssistant && !m.IsStatus() && m.Content != "" {
			return true
		}
	}
	return false
}

// Close shuts the controller down. Any in-flight turn is abandoned.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.turn != nil && !c.turn.ended {
		c.turn.ended = true
		c.turn.cancelled = true
		if c.turn.stream != nil {
			c.turn.stream.Close()
		}
	}
	close(c.done)
	return nil
}

// readLoop consumes one turn's stream until EOF, error, or cancellation.
func (c *Controller) readLoop(stream EventStream, seq int) {
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A stream that closes without a done frame is a
				// quiet completion, not a failure.
				c.finishTurn(seq, 0, true)
			} else {
				c.failTurn(seq, &TransportError{Cause: err})
			}
			return
		}
		if ev == nil {
			continue
		}
		if done := c.handleEvent(ev, seq); done {
			stream.Close()
			return
		}
	}
}

// handleEvent folds one protocol event into the conversation. It returns
// true when the turn reached a terminal phase.
func (c *Controller) handleEvent(ev protocol.Event, seq int) bool {
	switch e := ev.(type) {
	case protocol.TokenEvent:
		c.handleToken(e, seq)
	case protocol.UpdateEvent:
		c.handleUpdate(e, seq)
	case protocol.InterruptEvent:
		c.handleInterrupt(e, seq)
	case protocol.FinalEvent:
		c.handleFinal(e, seq)
	case protocol.DoneEvent:
		c.handleDone(e, seq)
		return true
	case protocol.ErrorEvent:
		c.failTurn(seq, &ProtocolFailure{Message: e.Message})
		return true
	case protocol.HeartbeatEvent:
		// Keepalive only. The transport's read deadline is refreshed by
		// the frame itself.
	case protocol.MessageSavedEvent:
		c.handleMessageSaved(e, seq)
	default:
		c.log.Warnw("unhandled stream event", "kind", ev.EventKind())
	}
	return false
}

// stale reports whether events for seq should be ignored. Callers hold mu.
func (c *Controller) stale(seq int) bool {
	return c.turn == nil || c.turn.seq != seq || c.turn.ended
}

func (c *Controller) handleToken(e protocol.TokenEvent, seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(seq) || e.Value == "" {
		return
	}
	msg := c.turn.openMsg
	msg.Content += e.Value
	if !c.turn.statusFrozen && len(msg.Content) >= c.freezeThreshold {
		c.turn.statusFrozen = true
	}
	c.emit(TextEvent{MessageID: msg.ID, Delta: e.Value, Content: msg.Content, Turn: seq})
}

func (c *Controller) handleUpdate(e protocol.UpdateEvent, seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(seq) {
		return
	}
	msg := c.turn.openMsg

	if e.AgentName != "" {
		msg.AgentName = e.AgentName
	}

	if e.IsTaskProgress() && !c.turn.statusFrozen {
		task := e.Task
		if task == "" {
			task = e.Status
		}
		text := e.Status
		if text == "" {
			text = e.Task
		}
		completed := e.IsCompleted != nil && *e.IsCompleted
		entry := c.upsertStatus(task, text, completed)
		c.emit(StatusEvent{
			MessageID: entry.ID,
			Task:      entry.StatusTask,
			Text:      entry.Content,
			Completed: entry.StatusDone,
			Turn:      seq,
		})
	}

	if e.Tool != nil {
		// An update can itself carry a single-tool approval request; it
		// shares the interrupt dedup set so a racing interrupt naming the
		// same call does not prompt twice.
		if e.Tool.Status == protocol.ToolStatusAwaitingApproval || e.Tool.RequiresApproval {
			c.registerApprovalRequest([]protocol.ToolCallPayload{*e.Tool}, seq)
		} else {
			c.mergeToolCall(msg, e.Tool, seq)
		}
	}
	for i := range e.ToolCalls {
		c.mergeToolCall(msg, &e.ToolCalls[i], seq)
	}

	if e.ResponseType == string(ResponsePlan) || len(e.Plan) > 0 {
		msg.ResponseType = ResponsePlan
		if len(e.Plan) > 0 {
			msg.Plan = e.Plan
		}
		if e.Clarification != "" {
			msg.Clarification = e.Clarification
		}
		c.emit(PlanEvent{Plan: msg.Plan, Clarification: msg.Clarification, Turn: seq})
	}
}

// toolStatusRank orders tool statuses so merges only move forward. A
// duplicate of the current state is absorbed without an event.
func toolStatusRank(status string) int {
	switch status {
	case "":
		return 0
	case protocol.ToolStatusAwaitingApproval:
		return 1
	case protocol.ToolStatusApproved, protocol.ToolStatusRejected:
		return 2
	case protocol.ToolStatusExecuting:
		return 3
	case protocol.ToolStatusCompleted, protocol.ToolStatusError:
		return 4
	default:
		return 1
	}
}

// mergeToolCall folds a tool payload into msg. Callers hold mu.
func (c *Controller) mergeToolCall(msg *Message, p *protocol.ToolCallPayload, seq int) {
	tc := msg.findToolCall(p.ID, p.Tool)
	if tc == nil {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:               p.ID,
			Tool:             p.Tool,
			Args:             p.Args,
			Status:           p.Status,
			RequiresApproval: p.RequiresApproval,
			Result:           p.Result,
			RawOutput:        p.RawOutput,
		})
		c.emit(ToolUpdateEvent{ToolCall: msg.ToolCalls[len(msg.ToolCalls)-1], Turn: seq})
		return
	}

	changed := false
	if p.Status != "" && toolStatusRank(p.Status) > toolStatusRank(tc.Status) {
		tc.Status = p.Status
		changed = true
	}
	if p.Args != nil && tc.Args == nil {
		tc.Args = p.Args
		changed = true
	}
	if len(p.Result) > 0 {
		tc.Result = p.Result
		changed = true
	}
	if len(p.RawOutput) > 0 {
		tc.RawOutput = p.RawOutput
		changed = true
	}
	if p.RequiresApproval && !tc.RequiresApproval {
		tc.RequiresApproval = true
		changed = true
	}
	if changed {
		c.emit(ToolUpdateEvent{ToolCall: *tc, Turn: seq})
	}
}

// interruptSignature identifies an interrupt by its sorted tool call ids,
// so a redelivery of the same approval request is recognized regardless of
// payload shape or ordering.
func interruptSignature(tools []protocol.ToolCallPayload) string {
	ids := make([]string, 0, len(tools))
	for _, t := range tools {
		id := t.ID
		if id == "" {
			id = t.Tool
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func (c *Controller) handleInterrupt(e protocol.InterruptEvent, seq int) {
	req, err := protocol.NormalizeInterrupt(e.Payload)
	if err != nil {
		c.log.Warnw("malformed interrupt payload", "error", err)
		c.emit(NoticeEvent{Err: err, Context: "parsing approval request", Turn: seq})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(seq) {
		return
	}
	c.registerApprovalRequest(req.Tools, seq)
}

// registerApprovalRequest applies one approval request batch: dedup by
// signature first, then merge tool calls and pause the turn. The signature
// check precedes any mutation so a duplicate can never partially apply.
// Callers hold mu.
func (c *Controller) registerApprovalRequest(tools []protocol.ToolCallPayload, seq int) {
	sig := interruptSignature(tools)
	if c.turn.processedInterrupts[sig] {
		return
	}
	c.turn.processedInterrupts[sig] = true

	msg := c.turn.openMsg
	var requested []ToolCall
	for i := range tools {
		p := tools[i]
		p.Status = protocol.ToolStatusAwaitingApproval
		p.RequiresApproval = true
		c.mergeToolCall(msg, &p, seq)
		if tc := msg.findToolCall(p.ID, p.Tool); tc != nil {
			requested = append(requested, *tc.clone())
		}
	}

	c.setPhase(PhaseInterrupted, seq)
	c.emit(ApprovalRequiredEvent{ToolCalls: requested, Turn: seq})
}

func (c *Controller) handleFinal(e protocol.FinalEvent, seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(seq) {
		return
	}
	msg := c.turn.openMsg
	// The post-approval reply is authoritative: it replaces whatever
	// streamed before the pause.
	if e.Reply != "" {
		msg.Content = e.Reply
		c.turn.statusFrozen = true
		c.emit(TextEvent{MessageID: msg.ID, Delta: e.Reply, Content: msg.Content, Turn: seq})
	}
}

func (c *Controller) handleDone(e protocol.DoneEvent, seq int) {
	c.mu.Lock()
	if c.stale(seq) {
		c.mu.Unlock()
		return
	}
	msg := c.turn.openMsg
	msg.TokensUsed = e.TokensUsed
	if e.Agent != "" {
		msg.AgentName = e.Agent
	}
	if len(e.RawToolOutputs) > 0 {
		msg.RawToolOutputs = e.RawToolOutputs
	}
	if e.ContextUsage != nil {
		usage := *e.ContextUsage
		msg.ContextUsage = &usage
	}
	c.turn.tokensUsed = e.TokensUsed
	c.mu.Unlock()

	c.finishTurn(seq, e.TokensUsed, false)
}

func (c *Controller) handleMessageSaved(e protocol.MessageSavedEvent, seq int) {
	c.mu.Lock()
	if c.stale(seq) {
		c.mu.Unlock()
		return
	}

	role := Role(e.Role)
	var target *Message
	for i := len(c.messages) - 1; i >= c.turn.startIndex; i-- {
		m := c.messages[i]
		if m.Role == role && m.ID.Kind == IDOptimisticContent {
			target = m
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		c.log.Warnw("message_saved with no optimistic message to reconcile",
			"role", e.Role, "dbId", e.DBID)
		return
	}

	old := target.ID
	target.ID = PersistedID(e.DBID)
	c.emit(MessageSavedEvent{Old: old, New: target.ID, Role: role, Turn: seq})

	// The open assistant message keeps accumulating tokens and usage fields
	// after this frame; its write-through waits until the turn ends. Anything
	// else, in practice the user message, is already complete.
	var saved Message
	persist := c.store != nil && !target.IsStatus() && target != c.turn.openMsg
	if persist {
		saved = cloneMessage(target)
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if persist {
		c.saveMessages(sessionID, []Message{saved})
	}
}

// finishTurn completes the turn. quiet marks an EOF without a done frame.
func (c *Controller) finishTurn(seq int, tokensUsed int, quiet bool) {
	c.mu.Lock()
	if c.stale(seq) || c.turn.cancelled {
		c.mu.Unlock()
		return
	}
	c.turn.ended = true
	if quiet {
		tokensUsed = c.turn.tokensUsed
	}
	c.sweepStatuses()
	c.dropEmptyOpenMessage()
	c.setPhase(PhaseCompleted, seq)
	c.emit(TurnCompleteEvent{Phase: PhaseCompleted, TokensUsed: tokensUsed, Turn: seq})
	saves := c.turnConfirmedClones()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.saveMessages(sessionID, saves)
}

// failTurn ends the turn in the failed phase. Accumulated content stays in
// the message list so partial answers survive a dropped connection.
func (c *Controller) failTurn(seq int, cause error) {
	c.mu.Lock()
	if c.stale(seq) || c.turn.cancelled {
		c.mu.Unlock()
		return
	}
	c.turn.ended = true
	if c.turn.stream != nil {
		c.turn.stream.Close()
	}
	c.sweepStatuses()
	c.dropEmptyOpenMessage()
	c.setPhase(PhaseFailed, seq)
	c.emit(TurnCompleteEvent{Err: cause, Phase: PhaseFailed, TokensUsed: c.turn.tokensUsed, Turn: seq})
	saves := c.turnConfirmedClones()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.saveMessages(sessionID, saves)
}

// turnConfirmedClones snapshots the turn's server-confirmed messages for a
// final write-through. Run at turn end so the assistant record carries the
// full content, usage, and tool results rather than a mid-stream prefix.
// Callers hold mu.
func (c *Controller) turnConfirmedClones() []Message {
	if c.store == nil || c.turn == nil {
		return nil
	}
	var out []Message
	for i := c.turn.startIndex; i < len(c.messages); i++ {
		m := c.messages[i]
		if m.IsStatus() || m.ID.Kind != IDPersisted {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	return out
}

func (c *Controller) saveMessages(sessionID string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, m := range msgs {
		if err := c.store.SaveMessage(ctx, sessionID, m); err != nil {
			c.log.Warnw("persisting message", "error", err, "id", m.ID.String())
		}
	}
}

// dropEmptyOpenMessage removes the open assistant message when the turn
// ended before it accumulated anything worth showing. Callers hold mu.
func (c *Controller) dropEmptyOpenMessage() {
	if c.turn == nil || c.turn.openMsg == nil {
		return
	}
	m := c.turn.openMsg
	if m.Content != "" || len(m.ToolCalls) > 0 || len(m.Plan) > 0 || m.Clarification != "" {
		return
	}
	idx := c.indexOf(m)
	if idx < 0 {
		return
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
}

// setPhase transitions the orchestrator phase. Callers hold mu.
func (c *Controller) setPhase(to TurnPhase, seq int) {
	if c.phase == to {
		return
	}
	from := c.phase
	c.phase = to
	c.emit(PhaseChangeEvent{From: from, To: to, Turn: seq})
}

// indexOf returns the position of m in the message list, or -1.
func (c *Controller) indexOf(m *Message) int {
	for i := range c.messages {
		if c.messages[i] == m {
			return i
		}
	}
	return -1
}

// emit delivers an event without blocking. Handlers run under mu, so a
// blocking send could deadlock against a consumer calling Messages.
func (c *Controller) emit(ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.log.Warnw("event channel full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}
