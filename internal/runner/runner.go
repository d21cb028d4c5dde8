// Package runner hosts the per-agent LLM loop: triggers become turns,
// turns stream canonical events, tool_use blocks fan out to the
// executor, and completed turns persist back to the session store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robman/flohub/internal/state"
	"github.com/robman/flohub/internal/store"
	"github.com/robman/flohub/internal/stream"
	"github.com/robman/flohub/internal/tools"
	"github.com/robman/flohub/pkg/models"
)

// Defaults for the runner's tunables.
const (
	defaultContextTurns = 20
	defaultQueueSize    = 64
	maxProviderRetries  = 2
	retryBaseDelay      = 250 * time.Millisecond
)

// ErrStopped is returned when posting to a closed runner.
var ErrStopped = errors.New("runner: stopped")

// trigger is one queued wake-up.
type trigger struct {
	role models.Role
	text string
}

// Runner owns one agent's live session. All mutations of the session
// flow through the runner's queue; collaborators interact by posting
// messages and signals.
type Runner struct {
	agentID  string
	provider Provider
	executor *tools.Executor
	store    *store.SessionStore
	state    *state.Store
	sink     EventSink
	logger   *slog.Logger

	contextTurns int
	costPerToken float64

	mu           sync.Mutex
	session      *models.SerializedSession
	agentState   models.AgentState
	totalTokens  int
	totalCost    float64
	turnCancel   context.CancelFunc
	interveneCh  chan struct{} // non-nil while an intervention holds the loop
	notification string        // injected as a system message next turn
	closed       bool

	queue chan trigger
	done  chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithContextTurns sets how many recent turns ride in full in the
// request window; earlier turns are summarized tersely.
func WithContextTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.contextTurns = n
		}
	}
}

// WithCostPerToken sets the flat cost model used for budget tracking.
func WithCostPerToken(c float64) Option {
	return func(r *Runner) { r.costPerToken = c }
}

// New builds a runner around a loaded session and starts its loop.
func New(session *models.SerializedSession, provider Provider, executor *tools.Executor, sessions *store.SessionStore, st *state.Store, sink EventSink, opts ...Option) *Runner {
	r := &Runner{
		agentID:      session.AgentID,
		provider:     provider,
		executor:     executor,
		store:        sessions,
		state:        st,
		sink:         sink,
		logger:       slog.Default().With("component", "runner", "agent", session.AgentID),
		contextTurns: defaultContextTurns,
		session:      session,
		agentState:   models.AgentIdle,
		totalTokens:  session.Metadata.TotalTokens,
		totalCost:    session.Metadata.TotalCostUSD,
		queue:        make(chan trigger, defaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// AgentID returns the runner's agent id.
func (r *Runner) AgentID() string { return r.agentID }

// State returns the current lifecycle state.
func (r *Runner) State() models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentState
}

// Totals returns cumulative token and cost counters.
func (r *Runner) Totals() (int, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalTokens, r.totalCost
}

// Messages returns a snapshot of the conversation; wired into the
// context_search tool.
func (r *Runner) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.session.Conversation))
	copy(out, r.session.Conversation)
	return out
}

// PostUserMessage queues a user message, waking the agent.
func (r *Runner) PostUserMessage(text string) error {
	return r.post(trigger{role: models.RoleUser, text: text})
}

// PostScheduledMessage queues a scheduler-fired synthetic user message.
func (r *Runner) PostScheduledMessage(scheduleID, message string) error {
	return r.post(trigger{role: models.RoleUser, text: message})
}

func (r *Runner) post(t trigger) error {
	// The send stays under the lock so Close cannot shut the queue
	// between the check and the send.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStopped
	}
	select {
	case r.queue <- t:
		return nil
	default:
		return errors.New("runner: queue full")
	}
}

// Stop cancels the in-flight turn. The provider stream read is
// interrupted; running tools finish but their results are discarded.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.turnCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// InterveneStart blocks the next provider request until InterveneEnd.
func (r *Runner) InterveneStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interveneCh == nil {
		r.interveneCh = make(chan struct{})
		r.setStateLocked(models.AgentPaused)
	}
}

// InterveneEnd releases the loop and injects the notification as a
// synthetic system message for the next turn.
func (r *Runner) InterveneEnd(notification string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interveneCh == nil {
		return
	}
	close(r.interveneCh)
	r.interveneCh = nil
	if notification != "" {
		r.notification = notification
	}
}

// Close stops the loop, persisting the session on the way out.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.setStateLocked(models.AgentStopping)
	cancel := r.turnCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(r.queue)
	<-r.done

	r.mu.Lock()
	r.setStateLocked(models.AgentStopped)
	r.mu.Unlock()
	r.persist(models.AgentStopped)
}

// loop drains the trigger queue, running one turn per batch.
func (r *Runner) loop() {
	defer close(r.done)
	for t, ok := <-r.queue; ok; t, ok = <-r.queue {
		batch := []trigger{t}
		// Coalesce triggers that arrived while idle into one turn.
	drain:
		for {
			select {
			case extra, more := <-r.queue:
				if !more {
					break drain
				}
				batch = append(batch, extra)
			default:
				break drain
			}
		}
		r.runTurn(batch)
	}
}

// runTurn executes the full loop for one turn: request, stream, tools,
// resume, persist.
func (r *Runner) runTurn(batch []trigger) {
	if !r.checkBudget() {
		return
	}

	turnID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	r.turnCancel = cancel
	for _, t := range batch {
		r.session.Conversation = append(r.session.Conversation, models.Message{
			Role:    t.role,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: t.text}},
			TurnID:  turnID,
		})
	}
	r.setStateLocked(models.AgentRunning)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.turnCancel = nil
		r.mu.Unlock()
	}()

	for {
		if err := r.waitIntervene(ctx); err != nil {
			r.abortTurn(turnID, "turn canceled")
			return
		}
		r.consumeNotification(turnID)

		acc, err := r.streamOnce(ctx, turnID)
		if err != nil {
			if ctx.Err() != nil {
				r.abortTurn(turnID, "turn stopped")
				return
			}
			r.sink.AgentEvent(Event{
				Type: EventError, HubAgentID: r.agentID, TurnID: turnID,
				Message: err.Error(),
			})
			r.setState(models.AgentError)
			r.setState(models.AgentIdle)
			return
		}

		r.mu.Lock()
		r.session.Conversation = append(r.session.Conversation, models.Message{
			Role:    models.RoleAssistant,
			Content: acc.Blocks(),
			TurnID:  turnID,
		})
		r.totalTokens += acc.InputTokens + acc.OutputTokens
		r.totalCost += float64(acc.InputTokens+acc.OutputTokens) * r.costPerToken
		r.mu.Unlock()

		if acc.StopReason != stream.StopToolUse {
			break
		}

		results := r.executeTools(ctx, acc.ToolUses())
		if ctx.Err() != nil {
			// Stopped mid-execution: tools were awaited for cleanup,
			// but their results are dropped.
			r.abortTurn(turnID, "turn stopped")
			return
		}

		r.mu.Lock()
		r.setStateLocked(models.AgentRunning)
		r.session.Conversation = append(r.session.Conversation, models.Message{
			Role:    models.RoleUser,
			Content: results,
			TurnID:  turnID,
		})
		r.mu.Unlock()
	}

	r.completeTurn(turnID)
}

// consumeNotification folds a pending intervention note into the
// conversation as a system message so the next provider request sees it.
func (r *Runner) consumeNotification(turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notification == "" {
		return
	}
	note := r.notification
	r.notification = ""
	r.session.Conversation = append(r.session.Conversation, models.Message{
		Role:    models.RoleSystem,
		Content: []models.ContentBlock{{Type: models.BlockText, Text: note}},
		TurnID:  turnID,
	})
}

// waitIntervene blocks while an intervention holds the loop.
func (r *Runner) waitIntervene(ctx context.Context) error {
	for {
		r.mu.Lock()
		ch := r.interveneCh
		r.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamOnce sends the request and folds the stream into blocks. Only
// transient network faults are retried; an upstream status error or any
// other definitive failure aborts the turn on the first attempt.
func (r *Runner) streamOnce(ctx context.Context, turnID string) (*stream.Accumulator, error) {
	req := r.buildRequest()

	var lastErr error
	for attempt := 0; attempt <= maxProviderRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		acc := stream.NewAccumulator()
		err := r.provider.Stream(ctx, req, func(ev stream.Event) error {
			acc.Feed(ev)
			if ev.Type == stream.EventContentBlockDelta && ev.TextDelta != "" {
				r.sink.AgentEvent(Event{
					Type: EventTextDelta, HubAgentID: r.agentID, TurnID: turnID,
					Text: ev.TextDelta,
				})
			}
			return nil
		})
		if err == nil {
			return acc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !isTransient(err) {
			return nil, err
		}
		r.logger.Warn("provider stream failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("provider failed after %d attempts: %w", maxProviderRetries+1, lastErr)
}

// isTransient classifies a provider failure: network faults (connection
// resets, timeouts, streams cut mid-body) are retryable; everything the
// upstream actually answered is not.
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// buildRequest assembles the context window: a terse summary of older
// turns plus the most recent turns in full.
func (r *Runner) buildRequest() ProviderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, summarized := contextWindow(r.session.Conversation, r.contextTurns)
	messages := make([]models.Message, 0, len(window)+1)
	if summarized > 0 {
		messages = append(messages, models.TextMessage(models.RoleSystem,
			fmt.Sprintf("[context: %d earlier messages summarized out of the window]", summarized)))
	}
	messages = append(messages, window...)

	return ProviderRequest{
		Model:     r.session.Config.Model,
		System:    r.session.Config.SystemPrompt,
		MaxTokens: r.session.Config.MaxTokens,
		Messages:  messages,
		Tools:     r.executor.Registry().Definitions(),
	}
}

// contextWindow keeps the last maxTurns turns in full and reports how
// many earlier messages fell out.
func contextWindow(conversation []models.Message, maxTurns int) ([]models.Message, int) {
	if len(conversation) == 0 {
		return nil, 0
	}
	turns := 0
	lastTurn := ""
	cut := 0
	for i := len(conversation) - 1; i >= 0; i-- {
		id := conversation[i].TurnID
		if id != lastTurn {
			turns++
			lastTurn = id
			if turns > maxTurns {
				cut = i + 1
				break
			}
		}
	}
	return conversation[cut:], cut
}

// executeTools runs the turn's tool_use blocks concurrently but
// appends result blocks in the order the model emitted them.
func (r *Runner) executeTools(ctx context.Context, uses []models.ContentBlock) []models.ContentBlock {
	results := make([]models.ContentBlock, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		r.sink.AgentEvent(Event{
			Type: EventToolStart, HubAgentID: r.agentID,
			ToolName: use.Name, ToolUseID: use.ID,
		})
		wg.Add(1)
		go func(i int, use models.ContentBlock) {
			defer wg.Done()
			result := r.executor.Execute(ctx, use.Name, use.Input)
			results[i] = models.ContentBlock{
				Type:      models.BlockToolResult,
				ToolUseID: use.ID,
				Content:   result.Content,
				IsError:   result.IsError,
			}
			r.sink.AgentEvent(Event{
				Type: EventToolResult, HubAgentID: r.agentID,
				ToolName: use.Name, ToolUseID: use.ID, IsError: result.IsError,
			})
		}(i, use)
	}
	wg.Wait()
	return results
}

// checkBudget pauses the agent when a budget is exhausted.
func (r *Runner) checkBudget() bool {
	r.mu.Lock()
	budgets := r.session.Config.Budgets
	tokens, cost := r.totalTokens, r.totalCost
	r.mu.Unlock()
	if budgets == nil {
		return true
	}

	var reason string
	switch {
	case budgets.TokenBudget > 0 && tokens >= budgets.TokenBudget:
		reason = "token_budget"
	case budgets.CostBudgetUSD > 0 && cost >= budgets.CostBudgetUSD:
		reason = "cost_budget"
	default:
		return true
	}

	r.sink.AgentEvent(Event{
		Type: EventBudgetExceeded, HubAgentID: r.agentID,
		Reason:  reason,
		Message: fmt.Sprintf("budget exhausted (%s): %d tokens, $%.4f spent", reason, tokens, cost),
	})
	r.setState(models.AgentPaused)
	return false
}

// completeTurn persists the session and reports usage.
func (r *Runner) completeTurn(turnID string) {
	r.persist(models.AgentIdle)

	r.mu.Lock()
	tokens, cost := r.totalTokens, r.totalCost
	r.mu.Unlock()

	r.sink.AgentEvent(Event{
		Type: EventUsage, HubAgentID: r.agentID, TurnID: turnID,
		TotalTokens: tokens, TotalCostUSD: cost,
	})
	r.sink.AgentEvent(Event{Type: EventTurnComplete, HubAgentID: r.agentID, TurnID: turnID})
	r.setState(models.AgentIdle)
}

// abortTurn ends a canceled turn: nothing is persisted and the agent
// returns to idle.
func (r *Runner) abortTurn(turnID, message string) {
	r.sink.AgentEvent(Event{
		Type: EventError, HubAgentID: r.agentID, TurnID: turnID, Message: message,
	})
	r.setState(models.AgentIdle)
}

// persist snapshots session and runtime state to the store.
func (r *Runner) persist(agentState models.AgentState) {
	r.mu.Lock()
	r.session.Storage = r.state.GetAll()
	r.session.Metadata.SerializedAt = time.Now()
	r.session.Metadata.TotalTokens = r.totalTokens
	r.session.Metadata.TotalCostUSD = r.totalCost
	snapshot := *r.session
	snapshot.Conversation = make([]models.Message, len(r.session.Conversation))
	copy(snapshot.Conversation, r.session.Conversation)
	st := &models.AgentStoreState{
		State:       agentState,
		TotalTokens: r.totalTokens,
		TotalCost:   r.totalCost,
		SavedAt:     time.Now(),
	}
	r.mu.Unlock()

	if err := r.store.Save(r.agentID, &snapshot, st); err != nil {
		r.logger.Error("session save failed", "error", err)
	}
}

func (r *Runner) setState(s models.AgentState) {
	r.mu.Lock()
	r.setStateLocked(s)
	r.mu.Unlock()
}

// setStateLocked transitions state and notifies subscribers. Callers
// hold r.mu.
func (r *Runner) setStateLocked(s models.AgentState) {
	if r.agentState == s {
		return
	}
	r.agentState = s
	sink := r.sink
	agentID := r.agentID
	go sink.AgentEvent(Event{Type: EventStateChange, HubAgentID: agentID, State: string(s)})
}

// Describe summarizes the runner for status listings.
func (r *Runner) Describe() models.AgentSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.AgentSummary{
		HubAgentID:  r.agentID,
		Model:       r.session.Config.Model,
		Provider:    r.session.Config.Provider,
		State:       r.agentState,
		TotalTokens: r.totalTokens,
		SavedAt:     r.session.Metadata.SerializedAt,
	}
}
