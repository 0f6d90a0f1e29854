package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	agentctx "github.com/haasonsaas/partner/internal/agent/context"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/internal/observability"
	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/internal/tools/policy"
	"github.com/haasonsaas/partner/internal/tools/selector"
	"github.com/haasonsaas/partner/pkg/models"
)

// Controller defaults.
const (
	DefaultMaxIterations = 30

	// Ledger usage percentages that trigger compaction.
	DefaultSummarizeThreshold = 85.0
	DefaultClearThreshold     = 70.0
)

// Store persists conversation snapshots. sessions.Store satisfies it.
type Store interface {
	Save(ctx context.Context, conv *models.Conversation) error
}

// TitleFunc produces a conversation title from the first exchange.
type TitleFunc func(ctx context.Context, firstUser, reply string) string

// Options configures a Controller. Only Provider is needed to run; every
// other collaborator has a usable zero value.
type Options struct {
	Provider  LLMProvider
	Model     string
	MaxTokens int

	// SystemPrompt is set as the ledger's system message.
	SystemPrompt string

	// Registry holds the tool descriptors. Nil runs without tools.
	Registry *catalog.Registry

	// Dispatcher executes tools. The controller works on a clone and adds
	// its built-in handlers there. Nil creates an empty one.
	Dispatcher *Dispatcher

	Ledger agentctx.Options

	// Selector narrows the tool set when OptimizeTools is set.
	Selector      *selector.Selector
	OptimizeTools bool

	Gate    *approval.Gate
	Channel approval.Channel
	Checker *policy.Checker

	// AutoApprove skips approval for sensitive tools. Denylisted commands
	// are still gated.
	AutoApprove bool

	// Disabled names tools that are never offered.
	Disabled map[string]bool

	Callbacks Callbacks
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Store     Store

	MaxIterations      int
	SummarizeThreshold float64
	ClearThreshold     float64

	// Summarizer condenses history. Default: a side-channel model call.
	Summarizer agentctx.Summarizer

	// Title names new conversations. Default: GenerateTitle.
	Title TitleFunc

	Skills SkillLister
	Asker  QuestionAsker

	Now func() time.Time
}

// Controller runs the agent loop for one conversation.
//
// SendMessage runs the loop on the caller's goroutine. Stop, InjectHot and
// the accessors are safe from any goroutine. A stop does not abort an
// in-flight model call or tool; work that completes after the run was
// stopped or superseded is discarded.
type Controller struct {
	opts       Options
	provider   LLMProvider
	ledger     *agentctx.Ledger
	dispatcher *Dispatcher
	hot        *HotQueue
	gate       *approval.Gate
	checker    *policy.Checker
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	status         Status
	runID          uint64
	stopped        bool
	conversationID string
	title          string
	createdAt      time.Time
	selection      *models.ToolSelection
	todos          []models.TodoItem
	nextTodo       int
	autoApprove    bool
	disabled       map[string]bool
}

// NewController creates an idle controller with a fresh conversation.
func NewController(opts Options) *Controller {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.SummarizeThreshold <= 0 {
		opts.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if opts.ClearThreshold <= 0 {
		opts.ClearThreshold = DefaultClearThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gate == nil {
		opts.Gate = approval.NewGate()
	}
	if opts.Checker == nil {
		opts.Checker = policy.NewChecker(nil)
	}
	if opts.Summarizer == nil && opts.Provider != nil {
		opts.Summarizer = &ProviderSummarizer{Provider: opts.Provider, Model: opts.Model}
	}
	if opts.Title == nil {
		provider, model := opts.Provider, opts.Model
		opts.Title = func(ctx context.Context, firstUser, reply string) string {
			return GenerateTitle(ctx, provider, model, firstUser, reply)
		}
	}

	var dispatcher *Dispatcher
	if opts.Dispatcher != nil {
		dispatcher = opts.Dispatcher.Clone()
	} else {
		dispatcher = NewDispatcher(opts.Registry, 0)
	}

	c := &Controller{
		opts:           opts,
		provider:       opts.Provider,
		ledger:         agentctx.NewLedger(opts.Ledger),
		dispatcher:     dispatcher,
		hot:            NewHotQueue(),
		gate:           opts.Gate,
		checker:        opts.Checker,
		logger:         opts.Logger.With("component", "agent"),
		now:            opts.Now,
		status:         StatusIdle,
		conversationID: uuid.NewString(),
		createdAt:      opts.Now(),
		autoApprove:    opts.AutoApprove,
		disabled:       copyDisabled(opts.Disabled),
	}
	if opts.SystemPrompt != "" {
		c.ledger.SetSystemPrompt(opts.SystemPrompt)
	}
	c.registerBuiltins()
	return c
}

func copyDisabled(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SendMessage starts a run for text. While a run is working the text is
// queued as a hot message instead and nil is returned. A run ends when
// the model stops calling tools, on a model error (returned as a
// *LoopError), at the iteration cap, or when it is stopped.
func (c *Controller) SendMessage(ctx context.Context, text string, attachments []models.Attachment) error {
	if c.provider == nil {
		return ErrNoProvider
	}
	content := withAttachments(text, attachments)

	c.mu.Lock()
	if c.status == StatusWorking {
		queued := c.hot.Push(content)
		c.mu.Unlock()
		if queued {
			c.opts.Metrics.HotMessageQueued()
		}
		return nil
	}
	c.runID++
	runID := c.runID
	c.stopped = false
	c.status = StatusWorking
	c.mu.Unlock()
	c.opts.Callbacks.status(StatusWorking)

	c.closeInterrupted()
	c.ledger.AppendUser(content)
	err := c.run(ctx, runID)
	c.persist(ctx)
	return err
}

// withAttachments appends one plain text block per attachment.
func withAttachments(text string, attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		mime := a.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[attachment: %s (%s, %s)]", a.Name, mime, formatSize(a.Size))
		if a.Path != "" {
			fmt.Fprintf(&b, "\npath: %s", a.Path)
		}
	}
	return b.String()
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// InjectHot queues text for the running loop. It returns false when no
// run is working or text is blank.
func (c *Controller) InjectHot(text string) bool {
	c.mu.Lock()
	queued := c.status == StatusWorking && c.hot.Push(text)
	c.mu.Unlock()
	if !queued {
		return false
	}
	c.opts.Metrics.HotMessageQueued()
	return true
}

// Stop marks the current run stopped, supersedes its run id and denies
// any outstanding approval so a suspended tool call can unwind.
func (c *Controller) Stop() {
	c.mu.Lock()
	wasWorking := c.status == StatusWorking
	c.stopped = true
	c.runID++
	c.status = StatusIdle
	c.mu.Unlock()

	c.gate.ForceDeny()
	if wasWorking {
		c.logger.Info("run stopped", "conversation_id", c.ConversationID())
		c.opts.Callbacks.status(StatusIdle)
	}
}

// NewConversation stops any run and starts over with an empty ledger.
func (c *Controller) NewConversation() {
	c.Stop()
	c.ledger.Clear()
	c.hot.Clear()
	c.mu.Lock()
	c.conversationID = uuid.NewString()
	c.title = ""
	c.createdAt = c.now()
	c.selection = nil
	c.todos = nil
	c.nextTodo = 0
	c.mu.Unlock()
	c.opts.Callbacks.todos(nil)
}

// Snapshot returns the conversation for persistence.
func (c *Controller) Snapshot() *models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := &models.Conversation{
		ID:        c.conversationID,
		Title:     c.title,
		Messages:  c.ledger.Snapshot(),
		Todos:     append([]models.TodoItem(nil), c.todos...),
		CreatedAt: c.createdAt,
		UpdatedAt: c.now(),
	}
	if c.selection != nil {
		sel := *c.selection
		sel.Names = append([]string(nil), c.selection.Names...)
		conv.Selection = &sel
	}
	return conv
}

// Load stops any run and resumes a saved conversation. The saved tool
// selection is kept; without one it is recomputed on the next send.
func (c *Controller) Load(conv *models.Conversation) error {
	if conv == nil {
		return errors.New("load: nil conversation")
	}
	c.Stop()
	if err := c.ledger.Restore(conv.Messages); err != nil {
		return fmt.Errorf("load conversation %s: %w", conv.ID, err)
	}
	if c.opts.SystemPrompt != "" {
		c.ledger.SetSystemPrompt(c.opts.SystemPrompt)
	}
	c.hot.Clear()

	c.mu.Lock()
	c.conversationID = conv.ID
	if c.conversationID == "" {
		c.conversationID = uuid.NewString()
	}
	c.title = conv.Title
	c.createdAt = conv.CreatedAt
	c.selection = nil
	if conv.Selection != nil {
		sel := *conv.Selection
		sel.Names = append([]string(nil), conv.Selection.Names...)
		c.selection = &sel
	}
	c.todos = append([]models.TodoItem(nil), conv.Todos...)
	c.nextTodo = 0
	for _, item := range c.todos {
		if item.ID > c.nextTodo {
			c.nextTodo = item.ID
		}
	}
	todos := append([]models.TodoItem(nil), c.todos...)
	c.mu.Unlock()
	c.opts.Callbacks.todos(todos)
	return nil
}

// SetSystemPrompt replaces the system prompt, for example after the
// skills catalog changed.
func (c *Controller) SetSystemPrompt(text string) {
	c.mu.Lock()
	c.opts.SystemPrompt = text
	c.mu.Unlock()
	c.ledger.SetSystemPrompt(text)
}

// SetAutoApprove toggles approval of sensitive tools.
func (c *Controller) SetAutoApprove(on bool) {
	c.mu.Lock()
	c.autoApprove = on
	c.mu.Unlock()
}

// Stats reports ledger usage.
func (c *Controller) Stats() agentctx.Stats { return c.ledger.Stats() }

// Ledger exposes the conversation ledger for read access.
func (c *Controller) Ledger() *agentctx.Ledger { return c.ledger }

// Gate returns the approval gate, for UIs that resolve Gate.Current.
func (c *Controller) Gate() *approval.Gate { return c.gate }

// Status returns idle or working.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RunID returns the id of the current or most recent run.
func (c *Controller) RunID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// ConversationID returns the id of the current conversation.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Title returns the conversation title, empty until generated.
func (c *Controller) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// Selection returns a copy of the active tool selection, or nil.
func (c *Controller) Selection() *models.ToolSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selection == nil {
		return nil
	}
	sel := *c.selection
	sel.Names = append([]string(nil), c.selection.Names...)
	return &sel
}

// Todos returns a copy of the todo list.
func (c *Controller) Todos() []models.TodoItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.TodoItem(nil), c.todos...)
}

func (c *Controller) stale(runID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped || c.runID != runID
}

// finish moves a live run to idle. It is a no-op for a superseded run,
// whose status was already set by Stop.
func (c *Controller) finish(runID uint64) {
	c.settle(runID, false)
}

// settle is finish for a run that may still have hot messages to answer.
// With waitHot set it reports false, leaving the run working, when the
// queue is not empty. The check and the transition share c.mu with the
// pushes in SendMessage and InjectHot, so no message is accepted after
// the run went idle.
func (c *Controller) settle(runID uint64, waitHot bool) bool {
	c.mu.Lock()
	live := !c.stopped && c.runID == runID
	if live && waitHot && c.hot.Len() > 0 {
		c.mu.Unlock()
		return false
	}
	if live {
		c.status = StatusIdle
	}
	c.mu.Unlock()
	if live {
		c.opts.Callbacks.status(StatusIdle)
	}
	return true
}

// closeInterrupted answers the tool calls a stopped run left behind, so
// that they no longer hold back summarization.
func (c *Controller) closeInterrupted() {
	for _, call := range c.ledger.Unanswered() {
		if _, err := c.ledger.AppendToolResult(call.ID, call.Name, interruptedResult); err != nil {
			c.logger.Warn("interrupted tool call not closed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
		}
	}
}

func (c *Controller) run(ctx context.Context, runID uint64) error {
	convID := c.ConversationID()
	ctx = observability.AddRunID(ctx, strconv.FormatUint(runID, 10))
	ctx = observability.AddConversationID(ctx, convID)
	logger := c.logger.With("run_id", runID, "conversation_id", convID)

	ctx, span := c.opts.Tracer.Start(ctx, "agent.run", trace.SpanKindInternal,
		attribute.Int64("run.id", int64(runID)),
		attribute.String("conversation.id", convID),
	)
	defer span.End()

	for iter := 1; ; iter++ {
		if iter > c.opts.MaxIterations {
			err := &LoopError{Phase: PhaseComplete, Iteration: iter - 1, RunID: runID, Cause: ErrMaxIterations}
			logger.Warn("iteration cap reached", "iterations", iter-1)
			c.ledger.AppendNotice(fmt.Sprintf("Stopped after %d iterations without finishing. Send another message to continue.", iter-1))
			c.opts.Callbacks.error(err)
			c.opts.Metrics.RecordRun("max_iterations", iter-1)
			observability.RecordError(span, err)
			c.finish(runID)
			return err
		}
		if c.stale(runID) {
			c.opts.Metrics.RecordRun("stopped", iter-1)
			return nil
		}

		c.autoCompact(ctx, logger)

		for _, text := range c.hot.Drain() {
			c.ledger.AppendHot(FormatHot(text))
		}

		tools := c.activeTools(ctx, logger)

		res, err := c.callModel(ctx, runID, tools)
		if c.stale(runID) {
			logger.Debug("discarding stale model reply", "iteration", iter)
			c.opts.Metrics.RecordRun("stopped", iter)
			return nil
		}
		if err != nil {
			loopErr := &LoopError{Phase: PhaseModel, Iteration: iter, RunID: runID, Cause: err}
			logger.Error("model call failed", "iteration", iter, "error", err)
			c.ledger.AppendNotice("error: " + err.Error())
			c.opts.Callbacks.error(loopErr)
			c.opts.Metrics.RecordRun("error", iter)
			c.opts.Metrics.RecordError("agent", "model")
			observability.RecordError(span, loopErr)
			c.finish(runID)
			return loopErr
		}

		calls := normalizeToolCalls(res.ToolCalls)
		if _, err := c.ledger.AppendAssistant(res.Content, calls); err != nil {
			// Ids clashing with earlier turns are replaced and retried once.
			calls = renumberToolCalls(calls)
			if _, err := c.ledger.AppendAssistant(res.Content, calls); err != nil {
				loopErr := &LoopError{Phase: PhaseModel, Iteration: iter, RunID: runID, Cause: err}
				c.ledger.AppendNotice("error: " + err.Error())
				c.opts.Callbacks.error(loopErr)
				c.finish(runID)
				return loopErr
			}
		}
		c.opts.Callbacks.assistantText(res.Content)
		c.maybeTitle(ctx, res.Content)

		if len(calls) == 0 {
			if !c.settle(runID, true) {
				continue
			}
			c.opts.Metrics.RecordRun("completed", iter)
			return nil
		}

		for _, call := range calls {
			if c.stale(runID) {
				c.opts.Metrics.RecordRun("stopped", iter)
				return nil
			}
			c.handleToolCall(ctx, logger, runID, call)
			if c.stale(runID) {
				c.opts.Metrics.RecordRun("stopped", iter)
				return nil
			}
		}
	}
}

func (c *Controller) callModel(ctx context.Context, runID uint64, tools []catalog.Descriptor) (*Completion, error) {
	system, messages := BuildRequestMessages(c.ledger.Messages())
	req := &CompletionRequest{
		Model:     c.opts.Model,
		System:    system,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: c.opts.MaxTokens,
	}

	ctx, span := c.opts.Tracer.TraceModelCall(ctx, c.provider.Name(), c.opts.Model, strconv.FormatUint(runID, 10))
	defer span.End()
	start := c.now()
	res, err := Collect(ctx, c.provider, req)
	elapsed := c.now().Sub(start).Seconds()
	if err != nil {
		observability.RecordError(span, err)
		c.opts.Metrics.RecordModelCall(c.provider.Name(), c.opts.Model, "error", elapsed, 0, 0)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(res.ToolCalls)),
		attribute.String("llm.finish_reason", res.FinishReason),
	)
	c.opts.Metrics.RecordModelCall(c.provider.Name(), c.opts.Model, "success", elapsed, res.InputTokens, res.OutputTokens)
	return res, nil
}

// normalizeToolCalls drops calls without a name, fills in missing ids and
// makes ids unique within the batch.
func normalizeToolCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	seen := map[string]bool{}
	for _, tc := range calls {
		if strings.TrimSpace(tc.Name) == "" {
			continue
		}
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = newToolCallID()
		}
		seen[tc.ID] = true
		out = append(out, tc)
	}
	return out
}

func renumberToolCalls(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	for i, tc := range calls {
		tc.ID = newToolCallID()
		out[i] = tc
	}
	return out
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// normalizeArguments returns args when they hold a JSON object and {}
// otherwise.
func normalizeArguments(args json.RawMessage) json.RawMessage {
	var obj map[string]any
	if len(args) == 0 || json.Unmarshal(args, &obj) != nil || obj == nil {
		return json.RawMessage(`{}`)
	}
	return args
}

func (c *Controller) handleToolCall(ctx context.Context, logger *slog.Logger, runID uint64, call models.ToolCall) {
	call.Arguments = normalizeArguments(call.Arguments)

	if call.Name == catalog.ToolRequestOptimization {
		c.requestOptimization(ctx, logger, call)
		return
	}

	event := models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Stage:      models.ToolEventCalling,
		Input:      call.Arguments,
		StartedAt:  c.now(),
	}
	c.opts.Callbacks.toolCall(event)

	if desc, ok := c.descriptor(call.Name); ok {
		if needs, reason := c.checker.Decide(desc, call.Arguments, c.AutoApprove()); needs {
			decision, err := c.requestApproval(ctx, call, reason)
			if c.stale(runID) {
				return
			}
			if err != nil {
				logger.Warn("approval failed", "tool", call.Name, "error", err)
			}
			if !decision.Approved() {
				res := Denied()
				event.Stage = models.ToolEventDenied
				event.Output = res.Content
				event.IsError = true
				event.FinishedAt = c.now()
				c.appendResult(logger, call, res)
				c.opts.Metrics.RecordToolExecution(call.Name, "denied", 0)
				c.opts.Callbacks.toolCall(event)
				return
			}
		}
	}

	ctx, span := c.opts.Tracer.TraceToolDispatch(ctx, call.Name, call.ID)
	res, err := c.dispatcher.Dispatch(ctx, call)
	span.End()
	event.FinishedAt = c.now()
	status := "success"
	if err != nil {
		observability.RecordError(span, err)
		status = "error"
		if toolErr, ok := GetToolError(err); ok {
			status = string(toolErr.Type)
		}
		logger.Warn("tool failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	}
	c.opts.Metrics.RecordToolExecution(call.Name, status, event.Duration().Seconds())

	if c.stale(runID) {
		return
	}
	c.appendResult(logger, call, res)
	event.Stage = models.ToolEventDone
	event.Output = res.Content
	event.IsError = res.IsError
	c.opts.Callbacks.toolCall(event)
}

func (c *Controller) appendResult(logger *slog.Logger, call models.ToolCall, res *ToolResult) {
	if _, err := c.ledger.AppendToolResult(call.ID, call.Name, res.Content); err != nil {
		logger.Error("tool result not recorded", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	}
}

func (c *Controller) descriptor(name string) (catalog.Descriptor, bool) {
	if c.opts.Registry == nil {
		return catalog.Descriptor{}, false
	}
	return c.opts.Registry.Get(name)
}

// AutoApprove reports whether sensitive tools run without approval.
func (c *Controller) AutoApprove() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoApprove
}

func (c *Controller) requestApproval(ctx context.Context, call models.ToolCall, reason policy.Reason) (approval.Decision, error) {
	ctx, span := c.opts.Tracer.TraceApproval(ctx, call.Name)
	defer span.End()
	span.SetAttributes(attribute.String("approval.reason", string(reason)))

	channel := c.opts.Channel
	if c.opts.Callbacks.OnApprovalRequest != nil {
		channel = approval.Notify(channel, c.opts.Callbacks.approvalRequest)
	}
	decision, err := c.gate.Request(ctx, call.Name, call.Arguments, channel)
	if err != nil {
		observability.RecordError(span, err)
	}
	c.opts.Metrics.RecordApproval(channelName(c.opts.Channel), string(decision))
	return decision, err
}

func channelName(ch approval.Channel) string {
	switch ch.(type) {
	case nil:
		return "ui"
	case approval.AutoChannel, *approval.AutoChannel:
		return "auto"
	case *approval.TerminalChannel:
		return "terminal"
	case *approval.RemoteChannel:
		return "remote"
	default:
		return "custom"
	}
}

// activeTools returns the descriptors offered to the next model call.
func (c *Controller) activeTools(ctx context.Context, logger *slog.Logger) []catalog.Descriptor {
	if c.opts.Registry == nil || !c.provider.SupportsTools() {
		return nil
	}
	c.mu.Lock()
	disabled := c.disabled
	c.mu.Unlock()

	var enabled []catalog.Descriptor
	for _, desc := range c.opts.Registry.Enabled(disabled) {
		if c.dispatcher.Has(desc.Name) {
			enabled = append(enabled, desc)
		}
	}
	if c.opts.Selector == nil || !c.opts.OptimizeTools || len(enabled) == 0 {
		return enabled
	}

	sel := c.Selection()
	if sel == nil {
		sel = c.selectTools(ctx, logger, enabled)
	}
	out := make([]catalog.Descriptor, 0, len(sel.Names)+1)
	for _, desc := range enabled {
		if sel.Contains(desc.Name) {
			out = append(out, desc)
		}
	}
	return append(out, catalog.OptimizationDescriptor())
}

func (c *Controller) selectTools(ctx context.Context, logger *slog.Logger, enabled []catalog.Descriptor) *models.ToolSelection {
	sel, err := c.opts.Selector.Select(ctx, enabled, c.ledger.LastUserText())
	switch {
	case errors.Is(err, selector.ErrNoPicker):
		c.opts.Metrics.RecordSelection("heuristic")
	case err != nil:
		logger.Warn("tool selection fell back to heuristic", "error", err)
		c.opts.Metrics.RecordSelection("fallback")
	default:
		c.opts.Metrics.RecordSelection("model")
	}
	logger.Info("tools selected", "count", len(sel.Names), "enabled", len(enabled))

	c.mu.Lock()
	c.selection = sel
	c.mu.Unlock()
	c.opts.Callbacks.selection(sel)
	return sel
}

func (c *Controller) requestOptimization(ctx context.Context, logger *slog.Logger, call models.ToolCall) {
	var args catalog.RequestToolOptimizationArgs
	_ = json.Unmarshal(call.Arguments, &args)

	var res *ToolResult
	if c.opts.Selector == nil || !c.opts.OptimizeTools {
		res = Fail("tool optimization is not enabled")
	} else {
		c.mu.Lock()
		c.selection = nil
		c.mu.Unlock()
		logger.Info("tool re-selection requested", "reason", args.Reason)
		res = OK(map[string]any{"message": "the tool set will be recomputed before the next step"})
	}
	c.appendResult(logger, call, res)
	c.opts.Callbacks.toolCall(models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Stage:      models.ToolEventDone,
		Input:      call.Arguments,
		Output:     res.Content,
		IsError:    res.IsError,
	})
}

func (c *Controller) autoCompact(ctx context.Context, logger *slog.Logger) {
	stats := c.ledger.Stats()
	c.opts.Metrics.SetContextUsage(stats.UsagePercent)
	// Both checks use the same snapshot: above the summarize threshold the
	// tool results are cleared first and the history is summarized too.
	if stats.UsagePercent > c.opts.ClearThreshold {
		if _, err := c.compact(ctx, agentctx.StrategyClearToolResults, 0); err != nil {
			logger.Warn("compaction failed", "strategy", agentctx.StrategyClearToolResults, "error", err)
		}
	}
	if stats.UsagePercent > c.opts.SummarizeThreshold {
		if _, err := c.compact(ctx, agentctx.StrategySummarize, agentctx.DefaultKeepLast); err != nil {
			logger.Warn("compaction failed", "strategy", agentctx.StrategySummarize, "error", err)
		}
	}
}

func (c *Controller) compact(ctx context.Context, strategy agentctx.Strategy, keepLast int) (agentctx.CompactionReport, error) {
	report, err := c.ledger.Compact(ctx, strategy, agentctx.CompactOptions{
		KeepLast:   keepLast,
		Summarizer: c.opts.Summarizer,
	})
	if err != nil {
		return report, err
	}
	c.opts.Metrics.RecordCompaction(string(strategy), report.Fallback)
	c.opts.Metrics.SetContextUsage(report.After.UsagePercent)
	c.logger.Info("context compacted",
		"strategy", strategy,
		"tokens_before", report.Before.EstimatedTokens,
		"tokens_after", report.After.EstimatedTokens,
		"fallback", report.Fallback,
	)
	return report, nil
}

// maybeTitle names the conversation after its first assistant reply.
func (c *Controller) maybeTitle(ctx context.Context, reply string) {
	c.mu.Lock()
	if c.title != "" {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	first := ""
	for _, msg := range c.ledger.Messages() {
		if msg.Role == models.RoleUser && !msg.Hot {
			first = msg.Content
			break
		}
	}
	if first == "" {
		return
	}
	title := c.opts.Title(ctx, first, reply)
	if title == "" {
		title = FallbackTitle(first)
	}
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()
	c.opts.Callbacks.title(title)
}

func (c *Controller) persist(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Save(ctx, c.Snapshot()); err != nil {
		c.logger.Warn("conversation not saved", "conversation_id", c.ConversationID(), "error", err)
		c.opts.Metrics.RecordError("sessions", "save")
	}
}
