package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pachat/internal/approval"
	"pachat/internal/config"
	"pachat/internal/metrics"
	"pachat/internal/models"
	"pachat/internal/service/ai"
	"pachat/internal/service/chat"
	"pachat/internal/streaming"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Generator is a text-generation capability.
type Generator interface {
	Complete(ctx context.Context, messages []*schema.Message) (string, error)
	CompleteStructured(ctx context.Context, messages []*schema.Message, shape ai.Shape) ([]string, error)
}

// Registry maps logical capability names to clients.
type Registry map[string]Generator

// QueryExecutor runs a read-only query.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) (*models.ResultSet, error)
}

// Catalog describes the analytics tables to the query nodes.
type Catalog interface {
	Summaries() string
	Activities() []string
	TableInfo(tables, activities []string) string
}

// Store persists threads, messages and checkpoints.
type Store interface {
	CreateThread(ctx context.Context) (*models.Thread, error)
	GetThread(ctx context.Context, threadID int64) (*models.Thread, error)
	ListThreads(ctx context.Context) ([]models.Thread, error)
	Messages(ctx context.Context, threadID int64) ([]models.Message, error)
	RenameThread(ctx context.Context, threadID int64, title string) error
	DeleteThread(ctx context.Context, threadID int64) error
	LoadCheckpoint(ctx context.Context, threadID int64) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, threadID int64) error
	CommitRun(ctx context.Context, c chat.Commit) ([]models.Message, error)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(evt streaming.Event)
}

// Deps is everything the orchestrator is built from.
type Deps struct {
	Capabilities Registry
	Executor     QueryExecutor
	Store        Store
	Gate         approval.Gate
	Events       Publisher
	Catalog      Catalog
	Logger       *zap.Logger
	ChunkRows    int
	DefaultTopK  int
	Now          func() time.Time
}

// Orchestrator drives questions through the pipeline and owns the approval
// interrupt. Callers serialize runs of the same thread.
type Orchestrator struct {
	reasoning  Generator
	answer     Generator
	executor   QueryExecutor
	store      Store
	gate       approval.Gate
	events     Publisher
	catalog    Catalog
	summarizer *Summarizer
	logger     *zap.Logger
	topK       int
	now        func() time.Time
	handlers   map[Node]nodeFunc
}

func New(d Deps) (*Orchestrator, error) {
	reasoning, ok := d.Capabilities[ai.CapabilityReasoning]
	if !ok || reasoning == nil {
		return nil, fmt.Errorf("capability %s not configured", ai.CapabilityReasoning)
	}
	answer, ok := d.Capabilities[ai.CapabilityAnswer]
	if !ok || answer == nil {
		return nil, fmt.Errorf("capability %s not configured", ai.CapabilityAnswer)
	}
	if d.Executor == nil || d.Store == nil || d.Gate == nil || d.Catalog == nil {
		return nil, errors.New("executor, store, gate and catalog are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = streaming.NewBus()
	}
	if d.ChunkRows <= 0 {
		d.ChunkRows = config.DefaultChunkRows
	}
	if d.DefaultTopK <= 0 {
		d.DefaultTopK = config.DefaultTopK
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	o := &Orchestrator{
		reasoning:  reasoning,
		answer:     answer,
		executor:   d.Executor,
		store:      d.Store,
		gate:       d.Gate,
		events:     d.Events,
		catalog:    d.Catalog,
		summarizer: NewSummarizer(answer, d.ChunkRows),
		logger:     d.Logger,
		topK:       d.DefaultTopK,
		now:        d.Now,
	}
	o.handlers = o.nodes()
	return o, nil
}

// StartRequest asks a question on a thread.
type StartRequest struct {
	ThreadID    int64
	Question    string
	TopK        int
	AutoApprove bool
}

// ResumeRequest decides a pending approval. An empty RequestID matches the
// thread's pending request.
type ResumeRequest struct {
	ThreadID  int64
	RequestID string
	Approved  bool
}

// Outcome is the caller-facing result of a run. A rejected approval yields
// an Outcome with no answer.
type Outcome struct {
	ThreadID          int64             `json:"thread_id"`
	Answer            string            `json:"answer,omitempty"`
	MessageID         string            `json:"message_id,omitempty"`
	Title             string            `json:"title,omitempty"`
	Tables            []string          `json:"tables,omitempty"`
	Activities        []string          `json:"activities,omitempty"`
	Query             string            `json:"query,omitempty"`
	Result            *models.ResultSet `json:"result,omitempty"`
	ApprovalRequested bool              `json:"approval_requested,omitempty"`
	RequestID         string            `json:"request_id,omitempty"`
}

// Start runs a question from classify_question until it answers or stops
// at the approval gate.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Outcome, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	thread, err := o.lookupThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.LoadCheckpoint(ctx, thread.ID); err == nil {
		return nil, ErrApprovalPending
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, &PersistenceError{Op: "load checkpoint", Err: err}
	}
	history, err := o.store.Messages(ctx, thread.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "load messages", Err: err}
	}

	// The system message opens a thread's log exactly once.
	var pending []models.Message
	if len(history) == 0 {
		sys := models.Message{Role: models.RoleSystem, Content: ai.SystemPrompt}
		pending = append(pending, sys)
		history = append(history, sys)
	}
	pending = append(pending, models.Message{Role: models.RoleHuman, Content: question})

	topK := req.TopK
	if topK <= 0 {
		topK = o.topK
	}
	state := State{
		ThreadID:    thread.ID,
		Messages:    history,
		Question:    question,
		TitleExists: thread.HasTitle(),
		Now:         o.now(),
		TopK:        topK,
	}

	logger := o.logger.With(zap.Int64("thread_id", thread.ID))
	node := NodeClassify
	o.publish(streaming.Event{Type: streaming.EventStep, ThreadID: thread.ID, Node: string(node)})
	for {
		state, err = o.runNode(ctx, node, state)
		if err != nil {
			o.fail(thread.ID, state.Branch, err)
			return nil, err
		}
		if node == NodeExecuteQuery && !req.AutoApprove {
			return o.interrupt(ctx, state, pending)
		}
		if IsTerminal(node) {
			break
		}
		next, err := nextNode(node, state)
		if err != nil {
			o.fail(thread.ID, state.Branch, err)
			return nil, err
		}
		predicted := PredictNextStep(node, state.Branch, state.TitleExists)
		if predicted != next {
			logger.Warn("step prediction diverged",
				zap.String("node", string(node)),
				zap.String("predicted", string(predicted)),
				zap.String("next", string(next)),
			)
		}
		if !IsTerminal(predicted) {
			o.publish(streaming.Event{Type: streaming.EventStep, ThreadID: thread.ID, Node: string(predicted)})
		}
		node = next
	}

	return o.finish(ctx, state, pending, false)
}

// Resume applies a decision to the thread's pending approval.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	pendingReq, err := o.gate.Take(ctx, req.ThreadID, req.RequestID)
	if err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			return nil, ErrNoPendingApproval
		}
		return nil, &PersistenceError{Op: "take approval", Err: err}
	}
	metrics.PendingApprovals.Dec()
	cp, err := o.store.LoadCheckpoint(ctx, req.ThreadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPendingApproval
		}
		o.reopen(pendingReq)
		return nil, &PersistenceError{Op: "load checkpoint", Err: err}
	}
	if cp.RequestID != pendingReq.RequestID {
		o.reopen(pendingReq)
		return nil, ErrNoPendingApproval
	}
	logger := o.logger.With(zap.Int64("thread_id", req.ThreadID), zap.String("request_id", cp.RequestID))

	if !req.Approved {
		if err := o.store.DeleteCheckpoint(ctx, req.ThreadID); err != nil {
			o.reopen(pendingReq)
			return nil, &PersistenceError{Op: "discard checkpoint", Err: err}
		}
		metrics.Approvals.WithLabelValues("rejected").Inc()
		logger.Info("approval rejected")
		return &Outcome{ThreadID: req.ThreadID}, nil
	}
	metrics.Approvals.WithLabelValues("approved").Inc()

	state, err := decodeState(cp.State)
	if err != nil {
		o.reopen(pendingReq)
		return nil, err
	}
	if Node(cp.NextNode) != NodeGenerateAnswer {
		o.reopen(pendingReq)
		return nil, fmt.Errorf("checkpoint resumes at unexpected node %s", cp.NextNode)
	}
	state, err = o.runNode(ctx, NodeGenerateAnswer, state)
	if err != nil {
		o.reopen(pendingReq)
		o.fail(req.ThreadID, state.Branch, err)
		return nil, err
	}
	out, err := o.finish(ctx, state, nil, true)
	if err != nil {
		o.reopen(pendingReq)
		return nil, err
	}
	logger.Info("approval resumed to answer")
	return out, nil
}

// Recover re-registers stored checkpoints with the approval gate so
// approvals survive a restart.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	cps, err := o.store.ListCheckpoints(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list checkpoints", Err: err}
	}
	restored := 0
	for _, cp := range cps {
		err := o.gate.Open(ctx, approval.Request{ThreadID: cp.ThreadID, RequestID: cp.RequestID, CreatedAt: cp.CreatedAt})
		switch {
		case err == nil:
			restored++
			metrics.PendingApprovals.Inc()
		case errors.Is(err, approval.ErrAlreadyPending):
		default:
			return restored, fmt.Errorf("restore approval for thread %d: %w", cp.ThreadID, err)
		}
	}
	if restored > 0 {
		o.logger.Info("pending approvals restored", zap.Int("count", restored))
	}
	return restored, nil
}

// CreateThread opens a new empty thread.
func (o *Orchestrator) CreateThread(ctx context.Context) (*models.Thread, error) {
	t, err := o.store.CreateThread(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "create thread", Err: err}
	}
	return t, nil
}

// ListThreads returns threads by last activity.
func (o *Orchestrator) ListThreads(ctx context.Context) ([]models.Thread, error) {
	threads, err := o.store.ListThreads(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list threads", Err: err}
	}
	return threads, nil
}

// History returns the ordered message log of a thread.
func (o *Orchestrator) History(ctx context.Context, threadID int64) (*models.Thread, []models.Message, error) {
	thread, err := o.lookupThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := o.store.Messages(ctx, threadID)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "load messages", Err: err}
	}
	return thread, messages, nil
}

// Rename sets a thread title.
func (o *Orchestrator) Rename(ctx context.Context, threadID int64, title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidRequest)
	}
	if err := o.store.RenameThread(ctx, threadID, title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrThreadNotFound
		}
		return &PersistenceError{Op: "rename thread", Err: err}
	}
	return nil
}

// Delete removes a thread with its pending approval.
func (o *Orchestrator) Delete(ctx context.Context, threadID int64) error {
	if err := o.store.DeleteThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrThreadNotFound
		}
		return &PersistenceError{Op: "delete thread", Err: err}
	}
	if _, ok, _ := o.gate.Pending(ctx, threadID); ok {
		metrics.PendingApprovals.Dec()
	}
	if err := o.gate.Discard(ctx, threadID); err != nil {
		o.logger.Warn("discard approval failed", zap.Int64("thread_id", threadID), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) lookupThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	if threadID <= 0 {
		return nil, fmt.Errorf("%w: thread id is required", ErrInvalidRequest)
	}
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, &PersistenceError{Op: "load thread", Err: err}
	}
	return thread, nil
}

func (o *Orchestrator) runNode(ctx context.Context, node Node, s State) (State, error) {
	handler, ok := o.handlers[node]
	if !ok {
		return s, fmt.Errorf("no handler for node %s", node)
	}
	start := time.Now()
	next, err := handler(ctx, s)
	metrics.NodeDuration.WithLabelValues(string(node)).Observe(time.Since(start).Seconds())
	if err != nil {
		return s, err
	}
	next.Version = s.Version + 1
	return next, nil
}

// interrupt makes the run durable before announcing the approval request.
func (o *Orchestrator) interrupt(ctx context.Context, s State, pending []models.Message) (*Outcome, error) {
	requestID := uuid.NewString()
	if err := o.gate.Open(ctx, approval.Request{ThreadID: s.ThreadID, RequestID: requestID, CreatedAt: s.Now}); err != nil {
		if errors.Is(err, approval.ErrAlreadyPending) {
			return nil, ErrApprovalPending
		}
		return nil, &PersistenceError{Op: "open approval", Err: err}
	}
	data, err := encodeState(s)
	if err != nil {
		o.discardOpened(ctx, s.ThreadID)
		return nil, err
	}
	_, err = o.store.CommitRun(ctx, chat.Commit{
		ThreadID: s.ThreadID,
		Messages: pending,
		Title:    s.Title,
		Checkpoint: &models.Checkpoint{
			ThreadID:  s.ThreadID,
			RequestID: requestID,
			LastNode:  string(NodeExecuteQuery),
			NextNode:  string(NodeGenerateAnswer),
			State:     data,
		},
	})
	if err != nil {
		o.discardOpened(ctx, s.ThreadID)
		perr := &PersistenceError{Op: "save checkpoint", Err: err}
		o.fail(s.ThreadID, s.Branch, perr)
		return nil, perr
	}
	metrics.PendingApprovals.Inc()
	metrics.Approvals.WithLabelValues("requested").Inc()
	metrics.PipelineRuns.WithLabelValues(string(s.Branch), "interrupted").Inc()

	o.publish(streaming.Event{
		Type:      streaming.EventApproval,
		ThreadID:  s.ThreadID,
		RequestID: requestID,
		Data:      s.Result,
	})
	return &Outcome{
		ThreadID:          s.ThreadID,
		Title:             s.Title,
		Tables:            s.Tables,
		Activities:        s.Activities,
		Query:             s.Query,
		Result:            s.Result,
		ApprovalRequested: true,
		RequestID:         requestID,
	}, nil
}

func (o *Orchestrator) discardOpened(ctx context.Context, threadID int64) {
	if err := o.gate.Discard(ctx, threadID); err != nil {
		o.logger.Warn("discard approval failed", zap.Int64("thread_id", threadID), zap.Error(err))
	}
}

// finish appends the answer to the thread log. The answer is reported only
// once it is durable.
func (o *Orchestrator) finish(ctx context.Context, s State, pending []models.Message, clearCheckpoint bool) (*Outcome, error) {
	answer := models.Message{Role: models.RoleAI, Content: s.Answer}
	out := &Outcome{ThreadID: s.ThreadID, Answer: s.Answer, Title: s.Title}
	if s.Branch == BranchDataQuery {
		out.MessageID = uuid.NewString()
		out.Tables, out.Activities, out.Query, out.Result = s.Tables, s.Activities, s.Query, s.Result
		answer.Meta = &models.MessageMeta{
			MessageID:  out.MessageID,
			Tables:     s.Tables,
			Activities: s.Activities,
			Query:      s.Query,
			Result:     s.Result,
		}
	}
	if _, err := o.store.CommitRun(ctx, chat.Commit{
		ThreadID:        s.ThreadID,
		Messages:        append(pending, answer),
		Title:           s.Title,
		ClearCheckpoint: clearCheckpoint,
	}); err != nil {
		perr := &PersistenceError{Op: "commit answer", Err: err}
		o.fail(s.ThreadID, s.Branch, perr)
		return nil, perr
	}
	metrics.PipelineRuns.WithLabelValues(string(s.Branch), "answered").Inc()
	if len(s.Chunks) > 0 {
		metrics.ResultChunks.Observe(float64(len(s.Chunks)))
	}
	o.publish(streaming.Event{Type: streaming.EventAnswer, ThreadID: s.ThreadID, Data: out})
	return out, nil
}

func (o *Orchestrator) reopen(req approval.Request) {
	if err := o.gate.Open(context.Background(), req); err != nil && !errors.Is(err, approval.ErrAlreadyPending) {
		o.logger.Error("restore approval failed", zap.Int64("thread_id", req.ThreadID), zap.Error(err))
		return
	}
	metrics.PendingApprovals.Inc()
}

func (o *Orchestrator) fail(threadID int64, branch Branch, err error) {
	kind := Classify(err)
	if kind == KindUnsafeQuery {
		metrics.UnsafeQueries.Inc()
	}
	metrics.PipelineRuns.WithLabelValues(string(branch), kind).Inc()
	o.logger.Warn("pipeline run failed", zap.Int64("thread_id", threadID), zap.String("kind", kind), zap.Error(err))
	o.publish(streaming.Event{
		Type:     streaming.EventError,
		ThreadID: threadID,
		Data:     map[string]string{"kind": kind, "message": err.Error()},
	})
}

func (o *Orchestrator) publish(evt streaming.Event) {
	o.events.Publish(evt)
}
