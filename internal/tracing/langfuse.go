package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/colloquy/internal/config"
	"github.com/nugget/colloquy/internal/httpkit"
)

// maxBatch is the most events sent in one ingestion request.
const maxBatch = 100

// LangfuseOptions configures a Langfuse tracer.
type LangfuseOptions struct {
	Host          string
	PublicKey     string
	SecretKey     string
	FlushInterval time.Duration
	QueueSize     int
}

// Langfuse is a Tracer that exports to the Langfuse batch ingestion
// API. Calls only enqueue; a background flusher started by Start
// posts batches. When the queue is full new events are dropped.
type Langfuse struct {
	host      string
	publicKey string
	secretKey string
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger

	queue chan ingestionEvent
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewLangfuse creates a Langfuse tracer. Call Start to begin flushing
// and Close to drain the queue on shutdown.
func NewLangfuse(opts LangfuseOptions, logger *slog.Logger) *Langfuse {
	if opts.Host == "" {
		opts.Host = "https://cloud.langfuse.com"
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Langfuse{
		host:      strings.TrimRight(opts.Host, "/"),
		publicKey: opts.PublicKey,
		secretKey: opts.SecretKey,
		interval:  opts.FlushInterval,
		client:    httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		logger:    logger,
		queue:     make(chan ingestionEvent, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// ingestionEvent is one entry of an ingestion batch.
type ingestionEvent struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Body      map[string]any `json:"body"`
}

// Stats reports exporter counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Stats returns a snapshot of the exporter counters.
func (l *Langfuse) Stats() Stats {
	return Stats{
		Sent:    l.sent.Load(),
		Dropped: l.dropped.Load(),
		Failed:  l.failed.Load(),
		Queued:  len(l.queue),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func longID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (l *Langfuse) enqueue(typ string, body map[string]any) {
	ev := ingestionEvent{
		ID:        uuid.NewString(),
		Timestamp: now(),
		Type:      typ,
		Body:      body,
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
		l.logger.Warn("langfuse queue full, dropping event", "type", typ)
	}
}

// OpenSession records a session-level trace for a conversation.
func (l *Langfuse) OpenSession(_ context.Context, userID, conversationID int64) string {
	id := fmt.Sprintf("conv_%d_%s", conversationID, shortID())
	l.enqueue("trace-create", map[string]any{
		"id":        id,
		"name":      fmt.Sprintf("Conversation %d", conversationID),
		"userId":    fmt.Sprint(userID),
		"sessionId": id,
		"timestamp": now(),
		"metadata": map[string]any{
			"conversation_id": conversationID,
			"user_id":         userID,
			"session_type":    "chat_conversation",
		},
	})
	l.logger.Debug("langfuse session opened", "session_id", id)
	return id
}

// OpenTrace starts a trace for one turn.
func (l *Langfuse) OpenTrace(_ context.Context, sessionID, input, model, toolUsed string) string {
	id := "trace_" + longID()
	body := map[string]any{
		"id":        id,
		"name":      "Chat with " + model,
		"input":     input,
		"timestamp": now(),
		"metadata": map[string]any{
			"model":     model,
			"tool_used": toolUsed,
		},
	}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	l.enqueue("trace-create", body)
	return id
}

// LogSpan records a completed span.
func (l *Langfuse) LogSpan(_ context.Context, traceID string, span Span) string {
	if traceID == "" {
		return ""
	}
	id := "span_" + shortID()
	start, end := span.Start, span.End
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end
	}
	l.enqueue("span-create", map[string]any{
		"id":        id,
		"traceId":   traceID,
		"name":      span.Name,
		"input":     span.Input,
		"output":    span.Output,
		"metadata":  span.Metadata,
		"startTime": start.UTC().Format(time.RFC3339Nano),
		"endTime":   end.UTC().Format(time.RFC3339Nano),
	})
	return id
}

// LogGeneration records one model call with its usage.
func (l *Langfuse) LogGeneration(_ context.Context, traceID string, gen Generation) string {
	if traceID == "" {
		return ""
	}
	id := "gen_" + shortID()
	end := gen.End
	if end.IsZero() {
		end = time.Now()
	}
	start := gen.Start
	if start.IsZero() {
		start = end
	}

	metadata := map[string]any{"model_provider": "ollama"}
	body := map[string]any{
		"id":        id,
		"traceId":   traceID,
		"name":      "LLM Generation - " + gen.Model,
		"model":     gen.Model,
		"input":     gen.Input,
		"output":    gen.Output,
		"startTime": start.UTC().Format(time.RFC3339Nano),
		"endTime":   end.UTC().Format(time.RFC3339Nano),
		"metadata":  metadata,
	}
	if u := gen.Usage; u != nil {
		body["usage"] = map[string]any{
			"input":  u.InputTokens,
			"output": u.OutputTokens,
			"total":  u.InputTokens + u.OutputTokens,
			"unit":   "TOKENS",
		}
		metadata["total_duration_ms"] = u.TotalDuration.Milliseconds()
		metadata["load_duration_ms"] = u.LoadDuration.Milliseconds()
		metadata["prompt_eval_duration_ms"] = u.PromptEvalDuration.Milliseconds()
		metadata["eval_duration_ms"] = u.EvalDuration.Milliseconds()
	}
	l.enqueue("generation-create", body)
	return id
}

// Finalize sets the trace output and status. Langfuse upserts traces
// by id, so this is another trace-create for the same id.
func (l *Langfuse) Finalize(_ context.Context, traceID, output string, status Status) {
	if traceID == "" {
		return
	}
	l.enqueue("trace-create", map[string]any{
		"id":     traceID,
		"output": output,
		"metadata": map[string]any{
			"status":       string(status),
			"completed_at": now(),
		},
	})
}

// LogError marks the trace as errored.
func (l *Langfuse) LogError(_ context.Context, traceID, message, kind string) {
	if traceID == "" {
		return
	}
	l.enqueue("trace-create", map[string]any{
		"id": traceID,
		"metadata": map[string]any{
			"status":        string(StatusError),
			"error_type":    kind,
			"error_message": message,
			"error_at":      now(),
		},
	})
}

// Start launches the background flusher. It stops when ctx is
// cancelled or Close is called.
func (l *Langfuse) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Flush(ctx)
			}
		}
	}()
}

// Close stops the flusher and sends whatever is still queued.
func (l *Langfuse) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.Flush(ctx)
}

// Flush drains the queue, posting at most maxBatch events per request.
func (l *Langfuse) Flush(ctx context.Context) error {
	for {
		batch := l.take(maxBatch)
		if len(batch) == 0 {
			return nil
		}
		if err := l.post(ctx, batch); err != nil {
			l.failed.Add(int64(len(batch)))
			l.logger.Warn("langfuse export failed", "events", len(batch), "error", err)
			return err
		}
		l.sent.Add(int64(len(batch)))
	}
}

func (l *Langfuse) take(n int) []ingestionEvent {
	var batch []ingestionEvent
	for len(batch) < n {
		select {
		case ev := <-l.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (l *Langfuse) post(ctx context.Context, batch []ingestionEvent) error {
	payload, err := json.Marshal(map[string]any{"batch": batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	l.logger.Log(ctx, config.LevelTrace, "langfuse batch", "body", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.host+"/api/public/ingestion", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(l.publicKey, l.secretKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ingestion: %w", err)
	}
	defer resp.Body.Close()

	// 207 Multi-Status is the normal answer; per-event errors are logged.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return fmt.Errorf("ingestion HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var result struct {
		Errors []struct {
			ID      string `json:"id"`
			Status  int    `json:"status"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		for _, e := range result.Errors {
			l.logger.Warn("langfuse rejected event", "event_id", e.ID, "status", e.Status, "message", e.Message)
		}
	}
	return nil
}

// Ping checks that the Langfuse host answers its health endpoint.
func (l *Langfuse) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.host+"/api/public/health", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("langfuse health HTTP %d", resp.StatusCode)
	}
	return nil
}
