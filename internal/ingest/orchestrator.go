// Package ingest drives image attachments through download, pipeline run,
// result extraction and chunked delivery.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"scanbot/internal/attachment"
	"scanbot/internal/bus"
	"scanbot/internal/chunk"
	"scanbot/internal/domain"
	"scanbot/internal/history"
	"scanbot/internal/pipeline"

	"github.com/google/uuid"
)

const unknownUser = "unknown"

// DeliverFunc sends one chunk of text back to the channel named by source.
type DeliverFunc func(ctx context.Context, source, text string) error

// Acquirer downloads attachments into the scratch directory.
type Acquirer interface {
	Acquire(ctx context.Context, att domain.Attachment) (*domain.AcquiredImage, error)
	Cleanup(img *domain.AcquiredImage)
}

// Runner executes the analysis pipeline for one image.
type Runner interface {
	Run(ctx context.Context, imagePath, userID string) (*pipeline.Result, error)
}

// Recorder persists per-attachment outcomes.
type Recorder interface {
	Save(ctx context.Context, rec history.Record) error
}

// Config wires an Orchestrator.
type Config struct {
	Acquirer Acquirer
	Runner   Runner
	Recorder Recorder      // optional
	Events   *bus.EventBus // optional
	MaxChunk int           // default: chunk.DefaultMaxLen
	Logger   *slog.Logger
}

// Orchestrator processes the image attachments of one message at a time,
// strictly in order.
type Orchestrator struct {
	acquirer Acquirer
	runner   Runner
	recorder Recorder
	events   *bus.EventBus
	maxChunk int
	logger   *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = chunk.DefaultMaxLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		acquirer: cfg.Acquirer,
		runner:   cfg.Runner,
		recorder: cfg.Recorder,
		events:   cfg.Events,
		maxChunk: cfg.MaxChunk,
		logger:   cfg.Logger,
	}
}

// Summary counts the outcomes of one Handle call.
type Summary struct {
	Attachments int
	Succeeded   int
	Failed      int
}

// Handle processes every image attachment of msg. Failures are reported
// per attachment through deliver and never stop the loop. A nil deliver
// still runs the pipeline and logs the outcome.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage, deliver DeliverFunc) Summary {
	images := attachment.FilterImages(msg.Attachments)
	sum := Summary{Attachments: len(images)}
	if len(images) == 0 {
		return sum
	}

	o.logger.Info("processing image attachments",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"count", len(images),
	)

	for _, att := range images {
		if o.process(ctx, msg, att, deliver) {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	return sum
}

func (o *Orchestrator) process(ctx context.Context, msg domain.InboundMessage, att domain.Attachment, deliver DeliverFunc) bool {
	name := att.DisplayName()
	rec := history.Record{
		ID:           uuid.NewString(),
		MessageID:    msg.ID,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		SenderID:     msg.SenderID,
		AttachmentID: att.ID,
		Filename:     name,
		CreatedAt:    time.Now(),
	}
	logger := o.logger.With("run_id", rec.ID, "attachment", name)

	img, err := o.acquirer.Acquire(ctx, att)
	if err != nil {
		o.fail(ctx, logger, msg, &rec, &domain.StageError{Stage: domain.StageAcquire, Attachment: name, Err: err}, deliver)
		return false
	}
	defer o.acquirer.Cleanup(img)
	rec.Filename = filepath.Base(img.Path)
	o.events.Emit(bus.Event{Type: bus.EventImageAcquired, Channel: msg.Channel, Attachment: name, RunID: rec.ID})

	userID := msg.SenderID
	if userID == "" {
		userID = unknownUser
	}
	runStart := time.Now()
	res, err := o.runner.Run(ctx, img.Path, userID)
	if err != nil {
		o.events.Emit(bus.Event{Type: bus.EventPipelineFailed, Channel: msg.Channel, Attachment: name, RunID: rec.ID, Duration: time.Since(runStart), Err: err})
		o.fail(ctx, logger, msg, &rec, &domain.StageError{Stage: domain.StageInvoke, Attachment: name, Err: err}, deliver)
		return false
	}
	o.events.Emit(bus.Event{Type: bus.EventPipelineCompleted, Channel: msg.Channel, Attachment: name, RunID: rec.ID, Duration: res.Duration})

	ex, ok := pipeline.ExtractDetailed(res.Stdout)
	if !ok {
		o.fail(ctx, logger, msg, &rec, &domain.StageError{Stage: domain.StageExtract, Attachment: name, Err: domain.ErrNoResults}, deliver)
		return false
	}
	if ex.Mismatched() {
		logger.Warn("question/answer count mismatch, unpaired entries dropped",
			"questions", ex.Questions,
			"answers", ex.Answers,
		)
	}
	rec.Results = ex.Results

	chunks := chunk.Split(FormatReport(name, ex.Results), o.maxChunk)
	if deliver == nil {
		logger.Info("results computed without delivery callback", "questions", len(ex.Results), "chunks", len(chunks))
	} else {
		for i, c := range chunks {
			if err := deliver(ctx, msg.Channel, c); err != nil {
				rec.Chunks = i
				o.fail(ctx, logger, msg, &rec, &domain.StageError{Stage: domain.StageDeliver, Attachment: name, Err: err}, deliver)
				return false
			}
		}
		rec.Chunks = len(chunks)
	}

	rec.Status = history.StatusSucceeded
	rec.Duration = time.Since(rec.CreatedAt)
	o.record(ctx, logger, rec)
	o.events.Emit(bus.Event{Type: bus.EventResultsDelivered, Channel: msg.Channel, Attachment: name, RunID: rec.ID, Count: rec.Chunks})
	logger.Info("attachment analysed", "questions", len(ex.Results), "chunks", rec.Chunks, "duration", rec.Duration)
	return true
}

// fail logs, records and reports one attachment failure.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, rec *history.Record, serr *domain.StageError, deliver DeliverFunc) {
	attrs := []any{"stage", serr.Stage, "err", serr.Err}
	var ie *pipeline.InvocationError
	if errors.As(serr.Err, &ie) {
		attrs = append(attrs, "kind", ie.Kind, "exit_code", ie.ExitCode)
	}
	logger.Error("attachment processing failed", attrs...)

	rec.Status = history.StatusFailed
	rec.Stage = serr.Stage
	rec.Error = serr.Err.Error()
	rec.Duration = time.Since(rec.CreatedAt)
	o.record(ctx, logger, *rec)
	o.events.Emit(bus.Event{Type: bus.EventAttachmentFailed, Channel: msg.Channel, Attachment: serr.Attachment, Stage: string(serr.Stage), RunID: rec.ID, Err: serr})

	if deliver == nil {
		return
	}
	if err := deliver(ctx, msg.Channel, serr.UserMessage()); err != nil {
		logger.Error("failure notice not delivered", "err", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, rec history.Record) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("history record not saved", "err", err)
	}
}
