package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/cache"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/notification"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
	"github.com/d60-Lab/qa-realtime/pkg/tracing"
)

const defaultOpTimeout = 500 * time.Millisecond

// Broker is the part of *eventbus.Bus the publisher needs.
type Broker interface {
	Alive(ctx context.Context) bool
	Publish(ctx context.Context, evt model.Event) error
}

// Publisher 写路径在数据库提交后调用的唯一入口。
// 三个方法都不返回错误：实时推送失败不能影响已经落库的写操作。
type Publisher struct {
	bus        Broker
	queue      notification.Queue
	snapshots  cache.Snapshots
	dispatcher *Dispatcher
	tracer     trace.Tracer
	opTimeout  time.Duration
}

type PublisherOption func(*Publisher)

// WithDispatcher moves the side effects onto d's workers; the Publish* calls
// then only enqueue.
func WithDispatcher(d *Dispatcher) PublisherOption {
	return func(p *Publisher) { p.dispatcher = d }
}

func WithOpTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

func WithTracer(t trace.Tracer) PublisherOption {
	return func(p *Publisher) { p.tracer = t }
}

func NewPublisher(bus Broker, queue notification.Queue, snapshots cache.Snapshots, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:       bus,
		queue:     queue,
		snapshots: snapshots,
		tracer:    tracing.Tracer(),
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishNewQuestion announces q on new_question, primes its snapshot and
// records it in the recent-questions list.
func (p *Publisher) PublishNewQuestion(ctx context.Context, q model.Question) {
	p.submit(ctx, "PublishNewQuestion", func(ctx context.Context, span trace.Span) {
		span.SetAttributes(attribute.String("question.id", q.ID))
		p.publish(ctx, span, model.ChannelNewQuestion, model.QuestionPayload{Question: q}, "")
		p.putSnapshot(ctx, q)
		if err := p.snapshots.PushRecent(ctx, q.ID); err != nil {
			logger.Warn("push recent question", zap.String("question_id", q.ID), zap.Error(err))
		}
	})
}

// PublishNewAnswer announces a on new_answer for the question's author only,
// refreshes the question snapshot and queues a notification for the author.
func (p *Publisher) PublishNewAnswer(ctx context.Context, a model.Answer, q model.Question) {
	p.submit(ctx, "PublishNewAnswer", func(ctx context.Context, span trace.Span) {
		span.SetAttributes(
			attribute.String("answer.id", a.ID),
			attribute.String("question.id", q.ID),
		)
		payload := model.AnswerPayload{
			Answer:   a,
			Question: model.QuestionRef{ID: q.ID, Title: q.Title, AuthorID: q.AuthorID},
		}
		p.publish(ctx, span, model.ChannelNewAnswer, payload, q.AuthorID)
		p.putSnapshot(ctx, q)

		if q.AuthorID == "" {
			return
		}
		if err := p.queue.Add(ctx, q.AuthorID, answerNotification(a, q)); err != nil {
			logger.Warn("queue answer notification",
				zap.String("user_id", q.AuthorID), zap.String("answer_id", a.ID), zap.Error(err))
			span.RecordError(err)
		}
	})
}

// PublishQuestionUpdate announces q on question_updated and refreshes its snapshot.
func (p *Publisher) PublishQuestionUpdate(ctx context.Context, q model.Question) {
	p.submit(ctx, "PublishQuestionUpdate", func(ctx context.Context, span trace.Span) {
		span.SetAttributes(
			attribute.String("question.id", q.ID),
			attribute.String("question.status", string(q.Status)),
		)
		p.publish(ctx, span, model.ChannelQuestionUpdated, model.QuestionPayload{Question: q}, "")
		p.putSnapshot(ctx, q)
	})
}

func answerNotification(a model.Answer, q model.Question) model.Notification {
	who := a.AuthorName
	if who == "" {
		who = "A mentor"
	}
	return model.Notification{
		Type:       model.NotificationNewAnswer,
		Title:      "New answer",
		Message:    fmt.Sprintf("%s answered your question %q", who, q.Title),
		QuestionID: q.ID,
		AnswerID:   a.ID,
	}
}

// submit probes the broker and, if it is up, runs fn inline or on the
// dispatcher. Nothing here reports back to the caller.
func (p *Publisher) submit(ctx context.Context, op string, fn func(context.Context, trace.Span)) {
	job := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
		defer cancel()
		ctx, span := p.tracer.Start(ctx, "realtime."+op)
		defer span.End()

		if !p.bus.Alive(ctx) {
			logger.Info("broker unavailable, skip realtime side effects", zap.String("op", op))
			span.SetAttributes(attribute.Bool("realtime.skipped", true))
			return
		}
		fn(ctx, span)
	}

	if p.dispatcher != nil {
		p.dispatcher.Enqueue(ctx, op, job)
		return
	}
	job(ctx)
}

func (p *Publisher) publish(ctx context.Context, span trace.Span, channel model.Channel, payload model.Payload, target string) {
	evt, err := model.NewEvent(channel, payload, target)
	if err != nil {
		logger.Error("build event", zap.String("channel", string(channel)), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		if errors.Is(err, eventbus.ErrBrokerUnavailable) {
			logger.Info("broker unavailable, event dropped", zap.String("channel", string(channel)))
		} else {
			logger.Warn("publish event", zap.String("channel", string(channel)), zap.Error(err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
}

func (p *Publisher) putSnapshot(ctx context.Context, q model.Question) {
	if q.ID == "" {
		return
	}
	if err := p.snapshots.PutQuestion(ctx, q); err != nil {
		logger.Warn("cache question snapshot", zap.String("question_id", q.ID), zap.Error(err))
	}
}
