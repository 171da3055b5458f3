package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/session"
)

// Response is the outcome of dispatching to one bot.
type Response struct {
	Bot     string
	Output  core.Output
	Message core.Message
	Err     error
}

// Options configure a Router.
type Options struct {
	// Transport receives every bot response. Optional.
	Transport core.Transport
	Logger    logging.Logger
	Now       func() time.Time
	// OnMatch observes every matched bot with its trigger kind.
	OnMatch func(kind core.TriggerKind)
}

// Router is the multi-agent router.
type Router struct {
	sessions  *session.InMemoryStore
	handler   core.BotHandler
	transport core.Transport
	schedules *scheduleCache
	logger    logging.Logger
	now       func() time.Time
	onMatch   func(core.TriggerKind)

	cron *cron.Cron
}

// New creates a router over the given session registry and bot handler.
func New(sessions *session.InMemoryStore, handler core.BotHandler, optFns ...func(o *Options)) *Router {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		sessions:  sessions,
		handler:   handler,
		transport: opts.Transport,
		schedules: newScheduleCache(),
		logger:    logging.OrNoOp(opts.Logger),
		now:       opts.Now,
		onMatch:   opts.OnMatch,
	}
}

// Join activates bot in a session.
func (r *Router) Join(ctx context.Context, sessionID string, bot core.Bot, optFns ...func(o *session.JoinOptions)) (core.SessionBot, error) {
	var opts session.JoinOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	trigger := bot.Trigger
	if opts.Trigger != nil {
		trigger = *opts.Trigger
	}
	if trigger.Kind == core.TriggerSchedule {
		if err := ValidateSchedule(trigger.Schedule); err != nil {
			return core.SessionBot{}, fmt.Errorf("join %s: %w", bot.Name, err)
		}
	}
	return r.sessions.Join(ctx, sessionID, bot, optFns...)
}

// Leave deactivates a bot in a session.
func (r *Router) Leave(ctx context.Context, sessionID, botName string) error {
	return r.sessions.Leave(ctx, sessionID, botName)
}

// Route returns the session bots that should respond to in, in response order.
func (r *Router) Route(ctx context.Context, in Inbound) ([]core.SessionBot, error) {
	active, err := r.sessions.Active(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	return r.route(active, in), nil
}

func (r *Router) route(active []core.SessionBot, in Inbound) []core.SessionBot {
	matched := make([]core.SessionBot, 0, len(active))
	for _, sb := range active {
		if r.match(sb.EffectiveTrigger(), in) {
			matched = append(matched, sb)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.Bot.Name < b.Bot.Name
	})
	return matched
}

// Dispatch routes in and invokes each matched bot in order. A failing bot
// does not stop the ones after it; its error is reported in its Response.
func (r *Router) Dispatch(ctx context.Context, in Inbound) ([]Response, error) {
	matched, err := r.Route(ctx, in)
	if err != nil {
		return nil, err
	}
	if in.Text != "" {
		author := in.Author
		if author == "" {
			author = "user"
		}
		r.sessions.AppendMessage(core.Message{SessionID: in.SessionID, Author: author, Text: in.Text, CreatedAt: r.now()})
	}

	responses := make([]Response, 0, len(matched))
	for _, sb := range matched {
		if r.onMatch != nil {
			r.onMatch(sb.EffectiveTrigger().Kind)
		}
		responses = append(responses, r.invoke(ctx, sb, in))
	}
	return responses, nil
}

func (r *Router) invoke(ctx context.Context, sb core.SessionBot, in Inbound) Response {
	vars := map[string]any{"trigger": string(sb.EffectiveTrigger().Kind)}
	if in.Tool != "" {
		vars["tool"] = in.Tool
	}
	if in.Event != "" {
		vars["event"] = in.Event
	}
	out, err := r.handler.Invoke(ctx, core.BotCall{
		SessionID: in.SessionID,
		Bot:       sb.Name(),
		Task:      in.Text,
		Variables: vars,
	})
	if err != nil {
		r.logger.Warn("Bot dispatch failed", "session", in.SessionID, "bot", sb.Name(), "error", err)
		return Response{Bot: sb.Name(), Err: err}
	}

	msg := r.sessions.AppendMessage(core.Message{SessionID: in.SessionID, Author: sb.Name(), Text: out.Text, CreatedAt: r.now()})
	if r.transport != nil && out.Text != "" {
		if err := r.transport.Send(ctx, msg); err != nil {
			r.logger.Warn("Failed to deliver bot response", "session", in.SessionID, "bot", sb.Name(), "error", err)
			return Response{Bot: sb.Name(), Output: out, Message: msg, Err: err}
		}
	}
	return Response{Bot: sb.Name(), Output: out, Message: msg}
}

// HandleEvent dispatches a published event to the event-triggered bots of
// every known session. It is suitable as an event bus subscriber.
func (r *Router) HandleEvent(ctx context.Context, ev core.Event) error {
	return r.fanOut(ctx, core.TriggerEvent, func(sessionID string) Inbound {
		return Inbound{SessionID: sessionID, Event: ev.Name, Author: "event:" + ev.Name, At: ev.CreatedAt}
	})
}

// Tick dispatches to the schedule-triggered bots of every known session
// whose schedule fires at the minute containing at.
func (r *Router) Tick(ctx context.Context, at time.Time) error {
	return r.fanOut(ctx, core.TriggerSchedule, func(sessionID string) Inbound {
		return Inbound{SessionID: sessionID, At: at}
	})
}

func (r *Router) fanOut(ctx context.Context, kind core.TriggerKind, build func(sessionID string) Inbound) error {
	var errs []error
	for _, id := range r.sessions.Sessions() {
		active, err := r.sessions.Active(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		in := build(id)
		for _, sb := range r.route(active, in) {
			if sb.EffectiveTrigger().Kind != kind {
				continue
			}
			if r.onMatch != nil {
				r.onMatch(kind)
			}
			if resp := r.invoke(ctx, sb, in); resp.Err != nil {
				errs = append(errs, resp.Err)
			}
		}
	}
	return errors.Join(errs...)
}

// StartScheduler evaluates schedule triggers at the top of every minute
// until StopScheduler is called.
func (r *Router) StartScheduler(ctx context.Context) error {
	if r.cron != nil {
		return errors.New("scheduler already running")
	}
	c := cron.New()
	if _, err := c.AddFunc("* * * * *", func() {
		if err := r.Tick(ctx, r.now()); err != nil {
			r.logger.Warn("Scheduled dispatch failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("Router scheduler started")
	return nil
}

// StopScheduler stops the schedule loop and waits for running dispatches.
func (r *Router) StopScheduler() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}
