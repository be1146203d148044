// Package broadcast sends one piece of content to many chats, once, after a
// delay, on a fixed interval, or on a cron schedule.
package broadcast

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/pkg/logx"
)

const Name = "broadcast"

const (
	ModeNow      = "now"
	ModeDelay    = "delay"
	ModeInterval = "interval"
	ModeCron     = "cron"
)

const (
	ContentText     = "text"
	ContentPhoto    = "photo"
	ContentDocument = "document"
	ContentForward  = "forward"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	// Limiter paces sends across targets. Nil means unlimited.
	Limiter *rate.Limiter
}

type Command struct {
	command.HandleStopper
	lim *rate.Limiter
}

func New(cfg Config) command.Command {
	lim := cfg.Limiter
	if lim == nil {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	return &Command{lim: lim}
}

// Content is what gets delivered to every target.
type Content struct {
	Type       string
	Text       string
	Path       string
	Caption    string
	FromChatID int64
	MessageID  int
}

// Schedule decides when deliveries happen.
type Schedule struct {
	Mode    string
	Minutes int64
	Spec    string
	cron    cron.Schedule
}

// Failure is one target that could not be delivered to.
type Failure struct {
	Target int64  `json:"target"`
	Error  string `json:"error"`
}

// Result summarizes one delivery round.
type Result struct {
	At       time.Time
	Success  int
	Failures []Failure
}

func parseContent(d job.Details) (Content, error) {
	if d == nil {
		return Content{}, command.Configf("broadcast needs content")
	}
	c := Content{
		Type:    strings.ToLower(strings.TrimSpace(d.String("type"))),
		Text:    d.String("text"),
		Path:    d.String("path"),
		Caption: d.String("caption"),
	}
	if c.Type == "" {
		c.Type = ContentText
	}
	switch c.Type {
	case ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return c, command.Configf("broadcast text content is empty")
		}
	case ContentPhoto, ContentDocument:
		if strings.TrimSpace(c.Path) == "" {
			return c, command.Configf("broadcast %s content needs a file path", c.Type)
		}
	case ContentForward:
		from, ok1 := d.Int64("from_chat_id")
		msg, ok2 := d.Int64("message_id")
		if !ok1 || !ok2 || msg <= 0 {
			return c, command.Configf("broadcast forward needs from_chat_id and message_id")
		}
		c.FromChatID, c.MessageID = from, int(msg)
	default:
		return c, command.Configf("broadcast content type %q is not recognized", c.Type)
	}
	return c, nil
}

func parseSchedule(d job.Details) (Schedule, error) {
	s := Schedule{Mode: ModeNow}
	if d == nil {
		return s, nil
	}
	if m := strings.ToLower(strings.TrimSpace(d.String("mode"))); m != "" {
		s.Mode = m
	}
	if n, ok := d.Int64("minutes"); ok {
		s.Minutes = n
	}
	switch s.Mode {
	case ModeNow:
	case ModeDelay:
		s.Minutes = max(s.Minutes, 0)
	case ModeInterval:
		s.Minutes = max(s.Minutes, 1)
	case ModeCron:
		s.Spec = strings.TrimSpace(d.String("cron"))
		if s.Spec == "" {
			return s, command.Configf("broadcast cron schedule needs a cron expression")
		}
		sched, err := cronParser.Parse(s.Spec)
		if err != nil {
			return s, command.Configf("broadcast cron expression %q is invalid: %v", s.Spec, err)
		}
		s.cron = sched
	default:
		return s, command.Configf("broadcast schedule mode %q is not recognized", s.Mode)
	}
	return s, nil
}

type run struct {
	jc      *command.Context
	lim     *rate.Limiter
	targets []int64
	content Content
	dryRun  bool
}

func (c *Command) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	d := jc.Details
	targets := d.Int64s("targets")
	if len(targets) == 0 {
		return nil, command.Configf("broadcast needs at least one target")
	}
	content, err := parseContent(d.Map("content"))
	if err != nil {
		return nil, err
	}
	sched, err := parseSchedule(d.Map("schedule"))
	if err != nil {
		return nil, err
	}

	r := &run{jc: jc, lim: c.lim, targets: targets, content: content, dryRun: d.Bool("dry_run")}
	log := jc.Log.With(logx.String("mode", sched.Mode), logx.String("content_type", content.Type))

	switch sched.Mode {
	case ModeNow:
		if _, err := r.deliver(ctx); err != nil {
			return nil, err
		}
		return nil, nil

	case ModeDelay:
		if err := jc.UpdateStatus(ctx, job.StatusScheduled, ""); err != nil {
			return nil, err
		}
		wait := time.Duration(sched.Minutes) * time.Minute
		if err := jc.MergeDetails(ctx, map[string]any{"next_run_at": jc.Now().Add(wait).Format(time.RFC3339)}); err != nil {
			log.Warn("details update failed", logx.Err(err))
		}
		h := command.NewHandle(log)
		h.Go("broadcast.delay", func(ctx context.Context) error {
			if err := jc.Sleep(ctx, wait); err != nil {
				return err
			}
			if err := jc.UpdateStatus(ctx, job.StatusRunning, ""); err != nil {
				return err
			}
			if _, err := r.deliver(ctx); err != nil {
				return err
			}
			return jc.UpdateStatus(ctx, job.StatusCompleted, "")
		})
		log.Info("broadcast scheduled", logx.Duration("in", wait))
		return h, nil

	case ModeInterval:
		if err := jc.UpdateStatus(ctx, job.StatusInterval, ""); err != nil {
			return nil, err
		}
		every := time.Duration(sched.Minutes) * time.Minute
		h := command.NewHandle(log)
		h.Go("broadcast.interval", func(ctx context.Context) error {
			return r.loop(ctx, func(time.Time) time.Duration { return every }, true)
		})
		log.Info("broadcast repeating", logx.Duration("every", every))
		return h, nil

	case ModeCron:
		if err := jc.UpdateStatus(ctx, job.StatusInterval, ""); err != nil {
			return nil, err
		}
		h := command.NewHandle(log)
		h.Go("broadcast.cron", func(ctx context.Context) error {
			return r.loop(ctx, func(now time.Time) time.Duration {
				next := sched.cron.Next(now)
				_ = jc.MergeDetails(ctx, map[string]any{"next_run_at": next.UTC().Format(time.RFC3339)})
				return next.Sub(now)
			}, false)
		})
		log.Info("broadcast on cron", logx.String("cron", sched.Spec))
		return h, nil
	}
	return nil, command.Configf("broadcast schedule mode %q is not recognized", sched.Mode)
}

// loop delivers repeatedly, waiting next(now) between rounds. With
// sendFirst the first round goes out before any wait.
func (r *run) loop(ctx context.Context, next func(now time.Time) time.Duration, sendFirst bool) error {
	count, _ := r.jc.Details.Int64("delivery_count")
	if !sendFirst {
		if err := r.jc.Sleep(ctx, next(r.jc.Now())); err != nil {
			return err
		}
	}
	for {
		if _, err := r.deliver(ctx); err != nil {
			return err
		}
		count++
		if err := r.jc.MergeDetails(ctx, map[string]any{"delivery_count": count}); err != nil {
			r.jc.Log.Warn("details update failed", logx.Err(err))
		}
		if err := r.jc.Sleep(ctx, next(r.jc.Now())); err != nil {
			return err
		}
	}
}

// deliver sends content to every target once. Per-target failures are
// collected, never returned; the error is only for cancellation.
func (r *run) deliver(ctx context.Context) (Result, error) {
	res := Result{Failures: []Failure{}}
	for _, target := range r.targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.dryRun {
			r.jc.Log.Info("broadcast dry run", logx.Int64("target", target))
			res.Success++
			continue
		}
		if err := r.lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, errors.Wrap(err, "rate limiter")
		}
		if err := r.send(ctx, target); err != nil {
			r.jc.Log.Warn("broadcast delivery failed", logx.Int64("target", target), logx.Err(err))
			res.Failures = append(res.Failures, Failure{Target: target, Error: err.Error()})
			continue
		}
		res.Success++
	}
	res.At = r.jc.Now()

	failures := make([]any, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, map[string]any{"target": f.Target, "error": f.Error})
	}
	if err := r.jc.MergeDetails(ctx, map[string]any{
		"last_send":     res.At.Format(time.RFC3339),
		"last_success":  res.Success,
		"last_failures": failures,
		"content_type":  r.content.Type,
	}); err != nil {
		r.jc.Log.Warn("details update failed", logx.Err(err))
	}
	r.jc.Log.Info("broadcast round done",
		logx.Int("success", res.Success), logx.Int("targets", len(r.targets)), logx.Bool("dry_run", r.dryRun))
	return res, nil
}

func (r *run) send(ctx context.Context, target int64) error {
	c := r.content
	conn := r.jc.Conn
	switch c.Type {
	case ContentText:
		return conn.SendMessage(ctx, target, c.Text)
	case ContentPhoto, ContentDocument:
		if _, err := os.Stat(c.Path); err != nil {
			return errors.Wrapf(err, "%s file", c.Type)
		}
		return conn.SendFile(ctx, target, c.Path, platform.FileOptions{Caption: c.Caption, AsDocument: c.Type == ContentDocument})
	case ContentForward:
		return conn.Forward(ctx, target, c.FromChatID, c.MessageID)
	}
	return errors.Newf("unknown content type %q", c.Type)
}
