// Package autotest runs the other commands briefly against a real chat to
// check an account end to end.
package autotest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/command"
	"ghostbot/internal/command/autoreply"
	"ghostbot/internal/command/broadcast"
	"ghostbot/internal/command/syncgroups"
	"ghostbot/internal/command/watcher"
	"ghostbot/internal/job"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

const Name = "auto_test"

const defaultSettle = 2 * time.Second

type Config struct {
	Registry *command.Registry
	Groups   storage.GroupStore
}

type Command struct {
	command.HandleStopper
	cfg Config
}

func New(cfg Config) command.Command { return &Command{cfg: cfg} }

// Step is the outcome of one stage of the self-test.
type Step struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type run struct {
	cfg     Config
	jc      *command.Context
	settle  time.Duration
	results []Step
}

// Start validates the setup and runs the steps on the returned handle so
// the settle waits do not hold up the caller.
func (c *Command) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	if c.cfg.Registry == nil || c.cfg.Groups == nil {
		return nil, errors.New("self-test needs the command registry and group store")
	}
	settle := defaultSettle
	if s, ok := jc.Details.Float64("settle_seconds"); ok && s >= 0 {
		settle = time.Duration(s * float64(time.Second))
	}
	r := &run{cfg: c.cfg, jc: jc, settle: settle}

	h := command.NewHandle(jc.Log)
	h.Go(Name, r.run)
	return h, nil
}

func (r *run) run(ctx context.Context) error {
	err := r.execute(ctx)
	if err != nil && ctx.Err() != nil {
		r.jc.Log.Info("self-test interrupted", logx.Int("steps", len(r.results)))
		return ctx.Err()
	}
	return err
}

func (r *run) execute(ctx context.Context) error {
	groups, err := r.prepareGroups(ctx)
	if err != nil {
		return r.fail(ctx, syncgroups.Name, err)
	}

	target, ok := r.jc.Details.Int64("target")
	if !ok {
		if len(groups) == 0 {
			return r.fail(ctx, "select_target", errors.New("no cached groups to test against"))
		}
		target = groups[0].ChatID
	}
	r.pass(ctx, "select_target")
	r.jc.Log.Info("self-test target selected", logx.Int64("target", target), logx.Duration("settle", r.settle))

	if err := r.startStop(ctx, autoreply.Name, job.Details{
		"targets":    []any{target},
		"keywords":   []any{"autotest", "ghostbot"},
		"exclusions": []any{"ignore_me"},
		"reply_text": "Automated test response",
	}); err != nil {
		return r.fail(ctx, autoreply.Name, err)
	}
	r.pass(ctx, autoreply.Name)

	if err := r.startStop(ctx, watcher.Name, job.Details{
		"targets":     []any{target},
		"keywords":    []any{"watch_me", "alert"},
		"exclusions":  []any{"mute"},
		"label":       "AutoTest Watcher",
		"destination": map[string]any{"mode": watcher.ModeLocal},
	}); err != nil {
		return r.fail(ctx, watcher.Name, err)
	}
	r.pass(ctx, watcher.Name)

	targets := []any{target}
	for _, g := range groups {
		if len(targets) >= 3 {
			break
		}
		if g.ChatID != target {
			targets = append(targets, g.ChatID)
		}
	}
	if err := r.startStop(ctx, broadcast.Name, job.Details{
		"targets":  targets,
		"content":  map[string]any{"type": broadcast.ContentText, "text": "[AUTOTEST] broadcast ping"},
		"schedule": map[string]any{"mode": broadcast.ModeNow},
		"dry_run":  true,
	}); err != nil {
		return r.fail(ctx, broadcast.Name, err)
	}
	r.pass(ctx, broadcast.Name)

	r.record(ctx, true)
	r.jc.Log.Info("self-test passed", logx.Int("steps", len(r.results)))
	return nil
}

// prepareGroups returns the cached groups, syncing first when there are none.
func (r *run) prepareGroups(ctx context.Context) ([]job.Group, error) {
	groups, err := r.cfg.Groups.ListGroups(ctx, r.jc.AccountID)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		return groups, nil
	}
	if err := r.startStop(ctx, syncgroups.Name, job.Details{}); err != nil {
		return nil, err
	}
	r.pass(ctx, syncgroups.Name)
	return r.cfg.Groups.ListGroups(ctx, r.jc.AccountID)
}

// startStop runs one command under a sub-context. Background handles are
// given the settle time and then stopped.
func (r *run) startStop(ctx context.Context, name string, details job.Details) error {
	cmd, err := r.cfg.Registry.Resolve(name)
	if err != nil {
		return err
	}
	sub := r.jc.Sub(r.jc.ProcessID+":"+Name+"."+name, details)
	h, err := cmd.Start(ctx, sub)
	if err != nil {
		return errors.Newf("%s", command.Note(err))
	}
	if h == nil {
		return nil
	}
	sleepErr := sub.Sleep(ctx, r.settle)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := cmd.Stop(stopCtx, h, sub); err != nil {
		return errors.Wrap(err, "stop")
	}
	if sleepErr != nil {
		return sleepErr
	}
	return h.Err()
}

func (r *run) pass(ctx context.Context, step string) {
	r.results = append(r.results, Step{Step: step, OK: true})
	r.record(ctx, false)
}

func (r *run) fail(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	r.results = append(r.results, Step{Step: step, OK: false, Error: err.Error()})
	r.record(ctx, true)
	r.jc.Log.Error("self-test step failed", logx.String("step", step), logx.Err(err))
	return errors.Wrapf(err, "self-test step %s failed", step)
}

func (r *run) record(ctx context.Context, final bool) {
	steps := make([]any, 0, len(r.results))
	ok := true
	for _, s := range r.results {
		m := map[string]any{"step": s.Step, "ok": s.OK}
		if s.Error != "" {
			m["error"] = s.Error
		}
		ok = ok && s.OK
		steps = append(steps, m)
	}
	summary := map[string]any{"steps": steps}
	if final {
		summary["ok"] = ok
		summary["finished_at"] = r.jc.Now().Format(time.RFC3339)
	}
	if err := r.jc.MergeDetails(ctx, map[string]any{"auto_test": summary}); err != nil {
		r.jc.Log.Warn("details update failed", logx.Err(err))
	}
}
