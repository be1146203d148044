// Package watcher records messages matching a rule to a local log or a
// Google Sheets worksheet.
package watcher

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/match"
	"ghostbot/internal/platform"
	"ghostbot/internal/sink"
	"ghostbot/internal/sink/sheets"
	"ghostbot/pkg/logx"
)

const Name = "watcher"

const (
	ModeLocal  = "local"
	ModeSheets = "sheets"
)

// Columns is the record layout shared by both destinations.
var Columns = []string{
	"sender_username",
	"sender_id",
	"message",
	"chat_title",
	"timestamp_utc",
	"process_id",
	"label",
	"chat_id",
	"message_id",
}

type Config struct {
	// LogDir holds <process_id>.jsonl files for local mode.
	LogDir string
	Sheets sink.SheetOpener
}

type Command struct {
	command.HandleStopper
	cfg Config
}

func New(cfg Config) command.Command {
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "logs/watcher"
	}
	return &Command{cfg: cfg}
}

var sheetNotes = map[sheets.Kind]string{
	sheets.KindCredentials: "Google Sheets credentials are missing or invalid",
	sheets.KindPermission:  "the service account has no access to the selected sheet",
	sheets.KindNotFound:    "Google Sheet or worksheet not found",
	sheets.KindConfig:      "Google Sheets reference is invalid",
	sheets.KindUnknown:     "failed to initialize Google Sheets",
}

type state struct {
	jc      *command.Context
	matcher match.Matcher
	label   string
	mode    string
	rec     sink.Recorder
	self    int64

	mu    sync.Mutex
	count int64
}

func (c *Command) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	d := jc.Details
	targets := d.Int64s("targets")
	rule := match.RuleFromDetails(d)
	matcher := match.New(rule)
	if len(targets) == 0 || matcher.Empty() {
		return nil, command.Configf("watcher needs targets and keywords")
	}

	label := d.String("label")
	if label == "" {
		label = "Watcher " + jc.ProcessID
	}
	dest := d.Map("destination")
	mode := strings.ToLower(dest.String("mode"))
	if mode == "" {
		mode = ModeLocal
	}

	var rec sink.Recorder
	switch mode {
	case ModeLocal:
		l, err := sink.OpenJSONL(filepath.Join(c.cfg.LogDir, fileSafe(jc.ProcessID)+".jsonl"))
		if err != nil {
			return nil, errors.Wrap(err, "open watcher log")
		}
		rec = l
	case ModeSheets:
		r, err := c.openSheet(ctx, jc, dest)
		if err != nil {
			return nil, err
		}
		rec = r
	default:
		return nil, command.Configf("watcher destination mode %q is not recognized", mode)
	}

	if err := rec.EnsureHeader(ctx, Columns); err != nil {
		_ = rec.Close()
		return nil, sheetInitError(err)
	}

	me, err := jc.Conn.Me(ctx)
	if err != nil {
		_ = rec.Close()
		return nil, errors.Wrap(err, "resolve own account")
	}
	st := &state{jc: jc, matcher: matcher, label: label, mode: mode, rec: rec, self: me.ID}
	if n, ok := d.Int64("match_count"); ok {
		st.count = n
	}

	sub, err := jc.Conn.SubscribeNewMessage(targets, st.onMessage)
	if err != nil {
		_ = rec.Close()
		return nil, errors.Wrap(err, "subscribe")
	}

	h := command.NewHandle(jc.Log)
	h.OnStop(func(context.Context) error { return jc.Conn.Unsubscribe(sub) })
	h.OnStop(func(context.Context) error { return rec.Close() })
	jc.Log.Info("watcher listening", logx.String("label", label), logx.String("mode", mode), logx.Any("targets", targets))
	return h, nil
}

func (c *Command) openSheet(ctx context.Context, jc *command.Context, dest job.Details) (sink.Recorder, error) {
	ref := strings.TrimSpace(dest.String("sheet_ref"))
	if ref == "" {
		return nil, command.Configf("Google Sheets destination is not set")
	}
	if c.cfg.Sheets == nil {
		return nil, command.Configf("Google Sheets is not configured on this instance")
	}
	rec, res, err := c.cfg.Sheets.OpenSheet(ctx, ref)
	if err != nil {
		_ = jc.MergeDetails(ctx, map[string]any{"sheet_error_kind": string(sheets.KindOf(err))})
		return nil, sheetInitError(err)
	}

	resolved := map[string]any{
		"spreadsheet_title": res.SpreadsheetTitle,
		"worksheet_title":   res.WorksheetTitle,
		"spreadsheet_id":    res.SpreadsheetID,
		"worksheet_id":      res.WorksheetID,
	}
	merged := map[string]any{}
	for k, v := range dest {
		merged[k] = v
	}
	merged["resolved"] = resolved
	if err := jc.MergeDetails(ctx, map[string]any{"destination": merged}); err != nil {
		jc.Log.Warn("details update failed", logx.Err(err))
	}
	jc.Log.Info("watcher writing to sheet",
		logx.String("spreadsheet", res.SpreadsheetTitle), logx.String("worksheet", res.WorksheetTitle))
	return rec, nil
}

// sheetInitError prefixes the operator note for the failure kind.
func sheetInitError(err error) error {
	var se *sheets.Error
	if !errors.As(err, &se) {
		return err
	}
	return errors.Wrap(err, sheetNotes[se.Kind])
}

func (s *state) onMessage(ctx context.Context, m platform.Message) {
	if m.Outgoing || (s.self != 0 && m.SenderID == s.self) {
		return
	}
	if m.Text == "" || !s.matcher.Matches(m.Text) {
		return
	}

	s.mu.Lock()
	s.count++
	n := s.count
	s.mu.Unlock()

	at := s.jc.Now().Format(time.RFC3339)
	sender := m.SenderUsername
	if sender == "" {
		sender = m.SenderName
	}
	row := []string{
		sender,
		strconv.FormatInt(m.SenderID, 10),
		m.Text,
		m.ChatTitle,
		at,
		s.jc.ProcessID,
		s.label,
		strconv.FormatInt(m.ChatID, 10),
		strconv.Itoa(m.ID),
	}

	patch := map[string]any{"match_count": n, "last_match_at": at}
	err := s.rec.AppendRow(ctx, row)
	if ctx.Err() != nil {
		s.jc.Log.Debug("watcher match dropped on stop", logx.Int64("match", n))
		return
	}
	if err != nil {
		s.jc.Log.Error("watcher append failed", logx.Int64("match", n), logx.Err(err))
		if s.mode == ModeSheets {
			patch["last_sheet_error"] = err.Error()
			patch["last_sheet_error_at"] = at
		} else {
			patch["last_error"] = err.Error()
		}
	} else if s.mode == ModeSheets {
		patch["last_sheet_append"] = at
	}
	s.jc.Log.Info("watcher match", logx.Int64("match", n), logx.Int64("chat_id", m.ChatID), logx.Int("message_id", m.ID))
	if err := s.jc.MergeDetails(ctx, patch); err != nil {
		s.jc.Log.Warn("details update failed", logx.Err(err))
	}
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
