// Package syncgroups refreshes the cached group and channel list of an
// account from its live dialogs.
package syncgroups

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/internal/sink"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

const Name = "sync_groups"

type Config struct {
	Groups storage.GroupStore
	// LogDir holds sync_<account>.jsonl, one line per newly seen chat.
	LogDir string
}

type Command struct {
	command.HandleStopper
	cfg Config
}

func New(cfg Config) command.Command {
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "logs/admin"
	}
	return &Command{cfg: cfg}
}

type logEntry struct {
	ChatID   int64     `json:"chat_id"`
	Username string    `json:"username,omitempty"`
	Title    string    `json:"title"`
	Kind     string    `json:"kind"`
	SyncedAt time.Time `json:"synced_at"`
}

func (c *Command) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	if c.cfg.Groups == nil {
		return nil, errors.New("group store is not configured")
	}
	dialogs, err := jc.Conn.ListDialogs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list dialogs")
	}

	groups := make([]job.Group, 0, len(dialogs))
	for _, d := range dialogs {
		if !d.Multi() {
			continue
		}
		kind := string(platform.DialogGroup)
		if d.Kind == platform.DialogChannel {
			kind = string(platform.DialogChannel)
		}
		groups = append(groups, job.Group{
			AccountID: jc.AccountID,
			ChatID:    d.ID,
			Title:     d.Title,
			Kind:      kind,
			Username:  d.Username,
		})
	}
	jc.Log.Info("syncing groups", logx.Int("dialogs", len(dialogs)), logx.Int("groups", len(groups)))

	if err := c.cfg.Groups.ReplaceGroups(ctx, jc.AccountID, groups); err != nil {
		return nil, errors.Wrap(err, "store groups")
	}

	me, err := jc.Conn.Me(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve own account")
	}
	if err := c.cfg.Groups.UpdateAccountProfile(ctx, jc.AccountID, me.ID, me.Username); err != nil {
		return nil, errors.Wrap(err, "update account profile")
	}

	owner := me.ID
	if owner == 0 {
		owner = jc.AccountID
	}
	added, err := c.appendLog(ctx, jc, owner, groups)
	if err != nil {
		jc.Log.Warn("sync log not updated", logx.Err(err))
	}

	if err := jc.MergeDetails(ctx, map[string]any{
		"synced_items": len(groups),
		"synced_at":    jc.Now().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	jc.Log.Info("group sync finished", logx.Int("synced", len(groups)), logx.Int("new_in_log", added))
	return nil, nil
}

// appendLog records chats not already present in the account's sync log.
func (c *Command) appendLog(ctx context.Context, jc *command.Context, owner int64, groups []job.Group) (int, error) {
	path := filepath.Join(c.cfg.LogDir, "sync_"+strconv.FormatInt(owner, 10)+".jsonl")
	seen, err := loggedChats(path)
	if err != nil {
		return 0, err
	}

	out, err := sink.OpenJSONL(path)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	added := 0
	now := jc.Now()
	for _, g := range groups {
		if _, ok := seen[g.ChatID]; ok {
			continue
		}
		if err := out.Append(ctx, logEntry{ChatID: g.ChatID, Username: g.Username, Title: g.Title, Kind: g.Kind, SyncedAt: now}); err != nil {
			return added, err
		}
		seen[g.ChatID] = struct{}{}
		added++
	}
	return added, nil
}

func loggedChats(path string) (map[int64]struct{}, error) {
	seen := map[int64]struct{}{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read sync log")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e logEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.ChatID == 0 {
			continue
		}
		seen[e.ChatID] = struct{}{}
	}
	return seen, errors.Wrap(sc.Err(), "scan sync log")
}
