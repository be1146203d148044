// Package commands wires every command kind into a registry.
package commands

import (
	"golang.org/x/time/rate"

	"ghostbot/internal/command"
	"ghostbot/internal/command/autoreply"
	"ghostbot/internal/command/autotest"
	"ghostbot/internal/command/broadcast"
	"ghostbot/internal/command/syncgroups"
	"ghostbot/internal/command/watcher"
	"ghostbot/internal/sink"
	"ghostbot/internal/storage"
)

type Deps struct {
	Groups        storage.GroupStore
	Sheets        sink.SheetOpener
	WatcherLogDir string
	SyncLogDir    string
	// BroadcastLimiter is shared by every broadcast job.
	BroadcastLimiter *rate.Limiter
}

// Default returns a registry with all five command kinds.
func Default(d Deps) *command.Registry {
	reg := command.NewRegistry()
	reg.Register(autoreply.Name, autoreply.New)
	reg.Register(watcher.Name, func() command.Command {
		return watcher.New(watcher.Config{LogDir: d.WatcherLogDir, Sheets: d.Sheets})
	})
	reg.Register(broadcast.Name, func() command.Command {
		return broadcast.New(broadcast.Config{Limiter: d.BroadcastLimiter})
	})
	reg.Register(syncgroups.Name, func() command.Command {
		return syncgroups.New(syncgroups.Config{Groups: d.Groups, LogDir: d.SyncLogDir})
	})
	reg.Register(autotest.Name, func() command.Command {
		return autotest.New(autotest.Config{Registry: reg, Groups: d.Groups})
	})
	return reg
}
