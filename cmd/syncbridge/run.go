package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"

	"github.com/breeze-rmm/syncbridge/internal/assetsync"
	"github.com/breeze-rmm/syncbridge/internal/health"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/trigger"
	"github.com/breeze-rmm/syncbridge/internal/websocket"
)

const (
	menuCheck  = "Check for updates"
	menuSync   = "Sync plugins"
	menuStatus = "Status"
	menuQuit   = "Quit"
)

// runInteractive drains the queue on this goroutine while the menu, the
// schedule, the push client and the plugin-dir watcher post work to it.
func runInteractive() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfgFile, consoleMode())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reg.Reload(); err != nil {
		log.Warn("initial registry reload failed", logging.KeyError, err)
	}

	// Silent check at startup, then on the schedule.
	a.updater.CheckForUpdates(true)
	sched := trigger.NewScheduler(a.queue, "scheduled-check", time.Duration(a.cfg.CheckIntervalMinutes)*time.Minute,
		func() { a.updater.CheckForUpdates(true) })
	go sched.Start()
	defer sched.Stop()

	if a.cfg.NotifyURL != "" {
		push := websocket.New(websocket.Config{
			URL:   a.cfg.NotifyURL,
			Token: a.sessions.BearerToken,
			TLS:   a.tls,
			OnState: func(up bool, err error) {
				if up {
					a.health.Update(health.ComponentPush, health.Healthy, "")
				} else {
					a.health.Update(health.ComponentPush, health.Degraded, err.Error())
				}
			},
		}, trigger.PushHandler(a.queue, func() { a.updater.CheckForUpdates(true) }, func() { a.sync.Sync() }))
		go push.Run(ctx)
	}

	if err := a.reg.Watch(ctx, time.Second, func() {
		a.queue.Post("registry-watch", a.pluginsChanged)
	}); err != nil {
		log.Warn("plugin dir watch unavailable", logging.KeyError, err)
	}

	go a.menuLoop(ctx, cancel)

	a.queue.Run(ctx, a.tick)
	a.updater.Cancel()
	a.sync.Cancel()
	return nil
}

// pluginsChanged refreshes the registry after an out-of-band change. While
// a batch is downloading the batch completion refreshes it instead.
func (a *app) pluginsChanged() {
	if a.sync.Phase() == assetsync.PhaseDownloading {
		return
	}
	if err := a.reg.Reload(); err != nil {
		log.Warn("registry reload failed", logging.KeyError, err)
		a.health.Update(health.ComponentRegistry, health.Unhealthy, err.Error())
		return
	}
	if err := a.reg.RebuildDependents(); err != nil {
		log.Warn("dependent rebuild failed", logging.KeyError, err)
	}
}

func (a *app) menuLoop(ctx context.Context, cancel context.CancelFunc) {
	items := []string{menuCheck, menuSync, menuStatus, menuQuit}
	for ctx.Err() == nil {
		// Let dialogs raised by the previous choice be answered first.
		a.console.Wait()
		i, err := a.console.Select("SyncBridge", items)
		if err != nil {
			if err == promptui.ErrInterrupt || err == promptui.ErrEOF {
				cancel()
				return
			}
			log.Warn("menu failed", logging.KeyError, err)
			cancel()
			return
		}

		switch items[i] {
		case menuCheck:
			a.queue.Post("menu", func() {
				if !a.updater.CheckForUpdates(false) {
					a.console.Println("An update is already in progress.")
				}
			})
		case menuSync:
			a.queue.Post("menu", func() {
				if !a.sync.Sync() {
					a.console.Println("A plugin download is already running.")
				}
			})
		case menuStatus:
			a.queue.Post("menu", a.printStatus)
		case menuQuit:
			cancel()
			return
		}
		// Give the consumer a tick to raise any dialog before the menu returns.
		time.Sleep(2 * a.tick)
	}
}

func (a *app) printStatus() {
	a.console.Println(fmt.Sprintf("Version %s, update state %s, sync phase %s",
		a.updater.CurrentVersion(), a.updater.State(), a.sync.Phase()))
	if n := a.updater.PendingNotices(); n > 0 {
		a.console.Println(fmt.Sprintf("%d deferred notices; choose %q to see them.", n, menuCheck))
	}

	plugins, err := a.reg.Plugins()
	if err != nil {
		a.console.Println("Registry unavailable:", err)
	} else {
		var total int64
		for _, p := range plugins {
			total += p.Size
		}
		last := "never"
		if t := a.reg.LastReload(); !t.IsZero() {
			last = humanize.Time(t)
		}
		a.console.Println(fmt.Sprintf("%d plugins (%s), last reloaded %s", len(plugins), humanize.Bytes(uint64(total)), last))
	}

	for _, c := range a.health.All() {
		line := fmt.Sprintf("  %-13s %-9s since %s", c.Name, c.Status, humanize.Time(c.Since))
		if c.Failures > 1 {
			line += fmt.Sprintf(" (%d failures)", c.Failures)
		}
		if c.Message != "" {
			line += "  " + c.Message
		}
		a.console.Println(line)
	}
	a.console.Println(fmt.Sprintf("Queue: %d executed, %d dropped, %d panics",
		a.queue.Executed(), a.queue.Dropped(), a.queue.Panics()))
	ps := a.fetcher.PoolStats()
	a.console.Println(fmt.Sprintf("Workers: %d running of %d, %d queued, %d done, %d rejected",
		ps.Running, ps.Workers, ps.Queued, ps.Completed, ps.Rejected))
}
