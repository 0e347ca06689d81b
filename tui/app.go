package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/config"
	"opclink/engine"
	"opclink/opcman"
)

// App is the main TUI application.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	tabs      *tview.TextView
	statusBar *tview.TextView

	serversTab *ServersTab
	browseTab  *BrowseTab
	debugTab   *DebugTab

	engine  *engine.Engine
	manager *opcman.Manager
	config  *config.Config

	currentTab int
	tabNames   []string

	stopChan chan struct{}
}

// NewApp creates a new TUI application.
func NewApp(cfg *config.Config, eng *engine.Engine) *App {
	if cfg.UI.ASCIIMode {
		SetASCIIMode(true)
	}

	a := &App{
		app:      tview.NewApplication(),
		engine:   eng,
		manager:  eng.GetOPCMan(),
		config:   cfg,
		tabNames: []string{TabServers, TabBrowse, TabDebug},
		stopChan: make(chan struct{}),
	}

	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	a.pages = tview.NewPages()

	a.serversTab = NewServersTab(a)
	a.browseTab = NewBrowseTab(a)
	a.debugTab = NewDebugTab(a)

	a.pages.AddPage(TabServers, a.serversTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabBrowse, a.browseTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Shift+Tab switches tabs, Shift+Q quits.")
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Anything that is not a main tab is a modal; let it handle keys.
	frontPage, _ := a.pages.GetFrontPage()
	isMainTab := frontPage == TabServers || frontPage == TabBrowse || frontPage == TabDebug
	if !isMainTab {
		return event
	}

	if event.Rune() == 'Q' {
		a.Shutdown()
		return nil
	}

	if event.Key() == tcell.KeyBacktab {
		a.nextTab()
		return nil
	}

	switch event.Rune() {
	case '1':
		a.switchTab(0)
		return nil
	case '2':
		a.switchTab(1)
		return nil
	case '3':
		a.switchTab(2)
		return nil
	}

	return event
}

func (a *App) nextTab() {
	a.switchTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchTab(idx int) {
	if idx < 0 || idx >= len(a.tabNames) {
		return
	}
	a.currentTab = idx
	a.pages.SwitchToPage(a.tabNames[idx])
	a.updateTabsDisplay()
}

func (a *App) updateTabsDisplay() {
	text := ""
	for i, name := range a.tabNames {
		if i == a.currentTab {
			text += fmt.Sprintf(" [black:yellow] %d %s [-:-] ", i+1, name)
		} else {
			text += fmt.Sprintf(" [yellow]%d[-] %s  ", i+1, name)
		}
	}
	a.tabs.SetText(text)
}

func (a *App) setStatus(format string, args ...interface{}) {
	a.statusBar.SetText(fmt.Sprintf(format, args...))
}

// QueueUpdateDraw queues a function to run on the UI thread.
func (a *App) QueueUpdateDraw(f func()) {
	a.app.QueueUpdateDraw(f)
}

// Run starts the TUI event loop and blocks until shutdown.
func (a *App) Run() error {
	// Status flips and batched value changes both land here; the
	// periodic ticker catches anything in between.
	a.manager.SetOnChange(func() {
		a.app.QueueUpdateDraw(func() {
			a.serversTab.Refresh()
		})
	})

	go a.periodicRefresh()

	return a.app.Run()
}

func (a *App) periodicRefresh() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				frontPage, _ := a.pages.GetFrontPage()
				switch frontPage {
				case TabServers:
					a.serversTab.Refresh()
				case TabBrowse:
					a.browseTab.Refresh()
				}
			})
		}
	}
}

// Shutdown stops the event loop. The caller tears down the engine.
func (a *App) Shutdown() {
	select {
	case <-a.stopChan:
	default:
		close(a.stopChan)
	}
	a.manager.SetOnChange(nil)
	a.app.Stop()
}
