package tui

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/config"
	"opclink/opcworker"
)

// BrowseTab walks a server's namespace and lets the user add
// discovered tags to the poll list.
type BrowseTab struct {
	app      *App
	flex     *tview.Flex
	servers  *tview.Table
	results  *tview.Table
	progress *tview.TextView

	mu       sync.Mutex
	running  bool
	browseOf string
	sink     *opcworker.BrowseProgress
	tags     []string
	err      error
	done     bool
}

// NewBrowseTab creates the browse tab.
func NewBrowseTab(app *App) *BrowseTab {
	t := &BrowseTab{app: app}
	t.setupUI()
	return t
}

func (t *BrowseTab) setupUI() {
	t.servers = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	t.servers.SetInputCapture(t.handleServerKeys)

	t.results = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.results.SetInputCapture(t.handleResultKeys)

	t.progress = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	buttonBar := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(" [yellow]b[white]rowse selected server  [yellow]a[white]dd tag to poll list  [yellow]Shift+Tab[white] next tab ")

	serverFrame := tview.NewFrame(t.servers).SetBorders(0, 0, 0, 0, 1, 1)
	serverFrame.SetBorder(true).SetTitle(" Servers ")

	resultFrame := tview.NewFrame(t.results).SetBorders(0, 0, 0, 0, 1, 1)
	resultFrame.SetBorder(true).SetTitle(" Discovered Tags ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(buttonBar, 1, 0, false).
		AddItem(serverFrame, 6, 0, true).
		AddItem(t.progress, 1, 0, false).
		AddItem(resultFrame, 0, 1, false)
}

// GetPrimitive returns the tab's root primitive.
func (t *BrowseTab) GetPrimitive() tview.Primitive {
	return t.flex
}

func (t *BrowseTab) handleServerKeys(event *tcell.EventKey) *tcell.EventKey {
	if event.Rune() == 'b' {
		t.startBrowse()
		return nil
	}
	return event
}

func (t *BrowseTab) handleResultKeys(event *tcell.EventKey) *tcell.EventKey {
	if event.Rune() == 'a' {
		t.addSelectedTag()
		return nil
	}
	return event
}

func (t *BrowseTab) selectedServerName() string {
	row, _ := t.servers.GetSelection()
	cell := t.servers.GetCell(row, 0)
	if cell == nil {
		return ""
	}
	return cell.Text
}

func (t *BrowseTab) startBrowse() {
	serverName := t.selectedServerName()
	if serverName == "" {
		t.app.setStatus("No server selected")
		return
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		t.app.setStatus("Browse already in progress")
		return
	}
	sink := opcworker.NewBrowseProgress()
	t.running = true
	t.done = false
	t.err = nil
	t.tags = nil
	t.browseOf = serverName
	t.sink = sink
	t.mu.Unlock()

	t.app.setStatus("Browsing %s ...", serverName)

	go func() {
		tags, err := t.app.manager.BrowseServer(context.Background(), serverName, sink)
		t.mu.Lock()
		t.running = false
		t.done = true
		t.tags = tags
		t.err = err
		t.mu.Unlock()

		t.app.QueueUpdateDraw(func() {
			t.Refresh()
			if err != nil {
				t.app.setStatus("[red]Browse %s failed: %v", serverName, err)
				return
			}
			t.app.setStatus("Browse of %s found %d tags", serverName, len(tags))
		})
	}()
}

func (t *BrowseTab) addSelectedTag() {
	row, _ := t.results.GetSelection()
	if row <= 0 {
		return
	}
	cell := t.results.GetCell(row, 0)
	if cell == nil || cell.Text == "" {
		return
	}
	itemID := cell.Text

	t.mu.Lock()
	serverName := t.browseOf
	t.mu.Unlock()
	if serverName == "" {
		return
	}

	err := t.app.engine.AddTag(serverName, config.TagConfig{ItemID: itemID})
	if err != nil {
		t.app.setStatus("[red]Add %s: %v", itemID, err)
		return
	}
	t.app.setStatus("[green]Added %s to %s", itemID, serverName)
}

// Refresh redraws the server list, progress line, and results table.
func (t *BrowseTab) Refresh() {
	servers := t.app.manager.ListServers()
	for i, srv := range servers {
		t.servers.SetCell(i, 0, tview.NewTableCell(srv.Config.Name))
		t.servers.SetCell(i, 1, tview.NewTableCell(srv.Config.ProgID).SetTextColor(tcell.ColorGray))
	}
	for row := t.servers.GetRowCount() - 1; row >= len(servers); row-- {
		t.servers.RemoveRow(row)
	}

	t.mu.Lock()
	running := t.running
	done := t.done
	browseOf := t.browseOf
	count := t.sink.Count()
	var display []string
	if done && t.err == nil {
		display = t.tags
	} else if running {
		display = t.sink.Tags()
	}
	t.mu.Unlock()

	switch {
	case running:
		t.progress.SetText(fmt.Sprintf(" [yellow]Browsing %s ... %d tags found", browseOf, count))
	case done:
		t.progress.SetText(fmt.Sprintf(" Browse of %s finished: %d tags", browseOf, count))
	default:
		t.progress.SetText(" Press b to browse the selected server")
	}

	t.results.SetCell(0, 0, tview.NewTableCell("Item ID").
		SetTextColor(tcell.ColorYellow).
		SetSelectable(false).
		SetAttributes(tcell.AttrBold))

	for i, tag := range display {
		t.results.SetCell(i+1, 0, tview.NewTableCell(tag))
	}
	for row := t.results.GetRowCount() - 1; row > len(display); row-- {
		t.results.RemoveRow(row)
	}
}
