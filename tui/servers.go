package tui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/opcda"
	"opclink/opcman"
)

// ServersTab shows managed servers and the tag values of the selected one.
type ServersTab struct {
	app      *App
	flex     *tview.Flex
	servers  *tview.Table
	values   *tview.Table
	selected string
}

// NewServersTab creates the servers tab.
func NewServersTab(app *App) *ServersTab {
	t := &ServersTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *ServersTab) setupUI() {
	t.servers = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.servers.SetSelectionChangedFunc(func(row, col int) {
		t.selected = t.serverNameAt(row)
		t.refreshValues()
	})

	t.values = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.values.SetInputCapture(t.handleValueKeys)

	buttonBar := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(" [yellow]w[white]rite  [yellow]r[white]ead  [yellow]Shift+Tab[white] next tab ")

	serverFrame := tview.NewFrame(t.servers).SetBorders(0, 0, 0, 0, 1, 1)
	serverFrame.SetBorder(true).SetTitle(" OPC Servers ")

	valueFrame := tview.NewFrame(t.values).SetBorders(0, 0, 0, 0, 1, 1)
	valueFrame.SetBorder(true).SetTitle(" Tags ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(buttonBar, 1, 0, false).
		AddItem(serverFrame, 0, 1, false).
		AddItem(valueFrame, 0, 2, true)
}

// GetPrimitive returns the tab's root primitive.
func (t *ServersTab) GetPrimitive() tview.Primitive {
	return t.flex
}

func (t *ServersTab) handleValueKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'w':
		t.showWriteDialog()
		return nil
	case 'r':
		t.readSelected()
		return nil
	}
	return event
}

func (t *ServersTab) serverNameAt(row int) string {
	if row <= 0 {
		return ""
	}
	cell := t.servers.GetCell(row, 1)
	if cell == nil {
		return ""
	}
	return cell.Text
}

func (t *ServersTab) selectedTagName() string {
	row, _ := t.values.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.values.GetCell(row, 0)
	if cell == nil {
		return ""
	}
	return cell.Text
}

func statusIndicator(status opcman.ConnectionStatus) string {
	switch status {
	case opcman.StatusConnected:
		return indicatorConnected()
	case opcman.StatusConnecting:
		return indicatorConnecting()
	case opcman.StatusError:
		return indicatorError()
	default:
		return indicatorDisconnected()
	}
}

// Refresh rebuilds both tables from manager state.
func (t *ServersTab) Refresh() {
	headers := []string{"", "Name", "ProgID", "Status", "Last Poll", "Tags"}
	for i, h := range headers {
		t.servers.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	servers := t.app.manager.ListServers()
	sort.Slice(servers, func(i, j int) bool { return servers[i].Config.Name < servers[j].Config.Name })

	for i, srv := range servers {
		row := i + 1
		status := srv.GetStatus()
		lastPoll := "never"
		if lp := srv.GetLastPoll(); !lp.IsZero() {
			lastPoll = lp.Format("15:04:05")
		}

		t.servers.SetCell(row, 0, tview.NewTableCell(statusIndicator(status)))
		t.servers.SetCell(row, 1, tview.NewTableCell(srv.Config.Name))
		t.servers.SetCell(row, 2, tview.NewTableCell(srv.Config.ProgID))
		t.servers.SetCell(row, 3, tview.NewTableCell(status.String()))
		t.servers.SetCell(row, 4, tview.NewTableCell(lastPoll))
		t.servers.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%d", len(srv.Config.Tags))))
	}

	// Drop stale rows after a server was removed.
	for row := t.servers.GetRowCount() - 1; row > len(servers); row-- {
		t.servers.RemoveRow(row)
	}

	if t.selected == "" && len(servers) > 0 {
		t.selected = servers[0].Config.Name
	}
	t.refreshValues()
}

func (t *ServersTab) refreshValues() {
	headers := []string{"Tag", "Value", "Quality", "Timestamp", "W"}
	for i, h := range headers {
		t.values.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	srv := t.app.manager.GetServer(t.selected)
	if srv == nil {
		for row := t.values.GetRowCount() - 1; row > 0; row-- {
			t.values.RemoveRow(row)
		}
		return
	}

	values := srv.GetValues()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		row := i + 1
		v := values[name]

		qualityColor := tcell.ColorGreen
		if v.Quality != "Good" {
			qualityColor = tcell.ColorRed
		}

		writable := ""
		for _, tc := range srv.Config.Tags {
			if tc.PublishName() == name && tc.Writable {
				writable = "w"
			}
		}

		t.values.SetCell(row, 0, tview.NewTableCell(name))
		t.values.SetCell(row, 1, tview.NewTableCell(v.Value))
		t.values.SetCell(row, 2, tview.NewTableCell(v.Quality).SetTextColor(qualityColor))
		t.values.SetCell(row, 3, tview.NewTableCell(v.Timestamp))
		t.values.SetCell(row, 4, tview.NewTableCell(writable))
	}

	for row := t.values.GetRowCount() - 1; row > len(names); row-- {
		t.values.RemoveRow(row)
	}
}

// readSelected runs an on-demand read of the selected tag, outside the
// poll cycle.
func (t *ServersTab) readSelected() {
	serverName := t.selected
	tagName := t.selectedTagName()
	if serverName == "" || tagName == "" {
		t.app.setStatus("No tag selected")
		return
	}

	t.app.setStatus("Reading %s ...", tagName)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := t.app.manager.ReadTag(ctx, serverName, tagName)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.setStatus("[red]Read %s failed: %v", tagName, err)
				return
			}
			t.app.setStatus("%s = %s (%s)", tagName, v.Value, v.Quality)
		})
	}()
}

func (t *ServersTab) showWriteDialog() {
	serverName := t.selected
	tagName := t.selectedTagName()
	if serverName == "" || tagName == "" {
		t.app.setStatus("No tag selected")
		return
	}

	const pageName = "write-dialog"

	form := tview.NewForm()
	form.AddInputField("Value", "", 30, nil, nil)
	form.AddButton("Write", func() {
		raw := form.GetFormItemByLabel("Value").(*tview.InputField).GetText()
		value := opcda.ParseWriteValue(raw)

		t.app.pages.RemovePage(pageName)
		t.app.setStatus("Writing %s ...", tagName)

		go func() {
			err := t.app.engine.WriteTag(serverName, tagName, value)
			t.app.QueueUpdateDraw(func() {
				if err != nil {
					t.app.setStatus("[red]Write %s failed: %v", tagName, err)
					return
				}
				t.app.setStatus("[green]Wrote %v to %s", value, tagName)
			})
		}()
	})
	form.AddButton("Cancel", func() {
		t.app.pages.RemovePage(pageName)
	})
	form.SetBorder(true).SetTitle(fmt.Sprintf(" Write %s ", tagName))

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(form, 9, 0, true).
			AddItem(nil, 0, 1, false), 50, 0, true).
		AddItem(nil, 0, 1, false)

	t.app.pages.AddPage(pageName, modal, true, true)
	t.app.app.SetFocus(form)
}
