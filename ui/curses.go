package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"pmerge/stats"
)

// CursesUI implements StatusUI using tview/tcell: a header with queue
// totals, a progress pane, and a scrolling event log. When it is active
// the progress printer is redirected to the results log file so the two
// do not fight over the terminal.
type CursesUI struct {
	app          *tview.Application
	headerText   *tview.TextView
	progressText *tview.TextView
	eventsText   *tview.TextView
	layout       *tview.Flex
	mu           sync.Mutex
	eventLines   []string
	maxEvents    int
	stopped      bool
	onInterrupt  func()
}

// NewCursesUI creates the full-screen status display.
func NewCursesUI() *CursesUI {
	return &CursesUI{maxEvents: 100}
}

// SetInterruptHandler sets a callback invoked when the user presses
// Ctrl+C or q inside the UI.
func (ui *CursesUI) SetInterruptHandler(handler func()) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.onInterrupt = handler
}

// Start initializes the terminal UI.
func (ui *CursesUI) Start() error {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.app = tview.NewApplication()

	ui.headerText = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.headerText.SetBorder(true).SetTitle(" pmerge ").SetTitleAlign(tview.AlignLeft)
	ui.headerText.SetText("[yellow]Waiting for the first status tick...[white]")

	ui.progressText = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.progressText.SetBorder(true).SetTitle(" Progress ").SetTitleAlign(tview.AlignLeft)

	ui.eventsText = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			ui.app.Draw()
		})
	ui.eventsText.SetBorder(true).SetTitle(" Events ").SetTitleAlign(tview.AlignLeft)

	ui.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.headerText, 3, 0, false).
		AddItem(ui.progressText, 6, 0, false).
		AddItem(ui.eventsText, 0, 1, false)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		interrupt := event.Key() == tcell.KeyCtrlC ||
			(event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q'))
		if !interrupt {
			return event
		}
		ui.app.Stop()
		ui.mu.Lock()
		handler := ui.onInterrupt
		ui.mu.Unlock()
		if handler != nil {
			go handler()
		}
		return nil
	})

	go func() {
		// Runs until Stop; errors mean the terminal is unusable anyway.
		_ = ui.app.SetRoot(ui.layout, true).Run()
	}()

	// Give the terminal a moment to switch screens.
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop restores the terminal.
func (ui *CursesUI) Stop() {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	if ui.stopped {
		return
	}
	ui.stopped = true

	if ui.app != nil {
		ui.app.Stop()
	}
	time.Sleep(100 * time.Millisecond)
}

// OnUpdate refreshes the header and progress panes.
func (ui *CursesUI) OnUpdate(info stats.Snapshot) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	if ui.app == nil || ui.stopped {
		return
	}

	header := fmt.Sprintf("[yellow]Installing:[white] %d/%d packages | [green]Elapsed:[white] %s | Load %.2f",
		info.Succeeded+info.Failed, info.Total, stats.FormatElapsed(info.Elapsed), info.Load[0])

	progress := fmt.Sprintf(
		"[green]Succeeded:[white] %3d\n"+
			"[red]Failed:[white]    %3d\n"+
			"Running:   %3d\n"+
			"Ready:     %3d\n"+
			"Retrying:  %3d",
		info.Succeeded, info.Failed, info.Running, info.Ready, info.Retrying)

	ui.app.QueueUpdateDraw(func() {
		ui.headerText.SetText(header)
		ui.progressText.SetText(progress)
	})
}

// LogEvent appends one line to the events pane.
func (ui *CursesUI) LogEvent(message string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	if ui.app == nil || ui.stopped {
		return
	}

	timestamp := time.Now().Format("15:04:05")
	ui.eventLines = append(ui.eventLines, fmt.Sprintf("[%s] %s", timestamp, message))
	if len(ui.eventLines) > ui.maxEvents {
		ui.eventLines = ui.eventLines[1:]
	}
	text := strings.Join(ui.eventLines, "\n")

	ui.app.QueueUpdateDraw(func() {
		ui.eventsText.SetText(text)
		ui.eventsText.ScrollToEnd()
	})
}
