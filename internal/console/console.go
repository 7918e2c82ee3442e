// Package console renders orchestrator events on a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/instanalytics/installer/pkg/fsm"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/mattn/go-isatty"
)

const barWidth = 30

// Renderer draws one progress line per event. On a terminal the line is
// redrawn in place; otherwise a new line is written whenever the status
// text changes.
type Renderer struct {
	out     io.Writer
	printer *i18n.Printer
	tty     bool

	stage   func(a ...interface{}) string
	ok      func(a ...interface{}) string
	failed  func(a ...interface{}) string
	last    string
	drawing bool
}

// New creates a renderer for out. Colors and in-place redraw are enabled
// only when out is a terminal.
func New(out io.Writer, printer *i18n.Printer) *Renderer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return newRenderer(out, printer, tty)
}

func newRenderer(out io.Writer, printer *i18n.Printer, tty bool) *Renderer {
	paint := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if !tty {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &Renderer{
		out:     out,
		printer: printer,
		tty:     tty,
		stage:   paint(color.FgCyan),
		ok:      paint(color.FgGreen, color.Bold),
		failed:  paint(color.FgRed, color.Bold),
	}
}

// Render draws ev.
func (r *Renderer) Render(ev fsm.Event) {
	snap := ev.Snapshot
	switch ev.Kind {
	case fsm.EventCompleted:
		r.endLine()
		fmt.Fprintln(r.out, r.ok(snap.StatusText))
		fmt.Fprintln(r.out, r.printer.Sprintf(i18n.MsgInstalledInto, snap.InstallPath))
		r.last = ""
		return
	case fsm.EventError:
		r.endLine()
		fmt.Fprintln(r.out, r.failed(r.printer.Sprintf(i18n.MsgErrorPrefix, snap.StatusText)))
		r.last = ""
		return
	}

	line := fmt.Sprintf("%-26s %s %3d%%  %s", r.stage(snap.Stage.String()), bar(snap.Progress), snap.Progress, snap.StatusText)
	if r.tty {
		fmt.Fprintf(r.out, "\r\033[K%s", line)
		r.drawing = true
		return
	}
	if snap.StatusText == r.last {
		return
	}
	r.last = snap.StatusText
	fmt.Fprintln(r.out, line)
}

func (r *Renderer) endLine() {
	if r.drawing {
		fmt.Fprintln(r.out)
		r.drawing = false
	}
}

// Follow renders events until the session reaches a terminal state, the
// stream closes or ctx is done. It returns the last snapshot seen.
func (r *Renderer) Follow(ctx context.Context, events <-chan fsm.Event) fsm.Snapshot {
	var last fsm.Snapshot
	for {
		select {
		case <-ctx.Done():
			r.endLine()
			return last
		case ev, ok := <-events:
			if !ok {
				r.endLine()
				return last
			}
			last = ev.Snapshot
			r.Render(ev)
			if ev.Kind == fsm.EventCompleted || ev.Kind == fsm.EventError {
				return last
			}
		}
	}
}

// Confirm asks the retry question and reads one answer from in. Anything
// other than an explicit yes is a no.
func Confirm(in io.Reader, out io.Writer, printer *i18n.Printer) bool {
	fmt.Fprint(out, printer.Sprintf(i18n.MsgRetryPrompt))
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "s", "si", "sì":
		return true
	}
	return false
}

func bar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
