// Package console renders workflow dialogs and progress in a terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"github.com/breeze-rmm/syncbridge/internal/dispatch"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/prompt"
)

var log = logging.L("console")

// Mode decides how dialogs with actions are answered.
type Mode int

const (
	// ModeInteractive asks the user with a selection prompt.
	ModeInteractive Mode = iota
	// ModeAssumeYes takes the first action of question dialogs and
	// dismisses warnings and errors so retries cannot loop unattended.
	ModeAssumeYes
	// ModeDismiss answers every dialog with Dismiss.
	ModeDismiss
)

// Selector asks the user to pick one of labels; it returns the index.
type Selector func(title string, labels []string) (int, error)

// Console is a prompt.Surface for terminals. Show never blocks the
// consumer: answers are gathered on a separate goroutine and posted back
// to the queue, so actions run on the consumer as the workflows expect.
type Console struct {
	out    io.Writer
	queue  *dispatch.Queue
	mode   Mode
	sel    Selector
	width  int
	colors palette

	promptMu sync.Mutex
	wg       sync.WaitGroup
	pending  atomic.Int32

	mu           sync.Mutex
	lastPercent  map[string]int
	progressOpen bool
}

type palette struct {
	info, question, warn, err, faint *color.Color
}

// Options configure New. Zero values select stdout, interactive mode when
// stdin is a terminal, and a promptui selector.
type Options struct {
	Out      io.Writer
	Mode     Mode
	Selector Selector
	NoColor  bool
}

func New(q *dispatch.Queue, opts Options) *Console {
	c := &Console{
		out:         opts.Out,
		queue:       q,
		mode:        opts.Mode,
		sel:         opts.Selector,
		width:       60,
		lastPercent: make(map[string]int),
		colors: palette{
			info:     color.New(color.FgBlue, color.Bold),
			question: color.New(color.FgCyan, color.Bold),
			warn:     color.New(color.FgYellow, color.Bold),
			err:      color.New(color.FgRed, color.Bold),
			faint:    color.New(color.Faint),
		},
	}

	tty := false
	if c.out == nil {
		c.out = os.Stdout
		tty = term.IsTerminal(int(os.Stdout.Fd()))
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			c.width = w
		}
	}
	if c.mode == ModeInteractive && !term.IsTerminal(int(os.Stdin.Fd())) && opts.Selector == nil {
		log.Info("stdin is not a terminal, dialogs will be dismissed")
		c.mode = ModeDismiss
	}
	if c.sel == nil {
		c.sel = promptSelect
	}
	if opts.NoColor || !tty || os.Getenv("NO_COLOR") != "" {
		for _, col := range []*color.Color{c.colors.info, c.colors.question, c.colors.warn, c.colors.err, c.colors.faint} {
			col.DisableColor()
		}
	}
	return c
}

func promptSelect(title string, labels []string) (int, error) {
	p := promptui.Select{
		Label: title,
		Items: labels,
		Size:  len(labels),
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}:",
			Active:   "▶ {{ . | cyan }}",
			Inactive: "  {{ . }}",
			Selected: "✔ {{ . | green }}",
		},
	}
	i, _, err := p.Run()
	return i, err
}

func (c *Console) severityColor(s prompt.Severity) *color.Color {
	switch s {
	case prompt.SeverityQuestion:
		return c.colors.question
	case prompt.SeverityWarning:
		return c.colors.warn
	case prompt.SeverityError:
		return c.colors.err
	default:
		return c.colors.info
	}
}

// Show prints the dialog and arranges for its answer to be delivered.
func (c *Console) Show(d prompt.Dialog) {
	c.mu.Lock()
	c.closeProgressLocked()
	title := d.Title
	if title == "" {
		title = strings.ToUpper(d.Severity.String()[:1]) + d.Severity.String()[1:]
	}
	fmt.Fprintf(c.out, "%s %s\n", c.severityColor(d.Severity).Sprintf("[%s]", title), d.Message)
	c.mu.Unlock()

	labels := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		labels[i] = a.Label
	}

	switch {
	case len(labels) == 0:
		c.queue.Post("console:dismiss", d.Dismiss)
	case c.mode == ModeDismiss:
		c.queue.Post("console:dismiss", d.Dismiss)
	case c.mode == ModeAssumeYes:
		if d.Severity == prompt.SeverityQuestion {
			c.note("--yes: choosing %q", labels[0])
			label := labels[0]
			c.queue.Post("console:choose", func() { d.Choose(label) })
		} else {
			c.queue.Post("console:dismiss", d.Dismiss)
		}
	default:
		c.wg.Add(1)
		c.pending.Add(1)
		go c.ask(d, title, labels)
	}
}

// ask runs one selection at a time; dismissing the prompt dismisses the
// dialog.
func (c *Console) ask(d prompt.Dialog, title string, labels []string) {
	defer c.wg.Done()
	defer c.pending.Add(-1)
	c.promptMu.Lock()
	i, err := c.sel(title, append(labels, "Dismiss"))
	c.promptMu.Unlock()

	if err != nil || i < 0 || i >= len(labels) {
		if err != nil && err != promptui.ErrInterrupt && err != promptui.ErrEOF {
			log.Warn("prompt failed", "error", err)
		}
		c.queue.Post("console:dismiss", d.Dismiss)
		return
	}
	label := labels[i]
	c.queue.Post("console:choose", func() { d.Choose(label) })
}

// Select shows a menu outside any dialog, serialized with dialog prompts.
func (c *Console) Select(title string, items []string) (int, error) {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	return c.sel(title, items)
}

// Pending reports how many dialogs are waiting for the user.
func (c *Console) Pending() int { return int(c.pending.Load()) }

// Wait blocks until every outstanding prompt has been answered.
func (c *Console) Wait() { c.wg.Wait() }

// Progress draws a single-line bar per label, redrawn only when the whole
// percentage changes.
func (c *Console) Progress(label string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	pct := int(fraction * 100)

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastPercent[label]; ok && last == pct {
		return
	}
	c.lastPercent[label] = pct

	barWidth := c.width - len(label) - 12
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(fraction * float64(barWidth))
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	fmt.Fprintf(c.out, "\r%s [%s] %3d%%", label, bar, pct)
	c.progressOpen = true
	if pct == 100 {
		fmt.Fprintln(c.out)
		c.progressOpen = false
		delete(c.lastPercent, label)
	}
}

func (c *Console) closeProgressLocked() {
	if c.progressOpen {
		fmt.Fprintln(c.out)
		c.progressOpen = false
	}
}

func (c *Console) note(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.colors.faint.Sprintf(format, args...))
}

// Println writes a plain line, ending any open progress bar first.
func (c *Console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeProgressLocked()
	fmt.Fprintln(c.out, a...)
}
