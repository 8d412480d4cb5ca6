// Package prompt describes what the workflows want shown to the user. The
// surface decides how; the workflows never touch widgets directly.
package prompt

import (
	"sync"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

// Severity of a dialog.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityQuestion
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityQuestion:
		return "question"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Action is one button of a dialog. Do runs on the consumer goroutine.
type Action struct {
	Label    string
	Recovery failure.Recovery
	Do       func()
}

// Dialog is a message with zero or more actions. A dialog without actions
// is acknowledged with OnDismiss.
type Dialog struct {
	Title     string
	Message   string
	Severity  Severity
	Actions   []Action
	OnDismiss func()
}

// Choose runs the action labelled label, or OnDismiss when no action
// matches. Reports whether an action ran.
func (d Dialog) Choose(label string) bool {
	for _, a := range d.Actions {
		if a.Label == label {
			if a.Do != nil {
				a.Do()
			}
			return true
		}
	}
	d.Dismiss()
	return false
}

// Dismiss acknowledges the dialog without choosing an action.
func (d Dialog) Dismiss() {
	if d.OnDismiss != nil {
		d.OnDismiss()
	}
}

// Surface renders dialogs and progress. Calls arrive on the consumer
// goroutine; an interactive surface answers by calling an action (or
// Dismiss) later, also on the consumer.
type Surface interface {
	Show(d Dialog)
	Progress(label string, fraction float64)
}

// Recorder is a Surface that keeps everything it was asked to show.
type Recorder struct {
	mu       sync.Mutex
	dialogs  []Dialog
	progress map[string][]float64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{progress: make(map[string][]float64)}
}

// Show records d.
func (r *Recorder) Show(d Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs = append(r.dialogs, d)
}

// Progress records fraction under label.
func (r *Recorder) Progress(label string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[label] = append(r.progress[label], fraction)
}

// Dialogs returns the dialogs shown so far.
func (r *Recorder) Dialogs() []Dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dialog(nil), r.dialogs...)
}

// Last returns the most recent dialog.
func (r *Recorder) Last() (Dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dialogs) == 0 {
		return Dialog{}, false
	}
	return r.dialogs[len(r.dialogs)-1], true
}

// ProgressFor returns the fractions reported under label.
func (r *Recorder) ProgressFor(label string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress[label]...)
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs = nil
	r.progress = make(map[string][]float64)
}
