// Package batch plans and runs multi-file plugin downloads with aggregate
// progress reporting.
package batch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/failure"
)

// Batch is an ordered set of entries to download into Root. Progress is
// owned by the consumer goroutine.
type Batch struct {
	Entries    []assetstore.Entry
	Root       string
	TotalBytes int64

	progress []float64
}

// Plan selects the entries whose extension matches ext (case-insensitive,
// leading dot optional). No match is an EmptyBatch failure. Entries are
// written flat under root, so two keys with the same file name (compared
// case-insensitively) are rejected rather than overwriting each other.
func Plan(entries []assetstore.Entry, ext, root string) (*Batch, error) {
	want := normalizeExt(ext)
	b := &Batch{Root: root}
	seen := make(map[string]string)
	for _, e := range entries {
		if normalizeExt(e.Extension) != want {
			continue
		}
		fold := strings.ToLower(e.Name)
		if first, dup := seen[fold]; dup {
			return nil, failure.Internal("plan", fmt.Errorf("remote entries %q and %q both map to %q", first, e.Key, e.Name))
		}
		seen[fold] = e.Key
		b.Entries = append(b.Entries, e)
		if e.Size > 0 {
			b.TotalBytes += e.Size
		}
	}
	if len(b.Entries) == 0 {
		return nil, failure.EmptyBatch(want, len(entries))
	}
	b.progress = make([]float64, len(b.Entries))
	return b, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Len returns the number of entries.
func (b *Batch) Len() int { return len(b.Entries) }

// Destination returns where entry i is written under root.
func (b *Batch) Destination(root string, i int) (string, error) {
	name := b.Entries[i].Name
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("unsafe entry name %q", name)
	}
	return filepath.Join(root, name), nil
}

// SetProgress records fraction for entry i, clamped to [0,1]. Decreases are
// ignored. Reports whether the value changed.
func (b *Batch) SetProgress(i int, fraction float64) bool {
	if i < 0 || i >= len(b.progress) {
		return false
	}
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	if fraction <= b.progress[i] {
		return false
	}
	b.progress[i] = fraction
	return true
}

// EntryProgress returns the recorded fraction for entry i.
func (b *Batch) EntryProgress(i int) float64 {
	if i < 0 || i >= len(b.progress) {
		return 0
	}
	return b.progress[i]
}

// Aggregate is the byte-weighted completion in [0,1]. When no entry reports
// a size the plain mean of fractions is used.
func (b *Batch) Aggregate() float64 {
	if len(b.progress) == 0 {
		return 0
	}
	if b.TotalBytes <= 0 {
		var sum float64
		for _, f := range b.progress {
			sum += f
		}
		return sum / float64(len(b.progress))
	}
	var done float64
	for i, e := range b.Entries {
		if e.Size > 0 {
			done += float64(e.Size) * b.progress[i]
		}
	}
	return done / float64(b.TotalBytes)
}
