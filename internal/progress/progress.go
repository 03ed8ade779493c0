package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Bar renders a single-line progress indicator. A nil *Bar is valid and
// renders nothing.
type Bar struct {
	label       string
	total       int64
	current     int64
	width       int
	writer      io.Writer
	mu          sync.Mutex
	currentDirs map[string]bool
	dirMu       sync.Mutex
	enabled     bool
	lastUpdate  time.Time
}

// New returns a bar writing to stderr. It is disabled unless stderr is a
// terminal, so redirected output and log files stay clean.
func New(label string, total int64) *Bar {
	return NewWriter(label, total, os.Stderr, isTerminal(os.Stderr))
}

// NewWriter returns a bar writing to w.
func NewWriter(label string, total int64, w io.Writer, enabled bool) *Bar {
	return &Bar{
		label:       label,
		total:       total,
		width:       40,
		writer:      w,
		currentDirs: make(map[string]bool),
		enabled:     enabled,
		lastUpdate:  time.Now(),
	}
}

func isTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	// Check if the file is a terminal (character device)
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

func (b *Bar) SetDirectory(dir string) {
	if b == nil || !b.enabled {
		return
	}

	b.dirMu.Lock()
	b.currentDirs[dir] = true
	b.dirMu.Unlock()
}

func (b *Bar) Increment() {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++

	// Update at most every 100ms to reduce flickering
	now := time.Now()
	if now.Sub(b.lastUpdate) > 100*time.Millisecond || b.current == b.total {
		b.lastUpdate = now
		b.render()
	}
}

// render must be called with mu already locked
func (b *Bar) render() {
	if b.total == 0 {
		return
	}

	percent := float64(b.current) / float64(b.total) * 100
	filledWidth := int(float64(b.width) * float64(b.current) / float64(b.total))

	if filledWidth > b.width {
		filledWidth = b.width
	}

	bar := strings.Repeat("█", filledWidth) + strings.Repeat("░", b.width-filledWidth)

	b.dirMu.Lock()
	dirs := make([]string, 0, len(b.currentDirs))
	for dir := range b.currentDirs {
		dirs = append(dirs, filepath.Base(dir))
	}
	// only the directories touched since the last render are shown
	clear(b.currentDirs)
	b.dirMu.Unlock()

	var dirDisplay string
	if len(dirs) > 0 {
		if len(dirs) > 3 {
			dirDisplay = fmt.Sprintf(" | %s, %s, %s +%d more", dirs[0], dirs[1], dirs[2], len(dirs)-3)
		} else {
			dirDisplay = " | " + strings.Join(dirs, ", ")
		}
	}

	// Clear the line and write progress
	fmt.Fprintf(b.writer, "\r\033[K%s [%s] %3d%% (%d/%d)%s",
		b.label, bar, int(percent), b.current, b.total, dirDisplay)
}

func (b *Bar) Finish() {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.total
	b.render()
	fmt.Fprintf(b.writer, "\n")
}
