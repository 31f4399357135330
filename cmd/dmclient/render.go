package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/alicasapp/backend/internal/models"
)

const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[2m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiCyan   = "\x1b[36m"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func paint(s, color string, colorize bool) string {
	if !colorize || color == "" {
		return s
	}
	return color + s + ansiReset
}

func statusLabel(status models.ConversationStatus, colorize bool) string {
	switch status {
	case models.StatusAccepted:
		return paint(string(status), ansiGreen, colorize)
	case models.StatusPending:
		return paint(string(status), ansiYellow, colorize)
	case models.StatusDeclined:
		return paint(string(status), ansiRed, colorize)
	default:
		return string(status)
	}
}

// sparkline renders a waveform as block characters.
func sparkline(w models.Waveform) string {
	var b strings.Builder
	top := len(sparkBlocks) - 1
	for _, v := range w {
		idx := int(v * float64(top))
		idx = max(0, min(top, idx))
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func formatPayload(p models.Payload) string {
	switch p.Kind {
	case models.KindText:
		return p.Text
	case models.KindImage:
		return "[image] " + p.ImageURL
	case models.KindAudio:
		label := "[voice"
		if p.DurationMS > 0 {
			label += " " + formatDuration(p.DurationMS)
		}
		label += "]"
		if len(p.Waveform) > 0 {
			label += " " + sparkline(p.Waveform)
		}
		return label + " " + p.AudioURL
	default:
		return "[unsupported message]"
	}
}

// formatMessage renders one transcript line. Own messages carry a read
// mark once the partner has seen them.
func formatMessage(m models.Message, self uuid.UUID, colorize bool) string {
	stamp := paint(m.CreatedAt.Local().Format("15:04"), ansiDim, colorize)
	author := paint("them", ansiCyan, colorize)
	suffix := ""
	if m.SenderID == self {
		author = "you"
		if m.IsRead {
			suffix = paint(" ✓", ansiGreen, colorize)
		}
	}
	return fmt.Sprintf("%s %s: %s%s", stamp, author, formatPayload(m.Payload), suffix)
}
