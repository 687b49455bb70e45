// Package logger holds the slog logger shared by the zones. It discards
// everything until Init enables it.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// L is the shared logger.
var L = discard()

var (
	mu   sync.Mutex
	file *os.File // daily log file opened by the last Init, if any
)

const (
	filePattern = "zonekit-*.log"
	dateLayout  = "2006-01-02"
	keepFor     = 7 * 24 * time.Hour
)

// Options selects where records go.
type Options struct {
	Enabled bool
	Level   slog.Level // zero means Info
	JSON    bool

	// Output wins over Dir. With neither set, records go to a daily file
	// under os.TempDir()/zonekit.
	Output io.Writer
	Dir    string
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Init replaces L. Zones read L when they log, so Init can run at any time,
// but records already written are not moved.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}
	if !opts.Enabled {
		L = discard()
		return nil
	}

	w := opts.Output
	if w == nil {
		f, err := openDaily(opts.Dir)
		if err != nil {
			return err
		}
		file, w = f, f
	}

	ho := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(w, ho))
	} else {
		L = slog.New(slog.NewTextHandler(w, ho))
	}
	return nil
}

func openDaily(dir string) (*os.File, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "zonekit")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now()
	prune(dir, now.Add(-keepFor))
	name := filepath.Join(dir, "zonekit-"+now.Format(dateLayout)+".log")
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// prune removes daily files dated before cutoff. Failures are ignored.
func prune(dir string, cutoff time.Time) {
	names, _ := filepath.Glob(filepath.Join(dir, filePattern))
	for _, name := range names {
		base := filepath.Base(name)
		day, err := time.Parse(dateLayout, base[len("zonekit-"):len(base)-len(".log")])
		if err == nil && day.Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}
