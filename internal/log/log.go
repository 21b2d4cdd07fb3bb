package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// EnvLevel names the variable that sets the log level
const EnvLevel = "VALLENATO_LOG"

// InitLogger sets up apex with a Handler on stderr and the level from
// VALLENATO_LOG (default INFO).
func InitLogger() {
	level := strings.ToUpper(os.Getenv(EnvLevel))
	if level == "" {
		level = "INFO"
	}
	log.SetHandler(NewHandler(os.Stderr))
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.WithField("value", level).Warn("unknown log level, using info")
		return
	}
	log.SetLevel(lvl)
}

// Handler writes "timestamp L message key=value ..." lines
type Handler struct {
	mu  sync.Mutex
	out io.Writer
}

// NewHandler creates a handler writing to w
func NewHandler(w io.Writer) *Handler {
	return &Handler{out: w}
}

// HandleLog implements the log.Handler interface
func (h *Handler) HandleLog(e *log.Entry) error {
	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	level := strings.ToUpper(e.Level.String())

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", timestamp.Format("2006-01-02 15:04:05"), level, e.Message)

	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}
