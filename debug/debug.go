package debug

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	Debug bool

	mu       sync.RWMutex
	output   io.Writer = os.Stderr
	root     *zerolog.Logger
	override = zerolog.NoLevel
)

func init() {
	debugEnv, exists := os.LookupEnv("COURIER_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

// Logger returns the process logger. The level is debug when COURIER_DEBUG is
// set or Enable was called, info otherwise.
func Logger() zerolog.Logger {
	mu.RLock()
	if root != nil {
		l := *root
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		l := zerolog.New(output).With().Timestamp().Logger().Level(level())
		root = &l
	}
	return *root
}

// For returns a child of the process logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// SetOutput replaces the destination of the process logger. A console writer
// is used when pretty is true.
func SetOutput(w io.Writer, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	output = w
	root = nil
}

// SetLevel parses a level name ("debug", "info", ...) and applies it.
func SetLevel(name string) error {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	Debug = lvl <= zerolog.DebugLevel
	override = lvl
	root = nil
	return nil
}

func Enable() {
	mu.Lock()
	Debug = true
	override = zerolog.NoLevel
	root = nil
	mu.Unlock()
}

func Disable() {
	mu.Lock()
	Debug = false
	override = zerolog.NoLevel
	root = nil
	mu.Unlock()
}

func level() zerolog.Level {
	if override != zerolog.NoLevel {
		return override
	}
	if Debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
