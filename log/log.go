package log

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = isTruthy(os.Getenv("COCODE_DEBUG")) || isTruthy(os.Getenv("DEBUG"))

var logFileName = filepath.Join(os.TempDir(), "cocode.log")

var (
	globalLogFile *os.File
	verboseClose  bool
)

func init() {
	// Library callers that never call Initialize still get usable loggers.
	discard := log.New(io.Discard, "", 0)
	InfoLog, WarningLog, ErrorLog, DebugLog = discard, discard, discard, discard
}

func isTruthy(v string) bool {
	return v == "true" || v == "1"
}

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. Logs go to cocode.log in the os temp
// directory. When verbose is set, Close reports where the log file was written.
func Initialize(verbose bool) {
	verboseClose = verbose
	flags := log.Ldate | log.Ltime | log.Lshortfile

	var out io.Writer
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fallback to stderr
		out = os.Stderr
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
	} else {
		out = f
		globalLogFile = f
	}

	InfoLog = log.New(out, "INFO:", flags)
	WarningLog = log.New(out, "WARNING:", flags)
	ErrorLog = log.New(out, "ERROR:", flags)
	if debugEnabled {
		DebugLog = log.New(out, "DEBUG:", flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

func Close() {
	if globalLogFile == nil {
		return
	}
	_ = globalLogFile.Close()
	globalLogFile = nil
	if verboseClose {
		fmt.Fprintln(os.Stderr, "wrote logs to "+logFileName)
	}
}

// FilePath returns the path of the log file.
func FilePath() string {
	return logFileName
}

// Every is used to log at most once every timeout duration. It is safe for
// concurrent use.
type Every struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}

// SanitizeURL removes credentials from a URL string for safe logging.
func SanitizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "[INVALID_URL]"
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword("***", "***")
		} else {
			u.User = url.User("***")
		}
	}

	return u.String()
}

// SanitizeURLs sanitizes every URL-looking word in message.
func SanitizeURLs(message string) string {
	words := strings.Fields(message)
	for i, word := range words {
		if strings.Contains(word, "://") {
			words[i] = SanitizeURL(word)
		}
	}
	return strings.Join(words, " ")
}
