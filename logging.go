package erpcgo

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"4d63.com/tz"
)

// for debug output; toggled by Config.Verbose/VerboseVerbose or
// directly for package-level tests.
var verbose bool
var verboseVerbose bool
var forceQuiet bool

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var myPid = os.Getpid()

var tsPrintfMut sync.Mutex
var ourStdout io.Writer = os.Stderr

// vv is the dispatcher's everyday debug-print: timestamped,
// goroutine-tagged, gated by the package verbose flag.
func vv(format string, a ...interface{}) {
	if verbose && !forceQuiet {
		tsPrintf(format, a...)
	}
}

// pp is the noisier sibling of vv, for per-packet tracing.
func pp(format string, a ...interface{}) {
	if verboseVerbose && !forceQuiet {
		tsPrintf(format, a...)
	}
}

func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	defer tsPrintfMut.Unlock()
	fmt.Fprintf(ourStdout, "\n%s [goID %v] %s ", fileLine(3), goroNumber(), ts())
	fmt.Fprintf(ourStdout, format+"\n", a...)
}

func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

func fileLine(depth int) string {
	_, fileName, fileLn, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", path.Base(fileName), fileLn)
}

// goroNumber returns the calling goroutine's number, parsed out of
// runtime.Stack's header line. Debug-only; never on the hot path.
func goroNumber() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return -1
	}
	n, _ := strconv.Atoi(fields[1])
	return n
}
