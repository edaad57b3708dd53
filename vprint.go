package objlink

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"4d63.com/tz"
)

// for tons of debug output
var verbose bool = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339MsecTz0 = "2006-01-02T15:04:05.000Z07:00"

var myPid = os.Getpid()
var showPid bool

func nice(tm time.Time) string {
	return tm.In(gtz).Format(rfc3339MsecTz0)
}

// zz lets us turn off a vv with one keystroke.
func zz(format string, a ...interface{}) {}

func vv(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// TsPrintfMut prevents message interleaving in the log.
var TsPrintfMut sync.Mutex

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	TsPrintfMut.Lock()
	if showPid {
		fmt.Printf("\n%s [pid %v] %s ", fileLine(3), myPid, ts())
	} else {
		fmt.Printf("\n%s %s ", fileLine(3), ts())
	}
	fmt.Printf(format+"\n", a...)
	TsPrintfMut.Unlock()
}

func ts() string {
	return time.Now().In(gtz).Format(rfc3339MsecTz0)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", filepath.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

// caller returns the name of the calling function.
func caller(upStack int) string {
	pc, _, _, ok := runtime.Caller(upStack + 1)
	if !ok {
		return "unknown"
	}
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	nm := f.Name()
	if i := strings.LastIndex(nm, "/"); i >= 0 {
		nm = nm[i+1:]
	}
	return nm
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
