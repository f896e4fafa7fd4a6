/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb  4 09:48:21 2019 mstenber
 * Last modified: Fri Mar 15 12:20:47 2019 mstenber
 * Edit time:     74 min
 *
 */

// mlog is maybe-log: a thin wrapper of standard 'log' that prints
// only call sites whose file (or explicit tag) matches a regular
// expression given via the MLOG environment variable or the -mlog
// flag. Disabled call sites cost one atomic load. Call stack depth is
// used for indentation to make traces readable, and the goroutine id
// is baked into each line.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-zlmfs/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below is used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var tag2Debug map[string]*bool
var minDepth = maxDepth
var callers = make([]uintptr, maxDepth)

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file/tag regular expression")
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive just to produce log arguments.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the output logger. The returned undo function
// restores the previous one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// SetPattern sets the match pattern by hand, overriding the
// environment. The returned undo function restores the old state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(old)
	}
}

func initializeWithPattern(p string) {
	pattern = p
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	tag2Debug = make(map[string]*bool)
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	initializeWithPattern(p)
}

// Printf is drop-in replacement of log.Printf. It pays for a
// runtime.Caller when mlog is enabled at all; prefer Printf2.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is the premier choice: it is supplied the tag (package
// path) by the caller and has no runtime penalty to speak of when the
// tag does not match.
func Printf2(tag string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if st < stateDisabled {
		initialize()
		if atomic.LoadInt32(&status) <= stateDisabled {
			return
		}
	}
	debugp := tag2Debug[tag]
	if debugp == nil {
		debug := patternRegexp.MatchString(tag)
		debugp = &debug
		tag2Debug[tag] = debugp
	}
	if !*debugp {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = fmt.Sprint(strings.Repeat(".", depth), format)
	}
	format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	logger.Printf(format, args...)
}

// Panicf is the fatal internal-consistency assertion; it always
// logs (regardless of pattern) and panics.
func Panicf(format string, args ...interface{}) {
	mutex.Lock()
	l := logger
	mutex.Unlock()
	l.Panicf(format, args...)
}
