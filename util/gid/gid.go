/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb  4 10:05:00 2019 mstenber
 * Last modified: Mon Feb  4 10:05:44 2019 mstenber
 * Edit time:     1 min
 *
 */

package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// From http://blog.sgmansfield.com/2015/12/goroutine-ids/
func GetGoroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
