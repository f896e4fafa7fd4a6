/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb  4 10:11:40 2019 mstenber
 * Last modified: Mon Feb  4 10:14:02 2019 mstenber
 * Edit time:     4 min
 *
 */

package util

import "sync/atomic"

type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(self))
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

func (self *AtomicInt) Add(value int64) int64 {
	return atomic.AddInt64((*int64)(self), value)
}

func (self *AtomicInt) AddInt(value int) {
	self.Add(int64(value))
}

func (self *AtomicInt) Set(value int64) {
	atomic.StoreInt64((*int64)(self), value)
}
