/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb  4 10:02:11 2019 mstenber
 * Last modified: Wed Feb 13 11:41:02 2019 mstenber
 * Edit time:     21 min
 *
 */

package util

import "sync"

// MutexLocked is a mutex with convenience feature of scoped locking
// (just defer x.Locked()()).
type MutexLocked sync.Mutex

func (self *MutexLocked) Lock() {
	(*sync.Mutex)(self).Lock()
}

func (self *MutexLocked) Unlock() {
	(*sync.Mutex)(self).Unlock()
}

func (self *MutexLocked) Locked() (unlock func()) {
	mut := (*sync.Mutex)(self)
	mut.Lock()
	return func() {
		mut.Unlock()
	}
}

// RWMutexLocked is the same convenience wrapper for rwlocks; shared
// side via RLocked, exclusive side via Locked.
type RWMutexLocked sync.RWMutex

func (self *RWMutexLocked) Lock() {
	(*sync.RWMutex)(self).Lock()
}

func (self *RWMutexLocked) Unlock() {
	(*sync.RWMutex)(self).Unlock()
}

func (self *RWMutexLocked) RLock() {
	(*sync.RWMutex)(self).RLock()
}

func (self *RWMutexLocked) RUnlock() {
	(*sync.RWMutex)(self).RUnlock()
}

func (self *RWMutexLocked) Locked() (unlock func()) {
	mut := (*sync.RWMutex)(self)
	mut.Lock()
	return func() {
		mut.Unlock()
	}
}

func (self *RWMutexLocked) RLocked() (unlock func()) {
	mut := (*sync.RWMutex)(self)
	mut.RLock()
	return func() {
		mut.RUnlock()
	}
}
