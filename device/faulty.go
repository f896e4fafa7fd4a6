/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb  7 11:18:02 2019 mstenber
 * Last modified: Thu Feb  7 11:40:26 2019 mstenber
 * Edit time:     19 min
 *
 */

package device

import (
	"errors"

	"github.com/fingon/go-zlmfs/util"
)

var ErrInjectedFault = errors.New("injected device fault")

// FaultyDevice wraps another device and starts failing writes and
// syncs once the budget is spent. Used to exercise crash and error
// paths without a real dying disk.
type FaultyDevice struct {
	Device

	// WritesLeft is decremented per WriteBlock/Sync; once below
	// zero, those operations fail.
	WritesLeft util.AtomicInt
}

func NewFaultyDevice(d Device, writesLeft int64) *FaultyDevice {
	self := &FaultyDevice{Device: d}
	self.WritesLeft.Set(writesLeft)
	return self
}

func (self *FaultyDevice) WriteBlock(addr uint64, data []byte) error {
	if self.WritesLeft.Add(-1) < 0 {
		return ErrInjectedFault
	}
	return self.Device.WriteBlock(addr, data)
}

func (self *FaultyDevice) Sync() error {
	if self.WritesLeft.Add(-1) < 0 {
		return ErrInjectedFault
	}
	return self.Device.Sync()
}
