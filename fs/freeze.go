/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 09:08:55 2019 mstenber
 * Last modified: Sun Feb 17 10:31:26 2019 mstenber
 * Edit time:     104 min
 *
 */

package fs

import (
	"github.com/fingon/go-zlmfs/ino"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
)

// blockOperations freezes filesystem mutation for the checkpoint:
// flush inline data, then loop over quota writeback, dirty dents,
// dirty inode metadata and dirty node pages until a full pass finds
// no new work. A later step discovering new dirty work restarts the
// loop from the top; only the quota step is retry-capped, after which
// the pack is flagged instead of looping forever.
//
// On success the node-allocation lock is held exclusively; the caller
// must pair with unblockOperations.
func (self *Fs) blockOperations(p *pack.Pack) error {
	if err := self.Inodes.FlushInline(); err != nil {
		return err
	}
	quotaTries := 0
	for round := 1; ; round++ {
		mlog.Printf2("fs/freeze", "blockOperations round %d", round)
		if self.Quota.NeedsFlush() {
			if quotaTries >= self.QuotaFlushRetries {
				mlog.Printf2("fs/freeze", " quota retry cap hit, flagging")
				p.Flags = p.Flags.Set(pack.FlagQuotaSkipFlush | pack.FlagQuotaNeedFlush)
			} else {
				quotaTries++
				if err := self.Quota.Sync(); err != nil {
					mlog.Printf2("fs/freeze", " quota sync: %v", err)
					p.Flags = p.Flags.Set(pack.FlagQuotaNeedFsck)
				}
				continue
			}
		}
		n, err := self.Inodes.FlushDents()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		n, err = self.Inodes.FlushInodeMeta()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		n, err = self.Inodes.FlushNodes()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if self.Quota.NeedsFlush() && quotaTries < self.QuotaFlushRetries {
			continue
		}
		break
	}

	self.nodeAllocLock.Lock()
	// Freeze established; nothing may be dirty behind our back now.
	if n := self.Inodes.DirtyCount(ino.TransDir); n != 0 {
		self.nodeAllocLock.Unlock()
		mlog.Panicf("fs.blockOperations: %d dirty dents after freeze", n)
	}
	return nil
}

func (self *Fs) unblockOperations() {
	self.nodeAllocLock.Unlock()
}
