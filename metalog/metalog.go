/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sun Feb 10 11:22:30 2019 mstenber
 * Last modified: Tue Feb 12 10:14:48 2019 mstenber
 * Edit time:     305 min
 *
 */

// Package metalog implements the zoned metadata log: per-stream
// append-only zones for SIT/NAT/SSA entries that cannot be rewritten
// in place, double-buffered in-memory indices over them, and the
// background merge engine that folds a retired log half into the
// baseline region.
package metalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fingon/go-zlmfs/baseline"
	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/mlog"
	"github.com/fingon/go-zlmfs/pack"
	"github.com/fingon/go-zlmfs/util"
)

var (
	ErrZoneFull       = errors.New("metadata log zone full")
	ErrIndexNotEmpty  = errors.New("target index not empty")
	ErrEntryTooLarge  = errors.New("log entry does not fit in a block")
	ErrEntryCorrupted = errors.New("log entry corrupted")
)

// Stream indices; these are also the baseline region streams.
const (
	SIT         = baseline.StreamSIT
	NAT         = baseline.StreamNAT
	SSA         = baseline.StreamSSA
	StreamCount = baseline.StreamCount
)

var streamName = [StreamCount]string{"sit", "nat", "ssa"}

func StreamName(stream int) string {
	return streamName[stream]
}

// Entry is one metadata record in a log stream.
type Entry struct {
	Id   uint64
	Data []byte
}

const entryHeaderSize = 20

// EncodeEntryBlock serializes one entry into a full device block;
// also used for the summary blocks written into checkpoint packs,
// which carry no half sequence.
func EncodeEntryBlock(e Entry) []byte {
	return encodeEntryBlock(e, 0)
}

func encodeEntryBlock(e Entry, seq uint32) []byte {
	blk := make([]byte, device.BlockSize)
	le := binary.LittleEndian
	le.PutUint64(blk[0:], e.Id)
	le.PutUint32(blk[8:], uint32(len(e.Data)))
	le.PutUint32(blk[12:], seq)
	copy(blk[entryHeaderSize:], e.Data)
	crc := crc32.ChecksumIEEE(blk[:16])
	crc = crc32.Update(crc, crc32.IEEETable, blk[entryHeaderSize:entryHeaderSize+len(e.Data)])
	le.PutUint32(blk[16:], crc)
	return blk
}

func DecodeEntryBlock(blk []byte) (Entry, error) {
	e, _, err := decodeEntryBlock(blk)
	return e, err
}

// decodeEntryBlock validates the embedded checksum, so a reset (zeroed)
// or torn block comes back ErrEntryCorrupted; replay relies on that to
// find the end of a log half.
func decodeEntryBlock(blk []byte) (e Entry, seq uint32, err error) {
	le := binary.LittleEndian
	n := le.Uint32(blk[8:])
	if int(n) > device.BlockSize-entryHeaderSize {
		return e, 0, fmt.Errorf("%w: length %d", ErrEntryCorrupted, n)
	}
	crc := crc32.ChecksumIEEE(blk[:16])
	crc = crc32.Update(crc, crc32.IEEETable, blk[entryHeaderSize:entryHeaderSize+n])
	if want := le.Uint32(blk[16:]); crc != want {
		return e, 0, fmt.Errorf("%w: checksum %x != %x", ErrEntryCorrupted, crc, want)
	}
	e.Id = le.Uint64(blk[0:])
	e.Data = append([]byte{}, blk[entryHeaderSize:entryHeaderSize+n]...)
	return e, le.Uint32(blk[12:]), nil
}

// stream is the per-stream allocator + index state. The allocator
// lock guards the write pointer and half bookkeeping; the index lock
// guards the two in-memory indices, exclusively for toggle/drain and
// shared for lookups.
type stream struct {
	lock       util.MutexLocked
	base       uint64 // first block of the stream region
	zone       uint64 // blocks per zone half
	activeHalf int
	wp         uint64 // next writable in-half offset
	seq        uint32 // stamped into entry blocks, bumps per switch
	halfReady  [2]bool

	indexLock   util.RWMutexLocked
	indices     [2]map[uint64][]byte
	activeIndex util.AtomicInt
}

func (self *stream) halfBase(half int) uint64 {
	return self.base + uint64(half)*self.zone
}

type Config struct {
	Device   device.Device
	Geometry device.Geometry
	Store    baseline.Store

	// MergeIntervalMsec is the merge worker poll cadence;
	// 0 = the 100ms default.
	MergeIntervalMsec int
}

// Logger owns the three metadata log streams.
type Logger struct {
	Config

	streams [StreamCount]stream

	flagsLock util.MutexLocked
	flags     pack.Flags

	quit    chan struct{}
	workers util.SimpleWaitGroup
}

func (self Logger) Init() *Logger {
	g := self.Geometry
	bases := [StreamCount]uint64{g.SitLogBase, g.NatLogBase, g.SsaLogBase}
	for i := range self.streams {
		s := &self.streams[i]
		s.base = bases[i]
		s.zone = g.ZoneBlocks
		s.indices[0] = make(map[uint64][]byte)
		s.indices[1] = make(map[uint64][]byte)
		// Both halves start reset on a fresh region; mount
		// re-derives this from the pack.
		s.halfReady[0] = true
		s.halfReady[1] = true
	}
	self.quit = make(chan struct{})
	ptr := &self
	ptr.workers.Go(func() {
		ptr.mergeWorker()
	})
	return ptr
}

func (self *Logger) Close() {
	close(self.quit)
	self.workers.Wait()
}

// AdvanceWritePointer reserves n sequential blocks in the stream's
// active zone half and returns the absolute address of the first one.
// At capacity it returns ErrZoneFull without partial advance; the
// caller toggles indices and switches halves, then retries.
func (self *Logger) AdvanceWritePointer(streamIdx int, n uint64) (uint64, error) {
	s := &self.streams[streamIdx]
	defer s.lock.Locked()()
	if s.wp+n > s.zone {
		mlog.Printf2("metalog/metalog", "AdvanceWritePointer %s: full (%d+%d > %d)",
			streamName[streamIdx], s.wp, n, s.zone)
		return 0, ErrZoneFull
	}
	addr := s.halfBase(s.activeHalf) + s.wp
	s.wp += n
	self.checkBounds(streamIdx, addr, n)
	return addr, nil
}

// NextLogAddress hands out the single next writable block. The caller
// must have established there is room; running off the zone here is a
// bookkeeping bug, not a recoverable condition.
func (self *Logger) NextLogAddress(streamIdx int) uint64 {
	addr, err := self.AdvanceWritePointer(streamIdx, 1)
	if err != nil {
		mlog.Panicf("metalog.NextLogAddress %s: %v", streamName[streamIdx], err)
	}
	return addr
}

// checkBounds rejects any address outside the stream's region;
// violation means corrupted internal bookkeeping.
func (self *Logger) checkBounds(streamIdx int, addr, n uint64) {
	s := &self.streams[streamIdx]
	end := s.base + 2*s.zone
	if addr < s.base || addr+n > end {
		mlog.Panicf("metalog: %s address %d+%d outside [%d, %d)",
			streamName[streamIdx], addr, n, s.base, end)
	}
}

// WritePointer returns the in-half write pointer (tests, stats).
func (self *Logger) WritePointer(streamIdx int) uint64 {
	s := &self.streams[streamIdx]
	defer s.lock.Locked()()
	return s.wp
}

// AppendEntries logs entries into the active zone half and records
// them in the active in-memory index. ErrZoneFull may be returned
// mid-batch; the count says how many made it, and the caller
// re-submits the rest after switching halves.
func (self *Logger) AppendEntries(streamIdx int, entries []Entry) (int, error) {
	s := &self.streams[streamIdx]
	s.lock.Lock()
	seq := s.seq
	s.lock.Unlock()
	for i, e := range entries {
		if len(e.Data) > device.BlockSize-entryHeaderSize {
			return i, ErrEntryTooLarge
		}
		addr, err := self.AdvanceWritePointer(streamIdx, 1)
		if err != nil {
			return i, err
		}
		if err = self.Device.WriteBlock(addr, encodeEntryBlock(e, seq)); err != nil {
			return i, err
		}
		s.indexLock.Lock()
		s.indices[int(s.activeIndex.Get())][e.Id] = append([]byte{}, e.Data...)
		s.indexLock.Unlock()
	}
	mlog.Printf2("metalog/metalog", "AppendEntries %s: %d entries",
		streamName[streamIdx], len(entries))
	return len(entries), nil
}

// Lookup resolves one entry: active index first, then the inactive
// index if a merge has not drained it yet, then the baseline region.
func (self *Logger) Lookup(streamIdx int, id uint64) ([]byte, error) {
	s := &self.streams[streamIdx]
	s.indexLock.RLock()
	active := int(s.activeIndex.Get())
	if v, ok := s.indices[active][id]; ok {
		s.indexLock.RUnlock()
		return v, nil
	}
	if v, ok := s.indices[1-active][id]; ok {
		s.indexLock.RUnlock()
		return v, nil
	}
	s.indexLock.RUnlock()
	v, err := self.Store.Get(streamIdx, id)
	if err == baseline.ErrNotFound {
		return nil, baseline.ErrNotFound
	}
	return v, err
}

// IndexLen returns the entry count of the active (which=0) or
// inactive (which=1) index.
func (self *Logger) IndexLen(streamIdx, which int) int {
	s := &self.streams[streamIdx]
	defer s.indexLock.RLocked()()
	active := int(s.activeIndex.Get())
	if which == 0 {
		return len(s.indices[active])
	}
	return len(s.indices[1-active])
}

// ToggleIndex makes the inactive index active. Only legal when the
// target is empty; a non-empty target is refused so the caller never
// silently loses unmerged entries. The publish itself is a single
// atomic store.
func (self *Logger) ToggleIndex(streamIdx int) error {
	s := &self.streams[streamIdx]
	defer s.indexLock.Locked()()
	target := 1 - int(s.activeIndex.Get())
	if len(s.indices[target]) != 0 {
		mlog.Printf2("metalog/metalog", "ToggleIndex %s: target %d non-empty (%d)",
			streamName[streamIdx], target, len(s.indices[target]))
		return ErrIndexNotEmpty
	}
	s.activeIndex.Set(int64(target))
	return nil
}

// SwitchHalf points the allocator at the opposite zone half, which
// must have been reset since its last use. Survivors are entries the
// caller wants re-logged into the fresh half rather than merged, e.g.
// still-referenced pages about to lose their backing log.
func (self *Logger) SwitchHalf(streamIdx int, survivors []Entry) error {
	s := &self.streams[streamIdx]
	s.lock.Lock()
	other := 1 - s.activeHalf
	if !s.halfReady[other] {
		s.lock.Unlock()
		mlog.Panicf("metalog.SwitchHalf %s: half %d not reset",
			streamName[streamIdx], other)
	}
	s.activeHalf = other
	s.halfReady[other] = false
	s.wp = 0
	s.seq++
	s.lock.Unlock()
	mlog.Printf2("metalog/metalog", "SwitchHalf %s -> %d (%d survivors)",
		streamName[streamIdx], other, len(survivors))
	_, err := self.AppendEntries(streamIdx, survivors)
	return err
}

// ResetZone resets one zone half on the device. The half may not be
// the active one, and the inactive index must have been drained;
// resetting a half that still backs unmerged entries would lose them.
func (self *Logger) ResetZone(streamIdx, half int) error {
	s := &self.streams[streamIdx]
	defer s.lock.Locked()()
	if half == s.activeHalf {
		mlog.Panicf("metalog.ResetZone %s: resetting active half %d",
			streamName[streamIdx], half)
	}
	if n := self.IndexLen(streamIdx, 1); n != 0 {
		mlog.Panicf("metalog.ResetZone %s: inactive index has %d entries",
			streamName[streamIdx], n)
	}
	if err := self.Device.ResetZone(s.halfBase(half), s.zone); err != nil {
		return err
	}
	s.halfReady[half] = true
	return nil
}

// ActiveHalf returns the allocator's current zone half (tests).
func (self *Logger) ActiveHalf(streamIdx int) int {
	s := &self.streams[streamIdx]
	defer s.lock.Locked()()
	return s.activeHalf
}

// RetiredHalf returns the half not currently written, i.e. the one a
// completed merge allows resetting.
func (self *Logger) RetiredHalf(streamIdx int) int {
	return 1 - self.ActiveHalf(streamIdx)
}

// Replay rebuilds allocator and index state from the on-disk log
// zones. Runs at mount on otherwise-empty state: each half is scanned
// for valid entry blocks, the half sequence decides which one is
// active, and a half that still holds retired entries gets its merge
// re-requested. A merge interrupted by a crash simply runs again; the
// baseline region puts are idempotent.
func (self *Logger) Replay() error {
	for i := range self.streams {
		if err := self.replayStream(i); err != nil {
			return err
		}
	}
	return nil
}

func (self *Logger) replayStream(streamIdx int) error {
	var entries [2][]Entry
	var seqs [2]uint32
	for half := 0; half < 2; half++ {
		es, seq, err := self.scanHalf(streamIdx, half)
		if err != nil {
			return err
		}
		entries[half] = es
		seqs[half] = seq
	}

	active := 0
	switch {
	case len(entries[0]) == 0 && len(entries[1]) == 0:
		return nil
	case len(entries[0]) == 0:
		active = 1
	case len(entries[1]) == 0:
		active = 0
	case seqs[1] > seqs[0]:
		// Both halves hold entries: a switch happened and the
		// retired half was not reset before the crash. The later
		// sequence is the active side.
		active = 1
	}
	retired := 1 - active

	s := &self.streams[streamIdx]
	s.lock.Lock()
	s.activeHalf = active
	s.wp = uint64(len(entries[active]))
	s.seq = seqs[active]
	s.halfReady[active] = false
	s.halfReady[retired] = len(entries[retired]) == 0
	s.lock.Unlock()

	s.indexLock.Lock()
	ai := int(s.activeIndex.Get())
	for _, e := range entries[active] {
		s.indices[ai][e.Id] = e.Data
	}
	for _, e := range entries[retired] {
		s.indices[1-ai][e.Id] = e.Data
	}
	s.indexLock.Unlock()

	mlog.Printf2("metalog/metalog", "replayStream %s: half %d active, %d + %d entries",
		streamName[streamIdx], active, len(entries[active]), len(entries[retired]))
	if len(entries[retired]) != 0 {
		self.RequestMerge(streamIdx)
	}
	return nil
}

// scanHalf reads one zone half up to the first invalid block. Later
// duplicates of an id override earlier ones, matching append order. A
// sequence change mid-half means stale blocks from an incompletely
// reset era; the scan stops there.
func (self *Logger) scanHalf(streamIdx, half int) ([]Entry, uint32, error) {
	s := &self.streams[streamIdx]
	var entries []Entry
	var seq uint32
	for off := uint64(0); off < s.zone; off++ {
		blk, err := self.Device.ReadBlock(s.halfBase(half) + off)
		if err != nil {
			return nil, 0, err
		}
		e, sq, err := decodeEntryBlock(blk)
		if err != nil {
			break
		}
		if off == 0 {
			seq = sq
		} else if sq != seq {
			break
		}
		entries = append(entries, e)
	}
	return entries, seq, nil
}
