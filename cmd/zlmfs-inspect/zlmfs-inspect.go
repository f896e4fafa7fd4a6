/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 10:08:10 2019 mstenber
 * Last modified: Mon Feb 18 11:02:37 2019 mstenber
 * Edit time:     52 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fingon/go-zlmfs/device"
	"github.com/fingon/go-zlmfs/pack"
)

func describeSlot(dev device.Device, slot int, base uint64) *pack.Pack {
	p, err := pack.ReadSlot(dev, base)
	if err != nil {
		fmt.Printf("slot %d @%d: invalid (%v)\n", slot, base, err)
		return nil
	}
	fmt.Printf("slot %d @%d: version %d\n", slot, base, p.Version)
	fmt.Printf("  flags:           %08x\n", uint32(p.Flags))
	fmt.Printf("  valid blocks:    %d\n", p.ValidBlockCount)
	fmt.Printf("  valid nodes:     %d\n", p.ValidNodeCount)
	fmt.Printf("  valid inodes:    %d\n", p.ValidInodeCount)
	fmt.Printf("  next free ino:   %d\n", p.NextFreeIno)
	fmt.Printf("  free segments:   %d\n", p.FreeSegmentCount)
	fmt.Printf("  total blocks:    %d (payload %d, orphan %d)\n",
		p.TotalBlockCount, p.PayloadBlockCount, p.OrphanBlockCount)
	for i, c := range p.Cursors {
		fmt.Printf("  cursor %d:        seg %d off %d type %d\n",
			i, c.Segno, c.BlkOff, c.AllocType)
	}
	return p
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	zoneBlocks := flag.Uint64("zoneblocks", 256, "Blocks per zone")
	totalBlocks := flag.Uint64("totalblocks", 16384, "Total image blocks")
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	dev, err := device.NewFileDevice(flag.Arg(0), *totalBlocks)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()
	g := device.DefaultGeometry(*zoneBlocks, *totalBlocks)

	p0 := describeSlot(dev, 0, g.PackSlotBase(0))
	p1 := describeSlot(dev, 1, g.PackSlotBase(1))
	p, err := pack.SelectAuthoritative(p0, p1)
	if err != nil {
		fmt.Println("no authoritative pack; filesystem is corrupt")
		os.Exit(2)
	}
	fmt.Printf("authoritative: version %d\n", p.Version)
	if p.HasOrphans() {
		fmt.Printf("orphans present: %d blocks\n", p.OrphanBlockCount)
	}
}
