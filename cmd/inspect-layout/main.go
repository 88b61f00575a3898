package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/e2b-dev/infra/packages/emu512/internal/emulator"
)

func main() {
	physicalBlockSize := flag.Uint64("physical-block-size", 4096, "native block size of the physical device in bytes")
	lba := flag.Uint64("lba", 0, "first logical block")
	blocks := flag.Uint64("blocks", 1, "number of logical blocks")

	flag.Parse()

	scaling, err := emulator.Scaling(*physicalBlockSize)
	if err != nil {
		log.Fatalf("invalid physical block size: %s", err)
	}

	if *blocks == 0 {
		log.Fatalf("blocks must be positive")
	}

	l := emulator.Classify(scaling, *lba, *blocks)

	fmt.Printf("\nREQUEST\n")
	fmt.Printf("=======\n")
	fmt.Printf("Logical range      [%d, %d) %s\n", *lba, *lba+*blocks, humanize.IBytes(*blocks*emulator.LogicalBlockSize))
	fmt.Printf("Physical range     [%d, %d) %d x %s\n", l.PhysicalLBA, l.PhysicalLBA+l.PhysicalLen, l.PhysicalLen, humanize.IBytes(*physicalBlockSize))
	fmt.Printf("Scaling            %d\n", scaling)
	fmt.Printf("Shape              %s\n", l.Shape())
	fmt.Printf("Needs guard        %t\n", l.NeedsGuard())

	fmt.Printf("\nWRITE PHASES\n")
	fmt.Printf("============\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PIECE\tLOGICAL\tPHYSICAL\tOPS")

	for _, p := range l.Pieces() {
		ops := "write"
		if p.Kind != emulator.PieceMid {
			ops = "read, write"
		}

		fmt.Fprintf(w, "%s\t[%d, %d)\t[%d, %d)\t%s\n",
			p.Kind,
			p.LBA, p.LBA+p.NumBlocks,
			p.PhysicalLBA, p.PhysicalLBA+p.PhysicalLen,
			ops,
		)
	}

	if err := w.Flush(); err != nil {
		log.Fatalf("failed to print phases: %s", err)
	}

	if l.Aligned {
		fmt.Printf("\nReads and writes go straight to the physical device.\n")

		return
	}

	fmt.Printf("\nReads use a %s bounce buffer, copying bytes [%d, %d).\n",
		humanize.IBytes(l.PhysicalLen**physicalBlockSize),
		l.LeadByteOffset(),
		l.LeadByteOffset()+*blocks*emulator.LogicalBlockSize,
	)

	if l.LeadUnaligned || l.TrailUnaligned {
		var sides []string
		if l.LeadUnaligned {
			sides = append(sides, fmt.Sprintf("lead at byte %d", l.LeadByteOffset()))
		}

		if l.TrailUnaligned {
			sides = append(sides, fmt.Sprintf("trail of %d bytes", l.TrailBytes()))
		}

		fmt.Printf("Writes merge the %s into the existing sectors.\n", strings.Join(sides, " and "))
	}
}
