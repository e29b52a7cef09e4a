// Command segdump builds a heap from a configuration, fills it with
// synthetic objects and pointer writes, and prints the card table of every
// segment.
//
//	segdump -config gcheap.yaml -objects 5000 -writes 500
//	GCHEAP_OPTIONS='provider=pool pool-size=64MB' segdump -json
//
// When the heap runs out of memory, segdump prints a diagnostic report with
// the heap statistics and exits with status 1.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/gcheap/config"
	"github.com/tinygo-org/gcheap/diagnostics"
	"github.com/tinygo-org/gcheap/heap"
	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/segment"
)

type options struct {
	configPath string
	options    string
	objects    int
	maxObject  int
	writes     int
	seed       int64
	json       bool
	verify     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.options, "options", "", "key=value options, applied after the file and "+config.EnvOptions)
	flag.IntVar(&opts.objects, "objects", 2000, "number of objects to allocate")
	flag.IntVar(&opts.maxObject, "max-object", 16384, "largest object size in bytes")
	flag.IntVar(&opts.writes, "writes", 200, "number of pointer writes to record")
	flag.Int64Var(&opts.seed, "seed", 1, "random seed")
	flag.BoolVar(&opts.json, "json", false, "print statistics as JSON instead of card maps")
	flag.BoolVar(&opts.verify, "verify", false, "check the card boundaries of every segment")
	flag.Parse()
	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "segdump:", err)
		flag.Usage()
		os.Exit(2)
	}

	stdout := colorable.NewColorableStdout()
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if err := run(opts, stdout, color); err != nil {
		fmt.Fprintln(os.Stderr, "segdump:", err)
		os.Exit(1)
	}
}

func (opts options) validate() error {
	if opts.maxObject <= 0 {
		return errors.Newf("-max-object must be positive, got %d", opts.maxObject)
	}
	if opts.objects < 0 || opts.writes < 0 {
		return errors.New("-objects and -writes must not be negative")
	}
	return nil
}

func loadConfig(opts options) (config.Config, error) {
	c := config.Default()
	if opts.configPath != "" {
		var err error
		if c, err = config.Load(opts.configPath); err != nil {
			return c, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	if err := c.ApplyOptions(opts.options); err != nil {
		return c, err
	}
	return c, nil
}

func run(opts options, stdout io.Writer, color bool) error {
	if err := opts.validate(); err != nil {
		return err
	}
	c, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := c.Logger(os.Stderr)
	h, err := c.NewHeap(log)
	if err != nil {
		return err
	}
	defer h.Close()

	rng := rand.New(rand.NewSource(opts.seed))
	objects, err := populate(h, rng, opts)
	if err != nil {
		var stats heap.MemStats
		h.ReadMemStats(&stats)
		diagnostics.CreateReport(err, &stats).WriteTo(os.Stderr)
		return errors.New("heap exhausted")
	}
	log.Info("heap populated", "objects", len(objects), "segments", len(h.Segments()))

	if opts.verify {
		if err := verify(h, objects); err != nil {
			return err
		}
	}
	if opts.json {
		return writeJSON(stdout, h)
	}
	for i, seg := range h.Segments() {
		dumpCards(stdout, i, seg, color)
	}
	return nil
}

// populate allocates random objects and records random pointer writes into
// them. It returns the end address of every object, keyed by its start.
func populate(h *heap.Heap, rng *rand.Rand, opts options) (map[uintptr]uintptr, error) {
	objects := make(map[uintptr]uintptr, opts.objects)
	var starts []uintptr
	for i := 0; i < opts.objects; i++ {
		size := uintptr(8 + rng.Intn(opts.maxObject))
		p, err := h.Alloc(size)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating object %d of %d bytes", i, size)
		}
		objects[p] = p + heapalign.AlignSize(size)
		starts = append(starts, p)
	}
	for i := 0; i < opts.writes && len(starts) > 0; i++ {
		p := starts[rng.Intn(len(starts))]
		size := objects[p] - p
		off := uintptr(rng.Int63n(int64(size))) &^ 7
		if i%10 == 9 {
			// A bulk store, like a copy into an array.
			h.WriteBarrierRange(p+off, objects[p])
		} else {
			h.WriteBarrier(p + off)
		}
	}
	return objects, nil
}

// verify walks every segment object by object and checks the card
// boundaries, then takes and checks a boundary summary.
func verify(h *heap.Heap, objects map[uintptr]uintptr) error {
	for i, seg := range h.Segments() {
		next := func(obj uintptr) uintptr {
			if end, ok := objects[obj]; ok {
				return end
			}
			return obj
		}
		if err := seg.VerifyBoundaries(next); err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}
		seg.SummarizeCardTableBoundaries()
		if err := seg.CheckSummarizedCardTableBoundaries(); err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}
	}
	return nil
}

func writeJSON(w io.Writer, h *heap.Heap) error {
	var stats heap.MemStats
	h.ReadMemStats(&stats)

	jw := jwriter.NewWriter()
	obj := jw.Object()
	heapObj := obj.Name("heap").Object()
	stats.WriteJSON(&heapObj)
	heapObj.End()
	segs := obj.Name("segments").Array()
	for _, seg := range h.Segments() {
		segObj := segs.Object()
		seg.WriteStats(&segObj)
		segObj.End()
	}
	segs.End()
	obj.End()
	if err := jw.Error(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, string(jw.Bytes()))
	return err
}

const (
	ansiRed      = "\x1b[31m"
	ansiReset    = "\x1b[0m"
	cardsPerLine = 64
)

// dumpCards prints one character per card of the allocated part of a
// segment: '#' for dirty cards and '·' for clean ones.
func dumpCards(w io.Writer, index int, seg *segment.Segment, color bool) {
	ct := seg.CardTable()
	fmt.Fprintf(w, "segment %d at %#x: %d of %d bytes used, %d dirty cards\n",
		index, seg.LowLim(), seg.Used(), seg.Size(), ct.CountDirty())
	if seg.Used() == 0 {
		return
	}
	from := ct.AddressToIndex(seg.Start())
	to := ct.AddressToIndex(seg.Level()-1) + 1
	for i := from; i < to; i++ {
		if ct.IsCardForIndexDirty(i) {
			if color {
				fmt.Fprint(w, ansiRed+"#"+ansiReset)
			} else {
				fmt.Fprint(w, "#")
			}
		} else {
			fmt.Fprint(w, "·")
		}
		if (i-from)%cardsPerLine == cardsPerLine-1 || i+1 == to {
			fmt.Fprintln(w)
		}
	}
}
