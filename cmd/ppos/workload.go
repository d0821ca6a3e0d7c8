package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/internal/fatal"
	"github.com/HayatoShiba/ppos/memory/kalloc"
	"github.com/HayatoShiba/ppos/storage/buffer"
)

// device used by the workload
const workloadDevice = common.Device(1)

// maxHeldPages is the number of pages each worker keeps before freeing
const maxHeldPages = 16

// workload runs one worker per cpu.
// every operation increments the counter at the head of a block, so the sum of all counters equals the number of block updates.
type workload struct {
	cache   buffer.Cache
	pages   *kalloc.Allocator
	limiter *rate.Limiter
	blocks  int
	logger  *slog.Logger
}

// result is the counts of a run
type result struct {
	updates     uint64
	allocs      uint64
	outOfMemory uint64
}

func (r *result) add(o result) {
	r.updates += o.updates
	r.allocs += o.allocs
	r.outOfMemory += o.outOfMemory
}

// run blocks until ctx is done or some worker fails
func (w *workload) run(ctx context.Context) (result, error) {
	results := make([]result, w.pages.NumCPU())
	eg, ctx := errgroup.WithContext(ctx)
	for cpu := range results {
		eg.Go(func() error {
			return w.worker(ctx, common.CPUID(cpu), &results[cpu])
		})
	}
	err := eg.Wait()

	var total result
	for _, r := range results {
		total.add(r)
	}
	return total, err
}

// worker converts fatal violation into error so that the simulator can report it
func (w *workload) worker(ctx context.Context, id common.CPUID, res *result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			v := fatal.Recover(r)
			if v == nil {
				panic(r)
			}
			err = errors.Wrapf(v, "cpu %d", id)
		}
	}()

	rng := rand.New(rand.NewPCG(uint64(id), 0x9e3779b97f4a7c15))
	held := make([]kalloc.Addr, 0, maxHeldPages)
	defer func() {
		for _, pa := range held {
			w.pages.Free(id, pa)
		}
	}()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			// deadline of the run
			w.logger.Debug("worker stopped", "cpu", id, "updates", res.updates, "held_pages", len(held))
			return nil
		}

		blockno := common.BlockNo(rng.IntN(w.blocks))
		if err := w.update(blockno); err != nil {
			return errors.Wrapf(err, "cpu %d update block %d", id, blockno)
		}
		res.updates++

		pa, err := w.pages.Alloc(id)
		switch {
		case errors.Is(err, kalloc.ErrOutOfMemory):
			res.outOfMemory++
		case err != nil:
			return errors.Wrap(err, "Alloc failed")
		default:
			res.allocs++
			binary.LittleEndian.PutUint64(w.pages.Page(pa), uint64(blockno))
			held = append(held, pa)
		}
		// free some of the pages so that the free lists move between cpus
		if len(held) == maxHeldPages || (len(held) > 0 && rng.IntN(2) == 0) {
			i := rng.IntN(len(held))
			w.pages.Free(id, held[i])
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
		}
	}
}

// update increments the counter of the block and writes it through
func (w *workload) update(blockno common.BlockNo) error {
	b, err := w.cache.Read(workloadDevice, blockno)
	if err != nil {
		return errors.Wrap(err, "Read failed")
	}
	defer w.cache.Release(b)

	data := b.Data()
	binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
	if err := w.cache.Write(b); err != nil {
		return errors.Wrap(err, "Write failed")
	}
	return nil
}

// sum reads back the counters of all blocks
func (w *workload) sum() (uint64, error) {
	var total uint64
	for i := 0; i < w.blocks; i++ {
		b, err := w.cache.Read(workloadDevice, common.BlockNo(i))
		if err != nil {
			return 0, errors.Wrap(err, "Read failed")
		}
		total += binary.LittleEndian.Uint64(b.Data())
		w.cache.Release(b)
	}
	return total, nil
}
