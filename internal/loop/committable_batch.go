package loop

import (
	"sort"
	"sync"

	"github.com/streamcore/kloop/kafka"
)

// CommitCallback completes a manual-ack caller's pending commit, per
// per-offset callback emitters in the CommitArgs contract.
type CommitCallback func(err error)

// CommitArgs is the atomic snapshot GetAndClearOffsets hands to CommitTask.
// Callbacks is keyed by partition and then by the record offset each
// callback was registered against, so a callback only ever fires for an
// offset that actually rode along in Offsets.
type CommitArgs struct {
	Offsets   map[kafka.TopicPartition]kafka.Offset
	Callbacks map[kafka.TopicPartition]map[int64]CommitCallback
}

type partitionBook struct {
	pending     []int64 // ascending offsets added but not yet committed
	acked       map[int64]bool
	pendingFrom int64 // -1, or an offset a prior failed commit still owes a retry
	callbacks   map[int64]CommitCallback
}

// CommittableBatch implements the §6.3 contract: it accumulates offsets
// added by PollTask, tracks which have been acknowledged by downstream, and
// exposes the two counts PollTask's flow-control gates depend on —
// InPipeline (records added but not yet committed) and DeferredCount
// (acknowledged offsets stuck behind a lower unacknowledged one on the same
// partition, the out-of-order-ack gate).
type CommittableBatch struct {
	mu                sync.Mutex
	books             map[kafka.TopicPartition]*partitionBook
	outOfOrderCommits bool
}

func NewCommittableBatch(outOfOrderCommits bool) *CommittableBatch {
	return &CommittableBatch{
		books:             make(map[kafka.TopicPartition]*partitionBook),
		outOfOrderCommits: outOfOrderCommits,
	}
}

func (b *CommittableBatch) bookFor(tp kafka.TopicPartition) *partitionBook {
	book, ok := b.books[tp]
	if !ok {
		book = &partitionBook{
			acked:       make(map[int64]bool),
			pendingFrom: -1,
			callbacks:   make(map[int64]CommitCallback),
		}
		b.books[tp] = book
	}
	return book
}

// AddUncommitted registers a freshly-emitted batch as in-pipeline.
func (b *CommittableBatch) AddUncommitted(records []kafka.ConsumerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range records {
		book := b.bookFor(r.TopicPartition())
		book.pending = append(book.pending, r.Offset)
	}
}

// Ack marks a single record's offset as acknowledged by downstream. offset
// is the record's own offset, not the next-fetch-position commit value.
func (b *CommittableBatch) Ack(tp kafka.TopicPartition, offset int64, cb CommitCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	book := b.bookFor(tp)
	book.acked[offset] = true
	if cb != nil {
		book.callbacks[offset] = cb
	}
}

// InPipeline is the total count of records added but not yet committed,
// across all partitions.
func (b *CommittableBatch) InPipeline() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, book := range b.books {
		total += len(book.pending)
	}
	return total
}

// DeferredCount is the count of acknowledged offsets that cannot yet be
// committed because a lower offset on the same partition is still
// unacknowledged.
func (b *CommittableBatch) DeferredCount() int {
	if !b.outOfOrderCommits {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, book := range b.books {
		contiguous := contiguousAckedPrefix(book)
		for i := contiguous; i < len(book.pending); i++ {
			if book.acked[book.pending[i]] {
				total++
			}
		}
	}
	return total
}

// contiguousAckedPrefix returns how many entries at the front of
// book.pending (which is kept sorted ascending) are acknowledged.
func contiguousAckedPrefix(book *partitionBook) int {
	i := 0
	for i < len(book.pending) && book.acked[book.pending[i]] {
		i++
	}
	return i
}

// GetAndClearOffsets snapshots every partition's committable prefix and
// resets it. Returns nil if nothing is due.
func (b *CommittableBatch) GetAndClearOffsets() *CommitArgs {
	b.mu.Lock()
	defer b.mu.Unlock()

	offsets := make(map[kafka.TopicPartition]kafka.Offset)
	var callbacks map[kafka.TopicPartition]map[int64]CommitCallback

	for tp, book := range b.books {
		sort.Slice(book.pending, func(i, j int) bool { return book.pending[i] < book.pending[j] })

		commitTo := int64(-1)
		contiguous := contiguousAckedPrefix(book)
		if contiguous > 0 {
			commitTo = book.pending[contiguous-1]
		}
		if book.pendingFrom > commitTo {
			commitTo = book.pendingFrom
		}

		if commitTo < 0 {
			continue
		}

		offsets[tp] = kafka.Offset{Offset: commitTo + 1}
		book.pendingFrom = -1

		remaining := book.pending[:0:0]
		for _, off := range book.pending {
			if off > commitTo {
				remaining = append(remaining, off)
			} else {
				delete(book.acked, off)
			}
		}
		book.pending = remaining

		// Only carry along callbacks whose own offset is actually part of
		// this partition's commit range; callbacks for a different,
		// still-gapped partition (or an offset above commitTo on this one)
		// stay in book.callbacks until a later commit actually covers them.
		for off, cb := range book.callbacks {
			if off > commitTo {
				continue
			}
			if callbacks == nil {
				callbacks = make(map[kafka.TopicPartition]map[int64]CommitCallback)
			}
			if callbacks[tp] == nil {
				callbacks[tp] = make(map[int64]CommitCallback)
			}
			callbacks[tp][off] = cb
			delete(book.callbacks, off)
		}
	}

	if len(offsets) == 0 {
		return nil
	}

	return &CommitArgs{Offsets: offsets, Callbacks: callbacks}
}

// RestoreOffsets puts a failed commit's offsets back. When retry is true
// the next GetAndClearOffsets call will re-offer at least these offsets;
// when false, they're surrendered — bookkeeping moves on without them, the
// caller is responsible for failing any per-offset callbacks itself.
func (b *CommittableBatch) RestoreOffsets(args *CommitArgs, retry bool) {
	if args == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if retry {
		for tp, o := range args.Offsets {
			book := b.bookFor(tp)
			if o.Offset-1 > book.pendingFrom {
				book.pendingFrom = o.Offset - 1
			}
		}
		for tp, cbs := range args.Callbacks {
			book := b.bookFor(tp)
			for off, cb := range cbs {
				book.callbacks[off] = cb
			}
		}
	}
}

// PartitionsRevoked drops bookkeeping for partitions no longer owned.
func (b *CommittableBatch) PartitionsRevoked(partitions []kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tp := range partitions {
		delete(b.books, tp)
	}
}

func (b *CommittableBatch) OutOfOrderCommits() bool {
	return b.outOfOrderCommits
}
