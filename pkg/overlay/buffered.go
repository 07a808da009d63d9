package overlay

import (
	"sync"

	"github.com/VividCortex/gohistogram"
)

type opKind int

const (
	opWrite opKind = iota
	opRemove
	opStop
)

// work is one buffered mutation, carrying its own serialized payload so a
// concurrent read can reconstruct the directory without re-touching the
// underlying catalog.
type work struct {
	kind    opKind
	inode   InodeNumber
	payload []byte // encodeRecord(dir, ts); only set for opWrite
	size    int
}

type bufferState struct {
	work       []*work
	waiting    map[InodeNumber]*work
	inflight   map[InodeNumber]*work
	totalBytes uint64
	stopped    bool
}

// BufferedOverlay is the write-behind wrapper over an InodeCatalog. A
// single worker goroutine drains a bounded queue; enqueuers block once
// the outstanding-bytes budget is exceeded.
type BufferedOverlay struct {
	underlying InodeCatalog
	budget     uint64

	mu         sync.Mutex
	workReady  *sync.Cond
	notFull    *sync.Cond
	st         bufferState
	workerDone chan struct{}
	closeOnce  sync.Once

	batchSizes *gohistogram.NumericHistogram
}

// NewBufferedOverlay wraps underlying with a write-behind queue bounded at
// budget outstanding bytes.
func NewBufferedOverlay(underlying InodeCatalog, budget uint64) *BufferedOverlay {
	b := &BufferedOverlay{
		underlying: underlying,
		budget:     budget,
		st: bufferState{
			waiting:  make(map[InodeNumber]*work),
			inflight: make(map[InodeNumber]*work),
		},
		workerDone: make(chan struct{}),
		batchSizes: gohistogram.NewHistogram(20),
	}
	b.workReady = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)

	go b.run()
	return b
}

// process enqueues a mutation, blocking while the outstanding-bytes budget
// is exhausted, and dropping the request if the overlay is stopping.
func (b *BufferedOverlay) process(w *work) {
	b.mu.Lock()
	for b.st.totalBytes >= b.budget && !b.st.stopped {
		b.notFull.Wait()
	}
	if b.st.stopped {
		b.mu.Unlock()
		return
	}

	b.st.work = append(b.st.work, w)
	b.st.waiting[w.inode] = w
	b.st.totalBytes += uint64(w.size)
	b.mu.Unlock()

	b.workReady.Signal()
}

func (b *BufferedOverlay) SaveDir(n InodeNumber, d *Dir, ts Timestamps) error {
	payload, err := encodeRecord(d, ts)
	if err != nil {
		return err
	}
	b.process(&work{kind: opWrite, inode: n, payload: payload, size: len(payload)})
	return nil
}

func (b *BufferedOverlay) RemoveDir(n InodeNumber) error {
	b.process(&work{kind: opRemove, inode: n, size: 0})
	return nil
}

// LoadDir first inspects the buffered waiting and inflight operations
// before falling through to the underlying catalog, guaranteeing
// read-after-write consistency.
func (b *BufferedOverlay) LoadDir(n InodeNumber) (*Dir, Timestamps, bool, error) {
	if w, found := b.mostRecentBufferedOp(n); found {
		switch w.kind {
		case opWrite:
			d, ts, err := decodeRecord(w.payload)
			return d, ts, true, err
		case opRemove:
			return nil, Timestamps{}, false, nil
		}
	}
	return b.underlying.LoadDir(n)
}

func (b *BufferedOverlay) HasDir(n InodeNumber) (bool, error) {
	if w, found := b.mostRecentBufferedOp(n); found {
		return w.kind == opWrite, nil
	}
	return b.underlying.HasDir(n)
}

// LoadAndRemoveDir reads the current contents (honoring any buffered write)
// and then enqueues a Remove so the underlying catalog eventually reflects
// it.
func (b *BufferedOverlay) LoadAndRemoveDir(n InodeNumber) (*Dir, Timestamps, bool, error) {
	d, ts, found, err := b.LoadDir(n)
	if err != nil {
		return nil, Timestamps{}, false, err
	}
	if err := b.RemoveDir(n); err != nil {
		return nil, Timestamps{}, false, err
	}
	return d, ts, found, nil
}

func (b *BufferedOverlay) mostRecentBufferedOp(n InodeNumber) (*work, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.st.waiting[n]; ok {
		return w, true
	}
	if w, ok := b.st.inflight[n]; ok {
		return w, true
	}
	return nil, false
}

func (b *BufferedOverlay) AllocateInodeNumber() (InodeNumber, error) {
	// Allocation is synchronous against the underlying catalog: it must
	// never be buffered, since callers rely on the returned number being
	// immediately unique and durable enough to hand out.
	return b.underlying.AllocateInodeNumber()
}

func (b *BufferedOverlay) run() {
	for {
		b.mu.Lock()
		for len(b.st.work) == 0 {
			b.workReady.Wait()
		}

		localWork := b.st.work
		wasFull := b.st.totalBytes >= b.budget

		b.st.work = nil
		b.st.inflight = b.st.waiting
		b.st.waiting = make(map[InodeNumber]*work)
		b.st.totalBytes = 0
		b.mu.Unlock()

		if wasFull {
			b.notFull.Broadcast()
		}

		b.batchSizes.Add(float64(len(localWork)))

		stop := false
		for _, w := range localWork {
			if w.kind == opStop {
				stop = true
				break
			}
			b.execute(w)
		}

		if stop {
			close(b.workerDone)
			return
		}
	}
}

func (b *BufferedOverlay) execute(w *work) {
	switch w.kind {
	case opWrite:
		d, ts, err := decodeRecord(w.payload)
		if err != nil {
			return
		}
		b.underlying.SaveDir(w.inode, d, ts)
	case opRemove:
		b.underlying.RemoveDir(w.inode)
	}
}

// Close stops the worker after flushing all pending writes, then closes the
// underlying catalog.
func (b *BufferedOverlay) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.st.stopped = true
		b.st.work = append(b.st.work, &work{kind: opStop})
		b.mu.Unlock()

		b.workReady.Broadcast()
		b.notFull.Broadcast()
		<-b.workerDone
	})
	return b.underlying.Close()
}

// QueueDepthQuantile reports an approximate quantile of recent batch sizes
// processed by the worker, useful for tuning the write budget.
func (b *BufferedOverlay) QueueDepthQuantile(q float64) float64 {
	return b.batchSizes.Quantile(q)
}
