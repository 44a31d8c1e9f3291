// Package queue dispatches pending pairs to processors. Four typed FIFO
// queues (local/remote x folder/file) feed one dedicated worker each, so
// folder operations stay strictly serialized per direction; a pool of
// generic workers drains whichever file queue is currently larger.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/steveyegge/drivesync/internal/state"
)

// ProcessFunc handles one pair. It owns error recording; the queue only
// provides the cancellable context used by InterruptProcessorsOn.
type ProcessFunc func(ctx context.Context, pair *state.DocPair)

// ReloadFunc fetches the current row for a pair id, used when a blacklisted
// pair becomes due again.
type ReloadFunc func(pairID int64) (*state.DocPair, error)

// Callbacks are the queue-to-engine notifications. All optional.
type Callbacks struct {
	// QueueProcessing fires when work arrives in an idle manager.
	QueueProcessing func()
	// QueueEmpty fires when the last queued pair was handed out.
	QueueEmpty func()
	// QueueFinishedProcessing fires when the queues are empty and no
	// worker is busy.
	QueueFinishedProcessing func()
	// NewError fires when a pair is parked for a timed retry.
	NewError func(pairID int64)
	// NewErrorGiveUp fires when a pair exhausted its retries.
	NewErrorGiveUp func(pairID int64)
}

// Config tunes the worker pool and the retry policy.
type Config struct {
	// MaxFileProcessors caps the total number of file workers; two slots
	// are reserved for the dedicated local/remote file workers, the rest
	// are generic.
	MaxFileProcessors int
	// ErrorThreshold is the retry count past which a pair is given up.
	ErrorThreshold int
	// ErrorInterval is the base delay before a failed pair is re-queued;
	// the actual delay is ErrorInterval * error_count.
	ErrorInterval time.Duration
	// PostponeInterval is the delay before a postponed pair is re-queued.
	PostponeInterval time.Duration
}

// DefaultConfig returns the stock queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxFileProcessors: 5,
		ErrorThreshold:    3,
		ErrorInterval:     60 * time.Second,
		PostponeInterval:  30 * time.Second,
	}
}

const (
	queueLocalFolder  = "local_folder"
	queueLocalFile    = "local_file"
	queueRemoteFolder = "remote_folder"
	queueRemoteFile   = "remote_file"
)

// Manager owns the typed queues and the worker pool.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	process ProcessFunc
	reload  ReloadFunc
	cb      Callbacks

	localFolder  *fifo
	localFile    *fifo
	remoteFolder *fifo
	remoteFile   *fifo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// workersMu guards the live-worker registry; kept separate from the
	// queue locks so InterruptProcessorsOn never contends with Push.
	workersMu sync.Mutex
	workers   map[int64]*workerEntry
	workerSeq atomic.Int64

	genericCount atomic.Int32
	activeCount  atomic.Int32
	suspended    atomic.Bool

	retryMu sync.Mutex
	retries map[int64]*time.Timer
}

type workerEntry struct {
	pair   *state.DocPair
	cancel context.CancelFunc
}

// New builds a manager. Call Start before pushing.
func New(cfg Config, process ProcessFunc, reload ReloadFunc, cb Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileProcessors < 3 {
		cfg.MaxFileProcessors = 3
	}
	if cfg.PostponeInterval <= 0 {
		cfg.PostponeInterval = 30 * time.Second
	}
	return &Manager{
		cfg:          cfg,
		log:          logger,
		process:      process,
		reload:       reload,
		cb:           cb,
		localFolder:  newFifo(),
		localFile:    newFifo(),
		remoteFolder: newFifo(),
		remoteFile:   newFifo(),
		workers:      make(map[int64]*workerEntry),
		retries:      make(map[int64]*time.Timer),
	}
}

// Start spawns the four dedicated workers. Generic file workers are spawned
// on demand by Push.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, q := range []struct {
		name string
		f    *fifo
	}{
		{queueLocalFolder, m.localFolder},
		{queueLocalFile, m.localFile},
		{queueRemoteFolder, m.remoteFolder},
		{queueRemoteFile, m.remoteFile},
	} {
		m.wg.Add(1)
		go m.typedWorker(q.name, q.f)
	}
}

// Stop cancels all workers and pending retry timers, then waits for the
// workers to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.retryMu.Lock()
	for id, timer := range m.retries {
		timer.Stop()
		delete(m.retries, id)
	}
	m.retryMu.Unlock()
	m.wg.Wait()
}

// Push routes a pair to its queue. Pairs without a pair state are dropped;
// deletions first interrupt any worker busy on the same path so the removal
// preempts whatever was in flight.
func (m *Manager) Push(p *state.DocPair) {
	if p == nil || p.PairState == "" {
		return
	}
	if strings.HasSuffix(p.PairState, "_deleted") {
		m.InterruptProcessorsOn(p.LocalPath, true)
	}

	local := state.IsLocalJob(p.PairState)
	// unknown_deleted is a remote-side job: the deletion came from the
	// server and only the local replica is left to clean up.
	remote := strings.HasPrefix(p.PairState, "remotely_") ||
		p.PairState == state.PairUnknownDeleted
	if !local && !remote {
		m.log.Debug("pair not routable, dropped", "pair", p.ID, "state", p.PairState)
		return
	}

	wasIdle := m.GetOverallSize() == 0 && m.activeCount.Load() == 0

	var q *fifo
	switch {
	case local && p.Folderish:
		q = m.localFolder
	case local:
		q = m.localFile
	case p.Folderish:
		q = m.remoteFolder
	default:
		q = m.remoteFile
	}
	if !q.push(p) {
		return // already queued
	}

	if wasIdle && m.cb.QueueProcessing != nil {
		m.cb.QueueProcessing()
	}
	m.launchProcessors()
}

// launchProcessors tops up the generic pool when the file queues hold more
// work than the dedicated workers can chew through.
func (m *Manager) launchProcessors() {
	if m.ctx == nil || m.suspended.Load() {
		return
	}
	poolCap := int32(m.cfg.MaxFileProcessors - 2)
	for {
		pending := m.localFile.size() + m.remoteFile.size()
		running := m.genericCount.Load()
		if running >= poolCap || int(running) >= pending {
			return
		}
		if !m.genericCount.CompareAndSwap(running, running+1) {
			continue
		}
		m.wg.Add(1)
		go m.genericWorker()
	}
}

// Suspend parks all queues and interrupts the workers already running, so
// a long transfer stops instead of finishing behind a paused engine. The
// interrupted pairs go back to their queues and are re-run from fresh
// state on Resume.
func (m *Manager) Suspend() {
	m.suspended.Store(true)

	m.workersMu.Lock()
	interrupted := make([]*state.DocPair, 0, len(m.workers))
	for _, w := range m.workers {
		w.cancel()
		interrupted = append(interrupted, w.pair)
	}
	m.workersMu.Unlock()

	for _, p := range interrupted {
		m.Push(p)
	}
}

// Resume restarts dispatch and re-announces pending work.
func (m *Manager) Resume() {
	m.suspended.Store(false)
	if m.GetOverallSize() > 0 && m.cb.QueueProcessing != nil {
		m.cb.QueueProcessing()
	}
	m.localFolder.wake()
	m.localFile.wake()
	m.remoteFolder.wake()
	m.remoteFile.wake()
	m.launchProcessors()
}

func (m *Manager) typedWorker(name string, q *fifo) {
	defer m.wg.Done()
	for {
		if m.suspended.Load() {
			if !q.waitWake(m.ctx) {
				return
			}
			continue
		}
		p := q.pop()
		if p == nil {
			if !q.waitWake(m.ctx) {
				return
			}
			continue
		}
		m.runOne(name, p)
	}
}

// genericWorker drains the larger file queue and exits when both are empty.
func (m *Manager) genericWorker() {
	defer m.wg.Done()
	defer m.genericCount.Add(-1)
	for {
		if m.ctx.Err() != nil || m.suspended.Load() {
			return
		}
		q := m.localFile
		if m.remoteFile.size() > m.localFile.size() {
			q = m.remoteFile
		}
		p := q.pop()
		if p == nil {
			// The preferred queue drained under us; try the other once.
			other := m.remoteFile
			if q == m.remoteFile {
				other = m.localFile
			}
			if p = other.pop(); p == nil {
				return
			}
		}
		m.runOne("generic", p)
	}
}

func (m *Manager) runOne(queueName string, p *state.DocPair) {
	wctx, cancel := context.WithCancel(m.ctx)
	id := m.workerSeq.Add(1)

	m.workersMu.Lock()
	m.workers[id] = &workerEntry{pair: p, cancel: cancel}
	m.workersMu.Unlock()
	m.activeCount.Add(1)

	if m.GetOverallSize() == 0 && m.cb.QueueEmpty != nil {
		m.cb.QueueEmpty()
	}

	m.process(wctx, p)

	cancel()
	m.workersMu.Lock()
	delete(m.workers, id)
	m.workersMu.Unlock()

	if m.activeCount.Add(-1) == 0 && m.GetOverallSize() == 0 &&
		m.cb.QueueFinishedProcessing != nil {
		m.cb.QueueFinishedProcessing()
	}
}

// InterruptProcessorsOn cancels the context of every worker whose current
// pair path matches path (exact) or lives under it.
func (m *Manager) InterruptProcessorsOn(path string, exact bool) {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	for _, w := range m.workers {
		lp := w.pair.LocalPath
		if lp == path || (!exact && strings.HasPrefix(lp, path+"/")) {
			w.cancel()
		}
	}
}

// GetProcessorsOn lists the pairs currently being processed at or under
// path.
func (m *Manager) GetProcessorsOn(path string, exact bool) []*state.DocPair {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	var out []*state.DocPair
	for _, w := range m.workers {
		lp := w.pair.LocalPath
		if lp == path || (!exact && strings.HasPrefix(lp, path+"/")) {
			out = append(out, w.pair)
		}
	}
	return out
}

// Postpone parks a pair for a fixed delay without touching its error
// count. Used when a pair cannot run yet (its parent is still being
// synchronized, or the row changed under the processor) and hammering it
// would just spin the pool.
func (m *Manager) Postpone(p *state.DocPair) {
	pairID := p.ID
	m.retryMu.Lock()
	if _, ok := m.retries[pairID]; ok {
		m.retryMu.Unlock()
		return // already parked
	}
	m.retries[pairID] = time.AfterFunc(m.cfg.PostponeInterval, func() { m.readmit(pairID) })
	m.retryMu.Unlock()

	m.log.Debug("pair postponed", "pair", pairID, "path", p.LocalPath,
		"retry_in", m.cfg.PostponeInterval)
}

// PushError parks a failed pair for a timed retry, or gives it up past the
// threshold. A sharing violation (the file is open in another program) is
// always treated as a first failure so a long edit session cannot exhaust
// the retries.
func (m *Manager) PushError(p *state.DocPair, err error) {
	count := p.ErrorCount
	if isSharingViolation(err) {
		count = 1
	}
	if count > m.cfg.ErrorThreshold {
		m.log.Warn("pair exhausted retries", "pair", p.ID, "path", p.LocalPath,
			"count", count, "error", err)
		if m.cb.NewErrorGiveUp != nil {
			m.cb.NewErrorGiveUp(p.ID)
		}
		return
	}

	delay := m.cfg.ErrorInterval * time.Duration(count)
	if delay <= 0 {
		delay = m.cfg.ErrorInterval
	}
	m.log.Info("pair blacklisted for retry", "pair", p.ID, "path", p.LocalPath,
		"count", count, "retry_in", delay, "error", err)

	pairID := p.ID
	m.retryMu.Lock()
	if old, ok := m.retries[pairID]; ok {
		old.Stop()
	}
	m.retries[pairID] = time.AfterFunc(delay, func() { m.readmit(pairID) })
	m.retryMu.Unlock()

	if m.cb.NewError != nil {
		m.cb.NewError(pairID)
	}
}

func (m *Manager) readmit(pairID int64) {
	m.retryMu.Lock()
	delete(m.retries, pairID)
	m.retryMu.Unlock()

	if m.ctx != nil && m.ctx.Err() != nil {
		return
	}
	p, err := m.reload(pairID)
	if err != nil {
		m.log.Debug("blacklisted pair vanished", "pair", pairID, "error", err)
		return
	}
	m.Push(p)
}

// ErrorsCount returns the number of pairs waiting on a retry timer.
func (m *Manager) ErrorsCount() int {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	return len(m.retries)
}

// ErrorThreshold returns the configured give-up threshold.
func (m *Manager) ErrorThreshold() int { return m.cfg.ErrorThreshold }

// GetOverallSize returns the number of queued (not yet running) pairs.
func (m *Manager) GetOverallSize() int {
	return m.localFolder.size() + m.localFile.size() +
		m.remoteFolder.size() + m.remoteFile.size()
}

// IsActive reports whether any pair is queued or being processed.
func (m *Manager) IsActive() bool {
	return m.GetOverallSize() > 0 || m.activeCount.Load() > 0
}

// Metrics snapshots the queue depths and pool state.
func (m *Manager) Metrics() map[string]int {
	return map[string]int{
		queueLocalFolder:  m.localFolder.size(),
		queueLocalFile:    m.localFile.size(),
		queueRemoteFolder: m.remoteFolder.size(),
		queueRemoteFile:   m.remoteFile.size(),
		"generic_workers": int(m.genericCount.Load()),
		"active_workers":  int(m.activeCount.Load()),
		"error_timers":    m.ErrorsCount(),
	}
}

// isSharingViolation recognizes the errno family raised when another
// program holds the file open with an exclusive lock.
func isSharingViolation(err error) bool {
	for _, code := range []syscall.Errno{syscall.EBUSY, syscall.ETXTBSY} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
