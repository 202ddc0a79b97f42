package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
)

// Scheduler admits waiting tasks up to a concurrency ceiling and owns
// their lifecycle
type Scheduler struct {
	cfg      Config
	store    storage.Store
	bus      Publisher
	client   *http.Client
	dispatch *dispatcher
	now      func() time.Time

	mu               sync.Mutex
	processors       map[string]*processor
	lastRequest      map[string]time.Time
	deleting         map[string]chan struct{}
	active           int
	limit            int
	allowsCellular   bool
	reachability     Reachability
	closed           bool
	onCellularDenied func()

	wg sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithHTTPClient replaces the default transport
func WithHTTPClient(client *http.Client) Option {
	return func(s *Scheduler) {
		s.client = client
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler backed by store. bus may be nil.
func NewScheduler(cfg Config, store storage.Store, bus Publisher, opts ...Option) *Scheduler {
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:            cfg,
		store:          store,
		bus:            bus,
		now:            time.Now,
		processors:     make(map[string]*processor),
		lastRequest:    make(map[string]time.Time),
		deleting:       make(map[string]chan struct{}),
		limit:          cfg.MaxConcurrent,
		allowsCellular: cfg.AllowsCellularAccess,
		reachability:   cfg.Reachability,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = newHTTPClient(cfg)
	}
	s.dispatch = newDispatcher()
	return s
}

func newHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		// Byte offsets must match the stored entity
		DisableCompression: true,
	}
	// No overall timeout: transfers may run for hours
	return &http.Client{Transport: transport}
}

// OnCellularAccessDenied registers fn, invoked when transfers stop because
// only cellular connectivity is available and it is not permitted
func (s *Scheduler) OnCellularAccessDenied(fn func()) {
	s.mu.Lock()
	s.onCellularDenied = fn
	s.mu.Unlock()
}

func (s *Scheduler) publish(e *notify.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Start recovers tasks interrupted by a previous process and admits waiting work
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	stale, err := s.store.ListByState(ctx, storage.StateDownloading)
	if err != nil {
		return fmt.Errorf("failed to list interrupted tasks: %w", err)
	}
	for _, rec := range stale {
		if p := s.processors[rec.ID]; p != nil {
			continue
		}
		rec.State = storage.StateWaiting
		if err := s.store.Upsert(ctx, rec, storage.FieldState); err != nil {
			return fmt.Errorf("failed to requeue task %s: %w", rec.URL, err)
		}
	}
	if len(stale) > 0 {
		logger.Infof("Requeued %d interrupted downloads", len(stale))
	}

	s.admitLocked(ctx)
	return nil
}

// Download starts or resumes the task for rawURL and returns its id.
// Repeated calls for the same URL inside the debounce window are ignored.
func (s *Scheduler) Download(ctx context.Context, rawURL string, opts Options, cb Callbacks) (string, error) {
	u, err := parseResource(rawURL)
	if err != nil {
		if cb.OnFailure != nil {
			code, msg := errorInfo(err)
			rec := storage.TaskRecord{
				URL:       rawURL,
				State:     storage.StateError,
				ErrorInfo: &storage.ErrorInfo{Code: code, Message: msg},
			}
			s.dispatch.enqueue(func() { cb.OnFailure(rec, err) }, false)
		}
		return "", err
	}
	id := storage.TaskID(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.awaitDeletionLocked(ctx, id); err != nil {
		return id, err
	}
	if s.closed {
		return id, ErrSchedulerClosed
	}

	now := s.now()
	if last, ok := s.lastRequest[id]; ok && now.Sub(last) < s.cfg.Debounce {
		logger.WithField("task", shortID(id)).Debug("Ignoring repeated download request")
		return id, nil
	}
	s.lastRequest[id] = now

	p, err := s.loadLocked(ctx, rawURL, func() *storage.TaskRecord {
		return &storage.TaskRecord{
			ID:                id,
			URL:               rawURL,
			Directory:         resolveDirectory(s.cfg.Directory, opts.Directory),
			FileName:          resolveFileName(u, opts.FileName, id),
			State:             storage.StateWaiting,
			LastStateChangeAt: now,
			CreatedAt:         now,
		}
	})
	if err != nil {
		return id, err
	}
	p.setCallbacks(cb)

	rec := p.snapshot()
	if rec.State != storage.StateDownloading {
		if size, ok := existingFile(destinationPath(&rec)); ok {
			p.finishExisting(size)
			if !p.active {
				delete(s.processors, id)
			}
			return id, nil
		}
	}

	switch rec.State {
	case storage.StateDownloading:
		return id, nil
	case storage.StateWaiting:
	default:
		p.requeue()
	}

	s.admitLocked(ctx)
	return id, nil
}

// loadLocked returns the processor for rawURL, loading it from the store.
// create builds a new record when none is stored; nil means do not create.
func (s *Scheduler) loadLocked(ctx context.Context, rawURL string, create func() *storage.TaskRecord) (*processor, error) {
	id := storage.TaskID(rawURL)
	if p, ok := s.processors[id]; ok {
		return p, nil
	}

	rec, err := s.store.Get(ctx, rawURL)
	switch {
	case errors.Is(err, storage.ErrTaskNotFound):
		if create == nil {
			return nil, nil
		}
		rec = create()
		if err := s.store.Upsert(ctx, rec, storage.FieldAll); err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		s.publish(notify.NewCreatedEvent(rec))
		logger.WithFields(map[string]interface{}{
			"task": shortID(id),
			"path": destinationPath(rec),
		}).Infof("Queued %s", rawURL)
	case err != nil:
		return nil, fmt.Errorf("failed to load task: %w", err)
	case rec.State == storage.StateDownloading:
		// No connection exists for it in this process
		rec.State = storage.StateWaiting
		if err := s.store.Upsert(ctx, rec, storage.FieldState); err != nil {
			return nil, fmt.Errorf("failed to requeue task: %w", err)
		}
	}

	p := newProcessor(s, rec)
	s.processors[id] = p
	return p, nil
}

// Pause suspends a downloading task. Other states are left unchanged.
func (s *Scheduler) Pause(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.processors[storage.TaskID(rawURL)]
	if p == nil {
		return nil
	}
	if p.pause() {
		s.releaseLocked(p)
		s.admitLocked(ctx)
	}
	return nil
}

// Cancel stops a downloading task silently, or cancels a waiting one with a
// failure callback. The partial file is kept.
func (s *Scheduler) Cancel(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if p.cancelTask() == storage.StateDownloading {
		s.releaseLocked(p)
		s.admitLocked(ctx)
	}
	return nil
}

// Delete aborts the task, removes its record and deletes its partial and
// destination files. opts selects the destination when it differs from the
// stored one.
func (s *Scheduler) Delete(ctx context.Context, rawURL string, opts Options) error {
	id := storage.TaskID(rawURL)

	s.mu.Lock()
	if err := s.awaitDeletionLocked(ctx, id); err != nil {
		s.mu.Unlock()
		return err
	}
	// Requests for id wait until the files are gone
	reserved := make(chan struct{})
	s.deleting[id] = reserved
	defer func() {
		s.mu.Lock()
		delete(s.deleting, id)
		s.mu.Unlock()
		close(reserved)
	}()

	var (
		done <-chan struct{}
		rec  *storage.TaskRecord
	)
	if p := s.processors[id]; p != nil {
		done = p.abort()
		s.releaseLocked(p)
		delete(s.processors, id)
		snap := p.snapshot()
		rec = &snap
	} else {
		stored, err := s.store.Get(ctx, rawURL)
		if err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			s.mu.Unlock()
			return fmt.Errorf("failed to load task: %w", err)
		}
		rec = stored
	}
	delete(s.lastRequest, id)

	err := s.store.Delete(ctx, rawURL)
	s.admitLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := removeFile(tempPath(s.cfg.TempDirectory, id)); err != nil {
		return filesystemError("remove temp file", err)
	}

	dest := s.deletePath(rawURL, id, opts, rec)
	if dest == "" {
		return nil
	}
	if err := removeFile(dest); err != nil {
		return filesystemError("remove file", err)
	}
	logger.WithField("task", shortID(id)).Infof("Deleted %s", dest)
	return nil
}

// awaitDeletionLocked blocks while a Delete for id is removing files.
// s.mu is released while waiting and held again on return.
func (s *Scheduler) awaitDeletionLocked(ctx context.Context, id string) error {
	for {
		reserved, ok := s.deleting[id]
		if !ok {
			return nil
		}
		s.mu.Unlock()
		select {
		case <-reserved:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) deletePath(rawURL, id string, opts Options, rec *storage.TaskRecord) string {
	if opts.Directory == "" && opts.FileName == "" && rec != nil {
		return destinationPath(rec)
	}
	u, err := parseResource(rawURL)
	if err != nil {
		return ""
	}
	return filepath.Join(resolveDirectory(s.cfg.Directory, opts.Directory), resolveFileName(u, opts.FileName, id))
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetMaxConcurrentDownloads changes the ceiling. Lowering it demotes the
// most recently started tasks back to waiting.
func (s *Scheduler) SetMaxConcurrentDownloads(ctx context.Context, n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.limit = n
	if s.active > n {
		s.demoteNewestLocked(s.active - n)
	}
	s.admitLocked(ctx)
	logger.Infof("Max concurrent downloads set to %d", n)
	return nil
}

// SetCellularAccessAllowed toggles transfers over cellular connections
func (s *Scheduler) SetCellularAccessAllowed(ctx context.Context, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allowsCellular = allowed
	s.applyPolicyLocked(ctx)
}

// SetNetworkReachability reports a connectivity change
func (s *Scheduler) SetNetworkReachability(ctx context.Context, r Reachability) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidReachability, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reachability != r {
		logger.Infof("Network reachability %s -> %s", s.reachability, r)
	}
	s.reachability = r
	s.applyPolicyLocked(ctx)
	return nil
}

// Settings returns the current ceiling and network policy inputs
func (s *Scheduler) Settings() (limit int, allowsCellular bool, reachability Reachability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit, s.allowsCellular, s.reachability
}

// ActiveCount returns the number of tasks holding a slot
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Task returns the current record for rawURL
func (s *Scheduler) Task(ctx context.Context, rawURL string) (*storage.TaskRecord, error) {
	s.mu.Lock()
	p := s.processors[storage.TaskID(rawURL)]
	s.mu.Unlock()

	if p != nil {
		snap := p.snapshot()
		return &snap, nil
	}
	return s.store.Get(ctx, rawURL)
}

// Tasks returns every known task. Live counters replace stored ones.
func (s *Scheduler) Tasks(ctx context.Context) ([]storage.TaskRecord, error) {
	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	live := make(map[string]*processor, len(s.processors))
	for id, p := range s.processors {
		live[id] = p
	}
	s.mu.Unlock()

	tasks := make([]storage.TaskRecord, 0, len(records))
	for _, rec := range records {
		if p := live[rec.ID]; p != nil {
			tasks = append(tasks, p.snapshot())
			continue
		}
		tasks = append(tasks, *rec)
	}
	return tasks, nil
}

// Close demotes running tasks to waiting, waits for their connections and
// drains queued callbacks. It must not be called from a callback.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.demoteNewestLocked(s.active)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.dispatch.close()
	return nil
}

// release frees the slot of a processor whose connection ended on its own
func (s *Scheduler) release(p *processor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked(p)
	if s.processors[p.id] == p && p.state() == storage.StateFinished {
		delete(s.processors, p.id)
		delete(s.lastRequest, p.id)
	}
	s.admitLocked(context.Background())
}

func (s *Scheduler) releaseLocked(p *processor) {
	if p.active {
		p.active = false
		s.active--
	}
}

// admitLocked starts waiting tasks, oldest first, while slots are free
func (s *Scheduler) admitLocked(ctx context.Context) {
	if s.closed || s.active >= s.limit || !allowsTransfer(s.reachability, s.allowsCellular) {
		return
	}

	waiting, err := s.store.ListByState(context.WithoutCancel(ctx), storage.StateWaiting)
	if err != nil {
		logger.WithError(err).Error("Failed to list waiting tasks")
		return
	}

	for _, rec := range waiting {
		if s.active >= s.limit {
			return
		}
		p := s.processors[rec.ID]
		if p == nil {
			p = newProcessor(s, rec)
			s.processors[rec.ID] = p
		}
		if p.active {
			continue
		}
		if p.start() {
			p.active = true
			s.active++
		}
	}
}

// demoteNewestLocked returns up to count active tasks to waiting, most
// recently started first
func (s *Scheduler) demoteNewestLocked(count int) {
	if count <= 0 {
		return
	}

	type candidate struct {
		p   *processor
		rec storage.TaskRecord
	}
	var actives []candidate
	for _, p := range s.processors {
		if p.active {
			actives = append(actives, candidate{p: p, rec: p.snapshot()})
		}
	}
	sort.Slice(actives, func(i, j int) bool {
		a, b := actives[i].rec, actives[j].rec
		if !a.LastStateChangeAt.Equal(b.LastStateChangeAt) {
			return a.LastStateChangeAt.After(b.LastStateChangeAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	for _, c := range actives {
		if count == 0 {
			return
		}
		if c.p.demote() {
			s.releaseLocked(c.p)
			count--
		}
	}
}

func (s *Scheduler) applyPolicyLocked(ctx context.Context) {
	if allowsTransfer(s.reachability, s.allowsCellular) {
		s.admitLocked(ctx)
		return
	}

	pending := s.active > 0
	s.demoteNewestLocked(s.active)
	if !pending {
		waiting, err := s.store.ListByState(context.WithoutCancel(ctx), storage.StateWaiting)
		pending = err == nil && len(waiting) > 0
	}

	if pending && s.reachability == ReachabilityViaWWAN && !s.allowsCellular && s.onCellularDenied != nil {
		s.dispatch.enqueue(s.onCellularDenied, false)
	}
}
