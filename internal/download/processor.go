package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
)

// diskUsage is swapped in tests
var diskUsage = disk.Usage

// processor owns one task record and at most one connection for it.
// Every connection carries the generation it was started with; pause,
// cancel, demotion and deletion bump the generation so a stale connection
// can no longer change the record.
type processor struct {
	s        *Scheduler
	id       string
	url      string
	tempPath string

	// active is guarded by Scheduler.mu
	active bool

	mu        sync.Mutex
	rec       *storage.TaskRecord
	callbacks Callbacks
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	meter     *speedMeter
}

func newProcessor(s *Scheduler, rec *storage.TaskRecord) *processor {
	c := rec.Snapshot()
	return &processor{
		s:        s,
		id:       rec.ID,
		url:      rec.URL,
		tempPath: tempPath(s.cfg.TempDirectory, rec.ID),
		rec:      &c,
		meter:    newSpeedMeter(s.cfg.SpeedInterval, s.now),
	}
}

func (p *processor) log() *logger.LogEntry {
	return logger.WithField("task", shortID(p.id))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (p *processor) snapshot() storage.TaskRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Snapshot()
}

func (p *processor) state() storage.TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.State
}

func (p *processor) setCallbacks(cb Callbacks) {
	p.mu.Lock()
	p.callbacks = cb
	p.mu.Unlock()
}

// persistLocked writes the selected fields through to the store
func (p *processor) persistLocked(fields storage.UpdateField) {
	if err := p.s.store.Upsert(context.Background(), p.rec, fields); err != nil {
		p.log().WithError(err).Warn("Failed to persist task")
	}
}

// setStateLocked records a transition, persists it and announces real changes
func (p *processor) setStateLocked(state storage.TaskState, stamp bool, fields storage.UpdateField) {
	prev := p.rec.State
	p.rec.State = state
	fields |= storage.FieldState
	if stamp {
		p.rec.LastStateChangeAt = p.s.now()
		fields |= storage.FieldStateTime
	}
	p.persistLocked(fields)

	if prev != state {
		p.s.publish(notify.NewStateEvent(p.rec, prev))
		p.log().Debugf("State %s -> %s", prev, state)
	}
}

// stopLocked invalidates the running connection, if any
func (p *processor) stopLocked() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *processor) currentLocked(gen uint64) bool {
	return p.gen == gen && p.rec.State == storage.StateDownloading
}

func (p *processor) isCurrent(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked(gen)
}

func (p *processor) notifySuccessLocked() {
	if cb := p.callbacks.OnSuccess; cb != nil {
		snap := p.rec.Snapshot()
		p.s.dispatch.enqueue(func() { cb(snap) }, false)
	}
}

func (p *processor) notifyFailureLocked(err error) {
	if cb := p.callbacks.OnFailure; cb != nil {
		snap := p.rec.Snapshot()
		p.s.dispatch.enqueue(func() { cb(snap, err) }, false)
	}
}

// start admits a waiting task and opens a connection. Caller holds Scheduler.mu.
func (p *processor) start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rec.State != storage.StateWaiting {
		return false
	}

	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	prev := p.done
	done := make(chan struct{})
	p.done = done

	p.rec.ErrorInfo = nil
	p.rec.Speed = 0
	p.meter.reset()
	p.setStateLocked(storage.StateDownloading, true, storage.FieldProgress)

	p.s.wg.Add(1)
	go p.run(ctx, gen, prev, done)
	return true
}

// pause suspends a downloading task, keeping the partial file
func (p *processor) pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rec.State != storage.StateDownloading {
		return false
	}
	p.stopLocked()
	p.rec.Speed = 0
	p.setStateLocked(storage.StatePaused, true, storage.FieldProgress)
	return true
}

// cancelTask aborts a downloading task or discards a waiting one and
// returns the state it was in
func (p *processor) cancelTask() storage.TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.rec.State
	switch prev {
	case storage.StateDownloading:
		p.stopLocked()
		p.rec.Speed = 0
		p.setStateLocked(storage.StateCancelled, true, storage.FieldProgress)
	case storage.StateWaiting:
		err := cancelledError()
		p.rec.ErrorInfo = &storage.ErrorInfo{Code: err.Code, Message: err.Message}
		p.setStateLocked(storage.StateCancelled, true, 0)
		p.notifyFailureLocked(err)
	}
	return prev
}

// demote returns a downloading task to the waiting queue without restamping it
func (p *processor) demote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rec.State != storage.StateDownloading {
		return false
	}
	p.stopLocked()
	p.rec.Speed = 0
	p.setStateLocked(storage.StateWaiting, false, storage.FieldProgress)
	return true
}

// requeue moves a stopped task back to waiting
func (p *processor) requeue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.rec.State {
	case storage.StateWaiting, storage.StateDownloading:
		return false
	case storage.StateFinished:
		p.rec.LocalPath = ""
		p.rec.ReceivedSize = 0
		p.rec.TotalSize = 0
		p.rec.Progress = 0
	}
	p.rec.ErrorInfo = nil
	p.rec.Speed = 0
	p.setStateLocked(storage.StateWaiting, true, storage.FieldProgress)
	return true
}

// abort invalidates any connection for deletion and returns the channel
// closed once the last connection has exited
func (p *processor) abort() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	if p.done == nil {
		return nil
	}
	return p.done
}

func (p *processor) fillFinishedLocked(size int64) {
	p.rec.TotalSize = size
	p.rec.ReceivedSize = size
	p.rec.Progress = 1
	p.rec.Speed = 0
	p.rec.ErrorInfo = nil
	p.rec.LocalPath = destinationPath(p.rec)
}

// finishExisting marks a task whose destination already exists as finished.
// A task that was already finished produces no state event.
func (p *processor) finishExisting(size int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rec.State == storage.StateDownloading {
		return false
	}
	stamp := p.rec.State != storage.StateFinished
	p.discardTempLocked()
	p.fillFinishedLocked(size)
	p.setStateLocked(storage.StateFinished, stamp, storage.FieldProgress)
	p.notifySuccessLocked()
	return true
}

// discardTempLocked drops a partial file left behind by an earlier attempt
func (p *processor) discardTempLocked() {
	if err := removeFile(p.tempPath); err != nil {
		p.log().WithError(err).Warn("Failed to remove partial file")
	}
}

func (p *processor) destination() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return destinationPath(p.rec)
}

// run is the connection goroutine
func (p *processor) run(ctx context.Context, gen uint64, prev <-chan struct{}, done chan struct{}) {
	defer p.s.wg.Done()
	defer close(done)

	// Never overlap with the previous connection for this task
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	size, existing, err := p.transfer(ctx, gen)
	if errors.Is(err, errAborted) {
		return
	}
	if p.complete(gen, size, existing, err) {
		p.s.release(p)
	}
}

// transfer runs the resume protocol. A nil error means the partial file
// holds the complete resource, or existing is set when the destination
// was already present.
func (p *processor) transfer(ctx context.Context, gen uint64) (int64, bool, error) {
	if size, ok := existingFile(p.destination()); ok {
		return size, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(p.tempPath), 0755); err != nil {
		return 0, false, filesystemError("create temp directory", err)
	}

	restarted := false
	for {
		offset, err := fileSize(p.tempPath)
		if err != nil {
			return 0, false, filesystemError("read temp file", err)
		}

		resp, err := p.request(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false, errAborted
			}
			var te *TaskError
			if errors.As(err, &te) {
				return 0, false, te
			}
			return 0, false, transportError(err)
		}

		total, known := responseTotal(resp, offset)

		if known && offset > 0 && offset == total {
			resp.Body.Close()
			p.log().Infof("Partial file already complete (%d bytes)", offset)
			return total, false, nil
		}

		if known && offset > total {
			resp.Body.Close()
			if restarted {
				return 0, false, &TaskError{Kind: KindStaleResume, Code: CodeFilesystem, Message: "Partial file could not be reset"}
			}
			p.log().Warnf("Partial file (%d bytes) exceeds resource size %d, restarting", offset, total)
			if err := os.Remove(p.tempPath); err != nil && !os.IsNotExist(err) {
				return 0, false, filesystemError("remove stale temp file", err)
			}
			if !p.resetProgress(gen) {
				return 0, false, errAborted
			}
			restarted = true
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return 0, false, protocolError(resp.StatusCode)
		}

		err = p.stream(ctx, gen, resp, offset, total, known)
		resp.Body.Close()
		return total, false, err
	}
}

func (p *processor) request(ctx context.Context, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, invalidResourceError(p.url, err)
	}
	req.Header.Set("User-Agent", p.s.cfg.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	p.log().Debugf("GET %s from offset %d", p.url, offset)
	return p.s.client.Do(req)
}

// stream appends the response body to the partial file
func (p *processor) stream(ctx context.Context, gen uint64, resp *http.Response, offset, total int64, known bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// Range ignored, the full body follows
			p.log().Infof("Server ignored range request, restarting from 0")
			flags |= os.O_TRUNC
			offset = 0
		}
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != offset {
			return &TaskError{
				Kind:    KindProtocol,
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("Range starts at %d, expected %d", start, offset),
			}
		}
	}

	if known {
		if err := p.checkDiskSpace(total - offset); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(p.tempPath, flags, 0644)
	if err != nil {
		return filesystemError("open temp file", err)
	}

	if !p.begin(gen, offset, total, known) {
		f.Close()
		return errAborted
	}

	received := offset
	buf := make([]byte, p.s.cfg.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if !p.isCurrent(gen) {
				f.Close()
				return errAborted
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return filesystemError("write temp file", werr)
			}
			received += int64(n)
			if !p.chunk(gen, int64(n)) {
				f.Close()
				return errAborted
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			if ctx.Err() != nil {
				return errAborted
			}
			return transportError(rerr)
		}
	}

	if err := f.Close(); err != nil {
		return filesystemError("close temp file", err)
	}
	if known && received != total {
		return &TaskError{
			Kind:    KindTransport,
			Code:    CodeConnectionLost,
			Message: fmt.Sprintf("Transfer ended at %d of %d bytes", received, total),
		}
	}
	return nil
}

func (p *processor) checkDiskSpace(need int64) error {
	if !p.s.cfg.CheckDiskSpace || need <= 0 {
		return nil
	}

	usage, err := diskUsage(filepath.Dir(p.tempPath))
	if err != nil {
		p.log().WithError(err).Warn("Unable to check free disk space")
		return nil
	}
	if usage.Free < uint64(need) {
		return insufficientSpaceError(uint64(need), usage.Free)
	}
	return nil
}

// begin records the negotiated sizes before streaming
func (p *processor) begin(gen uint64, offset, total int64, known bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(gen) {
		return false
	}
	p.rec.ReceivedSize = offset
	p.rec.TotalSize = 0
	if known {
		p.rec.TotalSize = total
	}
	p.rec.Progress = progressOf(p.rec.ReceivedSize, p.rec.TotalSize)
	p.meter.reset()
	p.persistLocked(storage.FieldProgress)
	return true
}

// chunk accounts for n appended bytes
func (p *processor) chunk(gen uint64, n int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(gen) {
		return false
	}
	p.rec.ReceivedSize += n
	p.rec.Progress = progressOf(p.rec.ReceivedSize, p.rec.TotalSize)
	if speed, ok := p.meter.add(n); ok {
		p.rec.Speed = speed
		p.persistLocked(storage.FieldProgress)
	}

	p.s.publish(notify.NewProgressEvent(p.rec))
	if cb := p.callbacks.OnProgress; cb != nil {
		snap := p.rec.Snapshot()
		p.s.dispatch.enqueue(func() { cb(snap) }, true)
	}
	return true
}

func (p *processor) resetProgress(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(gen) {
		return false
	}
	p.rec.ReceivedSize = 0
	p.rec.TotalSize = 0
	p.rec.Progress = 0
	p.persistLocked(storage.FieldProgress)
	return true
}

// complete applies the terminal transition of a connection. It reports
// whether this connection moved the task out of Downloading.
func (p *processor) complete(gen uint64, size int64, existing bool, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(gen) {
		return false
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	if err == nil && existing {
		p.discardTempLocked()
	}
	if err == nil && !existing {
		dest := destinationPath(p.rec)
		if mvErr := moveFile(p.tempPath, dest); mvErr != nil {
			err = filesystemError("move file to destination", mvErr)
		} else if size, err = fileSize(dest); err != nil {
			err = filesystemError("read destination file", err)
		}
	}

	if err != nil {
		code, msg := errorInfo(err)
		p.rec.Speed = 0
		p.rec.ErrorInfo = &storage.ErrorInfo{Code: code, Message: msg}
		p.setStateLocked(storage.StateError, true, storage.FieldProgress)
		p.log().WithError(err).Warn("Download failed")
		p.notifyFailureLocked(err)
		return true
	}

	p.fillFinishedLocked(size)
	p.setStateLocked(storage.StateFinished, true, storage.FieldProgress)
	p.log().WithField("path", p.rec.LocalPath).Infof("Download finished (%d bytes)", size)
	p.notifySuccessLocked()
	return true
}

// moveFile atomically places src at dst, staging next to dst when the
// two paths are on different filesystems
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	staging := dst + ".part"
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staging)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return err
	}
	return os.Remove(src)
}

func progressOf(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(received) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}

// responseTotal derives the full resource size from the response headers
func responseTotal(resp *http.Response, offset int64) (int64, bool) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
	default:
		return 0, false
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if n, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil && n >= 0 {
				return n, true
			}
		}
	}

	if resp.ContentLength >= 0 {
		switch resp.StatusCode {
		case http.StatusPartialContent:
			return offset + resp.ContentLength, true
		case http.StatusOK:
			return resp.ContentLength, true
		}
	}
	return 0, false
}

// contentRangeStart parses the first byte position of "bytes a-b/n"
func contentRangeStart(cr string) (int64, bool) {
	cr = strings.TrimSpace(cr)
	if !strings.HasPrefix(cr, "bytes ") {
		return 0, false
	}
	rng := strings.TrimPrefix(cr, "bytes ")
	dash := strings.Index(rng, "-")
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(rng[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
