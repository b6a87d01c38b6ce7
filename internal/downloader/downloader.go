package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/game_downloader/internal/downloader/progress"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultInactivityTimeout = 30 * time.Second
	defaultSampleInterval    = 500 * time.Millisecond
	maxRedirects             = 10
)

var (
	errPaused    = errors.New("download paused")
	errCancelled = errors.New("download cancelled")
	errInactive  = errors.New("inactivity timeout")
)

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the instrumented default client. Redirects are
// always handled by the engine, so CheckRedirect is overridden.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		cp := *c
		cp.CheckRedirect = noFollow
		d.client = &cp
	}
}

// WithInactivityTimeout bounds the time without any received byte.
func WithInactivityTimeout(timeout time.Duration) Option {
	return func(d *Downloader) { d.inactivity = timeout }
}

// WithSampleInterval sets how often throughput samples are reported.
func WithSampleInterval(interval time.Duration) Option {
	return func(d *Downloader) { d.sampleInterval = interval }
}

// WithTelemetry counts retries.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.tel = tel }
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Downloader is the http transfer engine: one streaming task per item,
// byte-range resume from the on-disk size and bounded retry with linear backoff.
type Downloader struct {
	client         *http.Client
	inactivity     time.Duration
	sampleInterval time.Duration
	tel            *telemetry.Telemetry

	mu         sync.Mutex
	maxRetries int
	retryDelay time.Duration
	tasks      map[string]*task
	retries    map[string]int
	timers     map[string]*time.Timer
	// known maps item ids to destination paths until the item completes or is removed.
	known map[string]string
}

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type attemptResult struct {
	redirect string
	written  int64
	total    int64
}

func NewDownloader(opts ...Option) *Downloader {
	defaults := transfer.DefaultQueueConfig()

	d := &Downloader{
		client: &http.Client{
			Transport:     otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: noFollow,
		},
		inactivity:     defaultInactivityTimeout,
		sampleInterval: defaultSampleInterval,
		maxRetries:     defaults.MaxRetries,
		retryDelay:     defaults.RetryDelay,
		tasks:          make(map[string]*task),
		retries:        make(map[string]int),
		timers:         make(map[string]*time.Timer),
		known:          make(map[string]string),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Configure applies the queue's retry budget and delay.
func (d *Downloader) Configure(cfg transfer.QueueConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maxRetries = cfg.MaxRetries
	d.retryDelay = cfg.RetryDelay
}

// Start launches a task for item and returns immediately.
func (d *Downloader) Start(ctx context.Context, item transfer.Item, r transfer.Reporter) error {
	if item.DestinationPath == "" {
		return &transfer.FilesystemError{Path: item.DestinationPath, Operation: "resolve destination", Err: transfer.ErrInvalidOptions}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, running := d.tasks[item.ID]; running {
		return fmt.Errorf("start %s: %w", item.ID, transfer.ErrAlreadyActive)
	}

	if timer, ok := d.timers[item.ID]; ok {
		timer.Stop()
		delete(d.timers, item.ID)
	}

	d.known[item.ID] = item.DestinationPath
	d.retries[item.ID] = 0
	d.launchLocked(ctx, item, r)

	return nil
}

func (d *Downloader) launchLocked(parent context.Context, item transfer.Item, r transfer.Reporter) {
	ctx, cancel := context.WithCancelCause(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	d.tasks[item.ID] = t

	go d.run(parent, ctx, t, item, r)
}

// run executes one attempt. parent outlives the attempt and is reused for retries.
func (d *Downloader) run(parent, ctx context.Context, t *task, item transfer.Item, r transfer.Reporter) {
	defer close(t.done)
	defer t.cancel(nil)

	logger := logctx.LoggerFromContext(ctx)

	res, err := d.fetch(ctx, item, r)

	cause := context.Cause(ctx)
	if errors.Is(cause, errPaused) || errors.Is(cause, errCancelled) {
		logger.DebugContext(ctx, "download task stopped", "reason", cause)

		return
	}

	d.mu.Lock()

	if d.tasks[item.ID] == t {
		delete(d.tasks, item.ID)
	}

	if err == nil {
		delete(d.retries, item.ID)
		delete(d.known, item.ID)
		d.mu.Unlock()

		logger.InfoContext(ctx, "download finished",
			"file_path", item.DestinationPath,
			"file_size", humanize.Bytes(uint64(res.written)))

		r.UpdateProgress(transfer.Progress{
			ID:         item.ID,
			Status:     transfer.StatusCompleted,
			Progress:   100,
			Downloaded: res.written,
			Size:       max(res.total, res.written),
		})

		return
	}

	if parent.Err() != nil {
		d.mu.Unlock()

		return
	}

	attempt := d.retries[item.ID] + 1
	d.retries[item.ID] = attempt

	if attempt < d.maxRetries {
		delay := d.retryDelay * time.Duration(attempt)

		d.timers[item.ID] = time.AfterFunc(delay, func() {
			d.retry(parent, item, r)
		})
		d.mu.Unlock()

		d.tel.RecordRetry(string(transfer.TypeHTTP))

		logger.WarnContext(ctx, "download attempt failed, retrying",
			"attempt", attempt,
			"max_retries", d.maxRetries,
			"retry_in", delay,
			"err", err)

		return
	}

	delete(d.retries, item.ID)
	d.mu.Unlock()

	logger.ErrorContext(ctx, "download failed after retries", "attempts", attempt, "err", err)

	r.UpdateProgress(transfer.Progress{
		ID:            item.ID,
		Status:        transfer.StatusFailed,
		TimeRemaining: transfer.UnknownETA,
		Error:         err.Error(),
	})
}

// retry relaunches a task unless the item was paused, cancelled or removed meanwhile.
func (d *Downloader) retry(parent context.Context, item transfer.Item, r transfer.Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, scheduled := d.timers[item.ID]; !scheduled {
		return
	}

	delete(d.timers, item.ID)

	if parent.Err() != nil {
		return
	}

	if _, ok := d.known[item.ID]; !ok {
		return
	}

	if _, running := d.tasks[item.ID]; running {
		return
	}

	d.launchLocked(parent, item, r)
}

// fetch follows redirects, carrying the on-disk offset to every hop.
func (d *Downloader) fetch(ctx context.Context, item transfer.Item, r transfer.Reporter) (attemptResult, error) {
	logger := logctx.LoggerFromContext(ctx)
	url := item.URL

	for hop := 0; hop <= maxRedirects; hop++ {
		res, err := d.attempt(ctx, url, item, r)
		if err != nil {
			return res, err
		}

		if res.redirect == "" {
			return res, nil
		}

		logger.DebugContext(ctx, "following redirect", "hop", hop+1, "offset", humanize.Bytes(uint64(res.written)))
		url = res.redirect
	}

	return attemptResult{}, &transfer.NetworkError{
		Operation:  "download",
		APIMessage: fmt.Sprintf("stopped after %d redirects", maxRedirects),
	}
}

func (d *Downloader) attempt(ctx context.Context, url string, item transfer.Item, r transfer.Reporter) (attemptResult, error) {
	offset, err := fileSize(item.DestinationPath)
	if err != nil {
		return attemptResult{}, &transfer.FilesystemError{Path: item.DestinationPath, Operation: "stat", Err: err}
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := time.AfterFunc(d.inactivity, func() { cancel(errInactive) })
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return attemptResult{}, &transfer.NetworkError{Operation: "download", APIMessage: "invalid url", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return attemptResult{written: offset}, networkError(attemptCtx, err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc, err := resp.Location()
		if err != nil {
			return attemptResult{written: offset}, &transfer.NetworkError{
				Operation: "download", StatusCode: resp.StatusCode, APIMessage: "redirect without location", Err: err,
			}
		}

		return attemptResult{redirect: loc.String(), written: offset}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the file is already complete when the server's size matches what we hold
		if total, ok := unsatisfiedRangeTotal(resp.Header.Get("Content-Range")); ok && total == offset {
			return attemptResult{written: offset, total: total}, nil
		}

		return attemptResult{written: offset}, &transfer.NetworkError{
			Operation: "download", StatusCode: resp.StatusCode, APIMessage: resp.Status,
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return attemptResult{written: offset}, &transfer.NetworkError{
			Operation: "download", StatusCode: resp.StatusCode, APIMessage: resp.Status,
		}
	}

	total := resp.ContentLength
	flags := os.O_CREATE | os.O_WRONLY
	restarted := false

	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return attemptResult{written: offset}, &transfer.NetworkError{
				Operation:  "download",
				StatusCode: resp.StatusCode,
				APIMessage: fmt.Sprintf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset),
			}
		}

		if size > 0 {
			total = size
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}

		flags |= os.O_APPEND
	} else {
		if offset > 0 {
			restarted = true

			logctx.LoggerFromContext(ctx).WarnContext(ctx, "server ignored range request, restarting download",
				"file_path", item.DestinationPath,
				"discarded", humanize.Bytes(uint64(offset)),
				"status_code", resp.StatusCode)
		}

		offset = 0
		flags |= os.O_TRUNC
	}

	if total < 0 {
		total = 0
	}

	if err := os.MkdirAll(filepath.Dir(item.DestinationPath), dirPerm); err != nil {
		return attemptResult{}, &transfer.FilesystemError{Path: item.DestinationPath, Operation: "create directory", Err: err}
	}

	out, err := os.OpenFile(item.DestinationPath, flags, filePerm)
	if err != nil {
		return attemptResult{}, &transfer.FilesystemError{Path: item.DestinationPath, Operation: "open", Err: err}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "downloading file",
		"file_path", item.DestinationPath,
		"file_size", humanize.Bytes(uint64(total)),
		"offset", humanize.Bytes(uint64(offset)))

	report := func(s progress.Sample) {
		r.UpdateProgress(transfer.Progress{
			ID:            item.ID,
			Progress:      s.Percent(),
			Downloaded:    s.Written,
			Size:          s.Total,
			Speed:         s.Speed,
			TimeRemaining: s.ETA,
		})
	}

	// baseline: resumed bytes count from the first report, the ETA restarts
	baseline := progress.Sample{Written: offset, Total: total}
	r.UpdateProgress(transfer.Progress{
		ID:            item.ID,
		Progress:      baseline.Percent(),
		Downloaded:    offset,
		Size:          total,
		TimeRemaining: transfer.UnknownETA,
		Restarted:     restarted,
	})

	body := &activityReader{r: resp.Body, watchdog: watchdog, timeout: d.inactivity}
	pr := progress.NewReader(body, offset, total, d.sampleInterval, report)

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	res := attemptResult{written: pr.Written(), total: total}

	if copyErr != nil {
		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) {
			return res, &transfer.FilesystemError{Path: item.DestinationPath, Operation: "write", Err: copyErr}
		}

		return res, networkError(attemptCtx, copyErr)
	}

	if closeErr != nil {
		return res, &transfer.FilesystemError{Path: item.DestinationPath, Operation: "close", Err: closeErr}
	}

	if total > 0 && res.written < total {
		return res, &transfer.NetworkError{
			Operation:  "download",
			APIMessage: fmt.Sprintf("connection closed after %d of %d bytes", res.written, total),
			Err:        io.ErrUnexpectedEOF,
		}
	}

	return res, nil
}

// networkError attributes transport failures to the inactivity watchdog when it fired.
func networkError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errInactive) {
		return &transfer.NetworkError{Operation: "download", APIMessage: "no data received before inactivity timeout", Err: errInactive}
	}

	return &transfer.NetworkError{Operation: "download", APIMessage: err.Error(), Err: err}
}

// activityReader pushes the inactivity deadline forward on every received byte.
type activityReader struct {
	r        io.Reader
	watchdog *time.Timer
	timeout  time.Duration
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.watchdog.Reset(a.timeout)
	}

	return n, err
}

// Pause stops the item's task or pending retry and keeps the partial file.
func (d *Downloader) Pause(ctx context.Context, id string) error {
	d.mu.Lock()

	t, running := d.tasks[id]
	timer, waiting := d.timers[id]

	if !running && !waiting {
		d.mu.Unlock()

		return fmt.Errorf("pause %s: %w", id, transfer.ErrNotFound)
	}

	delete(d.tasks, id)
	delete(d.timers, id)
	delete(d.retries, id)
	d.mu.Unlock()

	if waiting {
		timer.Stop()
	}

	if running {
		return stopTask(ctx, t, errPaused)
	}

	return nil
}

// Cancel stops the item and deletes its partial file. A missing file is not an error.
func (d *Downloader) Cancel(ctx context.Context, id string) error {
	path, known := d.forget(ctx, id, errCancelled)
	if !known {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &transfer.FilesystemError{Path: path, Operation: "delete", Err: err}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "partial download removed", "download_id", id, "file_path", path)

	return nil
}

// Remove forgets the item without touching files on disk.
func (d *Downloader) Remove(ctx context.Context, id string) error {
	d.forget(ctx, id, errCancelled)

	return nil
}

func (d *Downloader) forget(ctx context.Context, id string, cause error) (string, bool) {
	d.mu.Lock()

	t, running := d.tasks[id]
	timer, waiting := d.timers[id]
	path, known := d.known[id]

	delete(d.tasks, id)
	delete(d.timers, id)
	delete(d.retries, id)
	delete(d.known, id)
	d.mu.Unlock()

	if waiting {
		timer.Stop()
	}

	if running {
		if err := stopTask(ctx, t, cause); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "download task did not stop in time", "download_id", id, "err", err)
		}
	}

	return path, known
}

func stopTask(ctx context.Context, t *task, cause error) error {
	t.cancel(cause)

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every task and pending retry.
func (d *Downloader) Close() error {
	d.mu.Lock()

	tasks := make([]*task, 0, len(d.tasks))
	for id, t := range d.tasks {
		tasks = append(tasks, t)
		delete(d.tasks, id)
	}

	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.cancel(errPaused)
		<-t.done
	}

	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// parseContentRange parses "bytes start-end/total". total is 0 when announced as "*".
func parseContentRange(header string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return 0, 0, false
	}

	rng, size, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if size == "*" {
		return start, 0, true
	}

	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, total, true
}

// unsatisfiedRangeTotal parses the "bytes */total" form sent with 416.
func unsatisfiedRangeTotal(header string) (int64, bool) {
	size, found := strings.CutPrefix(header, "bytes */")
	if !found {
		return 0, false
	}

	total, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, false
	}

	return total, true
}
