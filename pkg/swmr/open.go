package swmr

import (
	"errors"
	"fmt"
	"time"

	"github.com/lumafs/shadowtick/internal/logger"
	"github.com/lumafs/shadowtick/pkg/config"
	"github.com/lumafs/shadowtick/pkg/metrics"
	"github.com/lumafs/shadowtick/pkg/shadow"
)

// readerOpenRetries bounds the torn-read retry loop at reader open. Each
// retry backs off a tenth of a tick; past the bound the writer is assumed
// absent or wedged and the open fails.
const readerOpenRetries = 10

// Options configures an SWMR file handle.
type Options struct {
	// Config carries the coordination parameters. Config.Writer selects
	// the role.
	Config config.SWMRConfig

	// PageBuffer is required for both roles.
	PageBuffer PageBuffer

	// MetadataCache is optional; without one only the page buffer is
	// reconciled at reader EOTs.
	MetadataCache MetadataCache

	// RawData is optional and consulted only when Config.FlushRawData is
	// set.
	RawData RawDataFlusher

	// Primary is the optional underlying file driver, truncated at each
	// writer EOT.
	Primary PrimaryFile

	// Metrics is optional; nil disables observation.
	Metrics metrics.EOTMetrics

	// Scheduler defaults to DefaultScheduler when nil.
	Scheduler *Scheduler

	// FileCreate marks a writer opening a brand-new primary file. An
	// existing primary file gets an empty publication immediately so that
	// readers can attach before the first end of tick.
	FileCreate bool
}

// validate checks the coordination parameters shared by both roles.
func (o *Options) validate() error {
	var errs []error

	if o.PageBuffer == nil {
		errs = append(errs, errors.New("page buffer is required"))
	}
	if o.Config.MDFilePath == "" {
		errs = append(errs, errors.New("md_file_path must be set"))
	}
	if o.Config.TickLen == 0 {
		errs = append(errs, errors.New("tick_len must be positive"))
	}
	if o.Config.MaxLag == 0 {
		errs = append(errs, errors.New("max_lag must be positive"))
	}
	if o.Config.MDPagesReserved < config.MinMDPagesReserved {
		errs = append(errs, fmt.Errorf("md_pages_reserved must be at least %d", config.MinMDPagesReserved))
	}
	if uint64(o.Config.PageSize) < shadow.HeaderSize {
		errs = append(errs, fmt.Errorf("page_size %d smaller than shadow header (%d bytes)",
			o.Config.PageSize, shadow.HeaderSize))
	}

	return errors.Join(errs...)
}

// OpenWriter creates the shadow file and establishes the writer side of the
// coordination protocol.
//
// The shadow-file layout is deterministic: the header occupies page 0 and
// the initial index region starts at page 1. The file is truncated to the
// reserved extent so that readers polling early see zeroes (a torn read)
// rather than a short file error.
func OpenWriter(opts Options) (*File, error) {
	if !opts.Config.Writer {
		return nil, fmt.Errorf("config selects the reader role: %w", ErrNotWriter)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = DefaultScheduler
	}

	pageSize := uint64(opts.Config.PageSize)
	mdSize := uint64(opts.Config.MDPagesReserved) * pageSize

	f := &File{
		cfg:      opts.Config,
		role:     RoleWriter,
		tick:     1,
		pageSize: pageSize,
		pb:       opts.PageBuffer,
		mdc:      opts.MetadataCache,
		raw:      opts.RawData,
		primary:  opts.Primary,
		met:      opts.Metrics,
		sched:    sched,
	}

	f.pb.SetTick(f.tick)

	alloc := shadow.NewPageAllocator(pageSize)
	f.alloc = alloc

	// Page 0 is the header; the rest of the reserved extent is the initial
	// index region. The allocator must hand these out exactly in order.
	hdrAddr, err := alloc.Alloc(pageSize)
	if err != nil {
		return nil, err
	}
	if hdrAddr != 0 {
		return nil, fmt.Errorf("header allocation at %d, want 0: %w", hdrAddr, ErrInconsistentState)
	}

	idxAddr, err := alloc.Alloc(mdSize - pageSize)
	if err != nil {
		return nil, err
	}
	if idxAddr != pageSize {
		return nil, fmt.Errorf("index allocation at %d, want %d: %w", idxAddr, pageSize, ErrInconsistentState)
	}
	f.writerIndexOffset = idxAddr

	mdFile, err := shadow.Create(opts.Config.MDFilePath, pageSize, opts.Config.SyncOnPublish)
	if err != nil {
		return nil, err
	}
	f.mdFile = mdFile

	if err := mdFile.Truncate(mdSize); err != nil {
		mdFile.Close()
		return nil, err
	}

	// Opening an existing primary file: publish an empty index right away
	// so readers can attach. A brand-new file defers to the first EOT.
	if !opts.FileCreate {
		if err := f.publishEmpty(); err != nil {
			mdFile.Close()
			return nil, err
		}
	}

	f.updateEndOfTick(false)
	sched.InsertEntry(f)

	if f.met != nil {
		f.met.SetShadowFileSize(mdSize)
	}
	logger.Info("swmr writer open",
		logger.KeyMDFile, opts.Config.MDFilePath,
		logger.KeyTickLen, opts.Config.TickLen,
		logger.KeyMaxLag, opts.Config.MaxLag)
	return f, nil
}

// OpenReader attaches to a writer's shadow file and seeds the local index
// and tick from the current publication.
//
// A torn read at open means the writer is mid-publication; the open backs
// off briefly and retries a bounded number of times before giving up.
func OpenReader(opts Options) (*File, error) {
	if opts.Config.Writer {
		return nil, fmt.Errorf("config selects the writer role: %w", ErrNotReader)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = DefaultScheduler
	}

	pageSize := uint64(opts.Config.PageSize)

	mdFile, err := shadow.Open(opts.Config.MDFilePath)
	if err != nil {
		return nil, err
	}

	f := &File{
		cfg:      opts.Config,
		role:     RoleReader,
		pageSize: pageSize,
		mdFile:   mdFile,
		pb:       opts.PageBuffer,
		mdc:      opts.MetadataCache,
		met:      opts.Metrics,
		sched:    sched,
	}

	f.idx = shadow.NewIndex(shadow.InitialIndexCapacity(pageSize, opts.Config.MDPagesReserved))

	backoff := f.cfg.TickDuration() / 10
	for attempt := 0; ; attempt++ {
		tick, _, err := mdFile.GetTickAndIndex(false, f.idx)
		if err == nil {
			f.tick = tick
			break
		}
		if !errors.Is(err, shadow.ErrTornRead) || attempt == readerOpenRetries {
			mdFile.Close()
			return nil, fmt.Errorf("load initial index: %w", err)
		}
		f.noteTornRead(nil)
		time.Sleep(backoff)
	}

	f.updateEndOfTick(false)
	sched.InsertEntry(f)

	logger.Info("swmr reader open",
		logger.KeyMDFile, opts.Config.MDFilePath,
		logger.KeyTick, f.tick,
		logger.KeyEntries, f.idx.Used())
	return f, nil
}
