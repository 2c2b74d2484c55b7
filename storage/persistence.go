package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// CorruptedBackupPrefix names the backup kept when a persisted file cannot be decoded.
const CorruptedBackupPrefix = "backup_of_corrupted_data"

// Source classifies persisted data by how it can be recovered, which decides the
// write delay and how many rolling backups are kept.
type Source struct {
	Name            string
	MaxBackups      int
	Delay           time.Duration
	FlushAtShutdown bool
}

var (
	// SourceNetwork is data received from the network that peers can resend.
	SourceNetwork = Source{Name: "network", MaxBackups: 1, Delay: 5 * time.Minute}
	// SourcePrivate is local data only recoverable from backups.
	SourcePrivate = Source{Name: "private", MaxBackups: 10, Delay: 200 * time.Millisecond, FlushAtShutdown: true}
	// SourcePrivateLowPrio is local data whose loss is not critical.
	SourcePrivateLowPrio = Source{Name: "private_low_prio", MaxBackups: 4, Delay: time.Minute}
)

// Persistable produces the envelope body written for a store.
type Persistable interface {
	EncodeEnvelope() ([]byte, error)
}

// PersistableFunc adapts a function to the Persistable interface.
type PersistableFunc func() ([]byte, error)

func (f PersistableFunc) EncodeEnvelope() ([]byte, error) { return f() }

// PersistenceManager writes a single store file with debounced, asynchronous
// writes and recovers from corrupted files by backing them up.
type PersistenceManager struct {
	dir      string
	fileName string
	source   Source
	delay    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	target    Persistable
	timer     *time.Timer
	pending   bool
	closed    bool
	corrupted []string
}

// PersistenceOption customises a PersistenceManager.
type PersistenceOption func(*PersistenceManager)

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(logger *slog.Logger) PersistenceOption {
	return func(m *PersistenceManager) { m.logger = logger }
}

// WithDelay overrides the debounce delay of the source.
func WithDelay(delay time.Duration) PersistenceOption {
	return func(m *PersistenceManager) { m.delay = delay }
}

// WithPersistenceClock sets the clock used to stamp backup files.
func WithPersistenceClock(now func() time.Time) PersistenceOption {
	return func(m *PersistenceManager) { m.now = now }
}

// NewPersistenceManager prepares persistence of dir/fileName.
func NewPersistenceManager(dir, fileName string, source Source, opts ...PersistenceOption) *PersistenceManager {
	m := &PersistenceManager{
		dir:      dir,
		fileName: fileName,
		source:   source,
		delay:    source.Delay,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Initialize registers the store whose state is written on persistence requests.
func (m *PersistenceManager) Initialize(target Persistable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
}

// FileName returns the base name of the persisted file.
func (m *PersistenceManager) FileName() string { return m.fileName }

// Path returns the full path of the persisted file.
func (m *PersistenceManager) Path() string { return filepath.Join(m.dir, m.fileName) }

// ReadPersisted loads the persisted file and hands its body to decode. It reports
// false when there is nothing to restore. A file that fails the envelope checks or
// decode is moved aside and treated as absent so the store starts fresh.
func (m *PersistenceManager) ReadPersisted(decode func(body []byte) error) (bool, error) {
	path := m.Path()
	body, err := ReadEnvelopeFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err == nil {
		err = decode(body)
		if err == nil {
			return true, nil
		}
		err = fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !errors.Is(err, ErrCorrupted) {
		return false, fmt.Errorf("read %s: %w", m.fileName, err)
	}

	m.logger.Error("persisted file corrupted; backing up and recreating",
		slog.String("file", m.fileName),
		slog.Any("error", err))
	if backupErr := m.backupCorrupted(path); backupErr != nil {
		m.logger.Error("backup of corrupted file failed",
			slog.String("file", m.fileName),
			slog.Any("error", backupErr))
	}
	m.mu.Lock()
	m.corrupted = append(m.corrupted, m.fileName)
	m.mu.Unlock()
	return false, nil
}

// CorruptedFiles lists the files that were backed up after failing to load.
func (m *PersistenceManager) CorruptedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.corrupted...)
}

// RequestPersistence schedules a write after the source delay. Requests arriving
// before the write runs are coalesced into it.
func (m *PersistenceManager) RequestPersistence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.target == nil {
		return
	}
	m.pending = true
	if m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.delay, func() {
		if err := m.flush(); err != nil {
			m.logger.Error("persist failed", slog.String("file", m.fileName), slog.Any("error", err))
		}
	})
}

// PersistNow writes the current state synchronously.
func (m *PersistenceManager) PersistNow() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = true
	m.mu.Unlock()
	return m.flush()
}

// Shutdown stops scheduled writes. Pending data of sources flagged
// FlushAtShutdown is written before returning.
func (m *PersistenceManager) Shutdown() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	flush := m.pending && m.source.FlushAtShutdown
	m.mu.Unlock()

	var err error
	if flush {
		err = m.flush()
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return err
}

func (m *PersistenceManager) flush() error {
	m.mu.Lock()
	m.timer = nil
	if !m.pending || m.target == nil {
		m.mu.Unlock()
		return nil
	}
	m.pending = false
	target := m.target
	m.mu.Unlock()

	body, err := target.EncodeEnvelope()
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.fileName, err)
	}
	path := m.Path()
	if err := m.rotateBackups(path); err != nil {
		m.logger.Warn("backup before write failed", slog.String("file", m.fileName), slog.Any("error", err))
	}
	if err := WriteEnvelopeFile(path, body); err != nil {
		return fmt.Errorf("write %s: %w", m.fileName, err)
	}
	return nil
}

func (m *PersistenceManager) backupDir() string {
	return filepath.Join(m.dir, "backup", m.fileName)
}

func (m *PersistenceManager) backupCorrupted(path string) error {
	dir := m.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%d", CorruptedBackupPrefix, m.fileName, m.now().UnixMilli())
	return os.Rename(path, filepath.Join(dir, name))
}

func (m *PersistenceManager) rotateBackups(path string) error {
	if m.source.MaxBackups <= 0 {
		return nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dir := m.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%d", m.fileName, m.now().UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var backups []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), CorruptedBackupPrefix) {
			continue
		}
		backups = append(backups, entry.Name())
	}
	if len(backups) <= m.source.MaxBackups {
		return nil
	}
	sort.Strings(backups)
	for _, stale := range backups[:len(backups)-m.source.MaxBackups] {
		if err := os.Remove(filepath.Join(dir, stale)); err != nil {
			return err
		}
	}
	return nil
}
