package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	log "github.com/sjqzhang/seelog"
	"github.com/syndtr/goleveldb/leveldb"
)

// Config holds the limits the manager enforces. Zero values disable the
// corresponding limit.
type Config struct {
	UploadDir            string
	TempDir              string
	MaxFileSize          int64
	MaxConcurrentUploads int
	UploadTimeout        time.Duration
	FileSumArithmetic    string // md5 (default) or sha1
	EnableIntegrityCheck bool
}

// CreateOptions carries the client-declared attributes of a new upload.
type CreateOptions struct {
	Filename         string
	ClientID         string
	TotalSize        int64 // -1 when unknown until completion
	ContentType      string
	SupportsRange    bool
	ExpectedChecksum string
	Metadata         map[string]string
}

// Stats is a read-only aggregate snapshot over the registered sessions.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Manager exclusively owns every Session, keyed by id, with a secondary
// non-owning index from client id to that client's active uploads.
// Sessions are created and removed only through the manager.
type Manager struct {
	cfg   Config
	mu    sync.Mutex
	byID  map[string]*Session
	byClient map[string]mapset.Set
	store *sessionStore

	expired int64 // cumulative, for the status endpoint
}

// NewManager builds a manager. ldb may be nil to run without session
// persistence (tests do).
func NewManager(cfg Config, ldb *leveldb.DB) *Manager {
	if cfg.FileSumArithmetic == "" {
		cfg.FileSumArithmetic = "md5"
	}
	m := &Manager{
		cfg:      cfg,
		byID:     make(map[string]*Session),
		byClient: make(map[string]mapset.Set),
		store:    newSessionStore(ldb),
	}
	return m
}

// newSessionID returns an unguessable id, safe for direct use in URLs.
func newSessionID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", ioError(err)
	}
	return hex.EncodeToString(b[:]), nil
}

// CreateUpload validates the declared size and the per-client
// concurrency limit, then registers a fresh Pending session under both
// indices.
func (m *Manager) CreateUpload(opt CreateOptions) (*Session, error) {
	if !m.cfg.EnableIntegrityCheck {
		opt.ExpectedChecksum = ""
	}
	if m.cfg.MaxFileSize > 0 && opt.TotalSize > m.cfg.MaxFileSize {
		return nil, newError(KindSizeExceeded, "declared size %d exceeds limit %d", opt.TotalSize, m.cfg.MaxFileSize)
	}
	if opt.TotalSize < 0 {
		opt.TotalSize = -1
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConcurrentUploads > 0 {
		if set, ok := m.byClient[opt.ClientID]; ok && m.activeCount(set) >= m.cfg.MaxConcurrentUploads {
			return nil, newError(KindConcurrencyLimit, "client %s already has %d active uploads", opt.ClientID, m.cfg.MaxConcurrentUploads)
		}
	}
	s := newSession(id, opt, m.cfg.TempDir, m.cfg.UploadDir, m.cfg.FileSumArithmetic)
	if m.store != nil {
		s.recorder = m.store
	}
	m.byID[id] = s
	set, ok := m.byClient[opt.ClientID]
	if !ok {
		set = mapset.NewSet()
		m.byClient[opt.ClientID] = set
	}
	set.Add(id)
	if m.store != nil {
		m.store.saveSession(s)
	}
	log.Info(fmt.Sprintf("upload created id:%s client:%s file:%s size:%d", id, opt.ClientID, s.Filename(), opt.TotalSize))
	return s, nil
}

// activeCount counts the client's non-terminal sessions; finished ones
// still sitting in the index do not block new uploads.
func (m *Manager) activeCount(set mapset.Set) int {
	n := 0
	for v := range set.Iter() {
		if s, ok := m.byID[v.(string)]; ok && !s.Status().Terminal() {
			n++
		}
	}
	return n
}

// GetUpload returns the session handle, or false for unknown ids.
// Absence is not an error.
func (m *Manager) GetUpload(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// RemoveUpload drops the session from both indices. A non-terminal
// session is cancelled first so its temp file goes away; cleanup
// failures are logged, not propagated.
func (m *Manager) RemoveUpload(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, id)
	if set, ok := m.byClient[s.Owner()]; ok {
		set.Remove(id)
		if set.Cardinality() == 0 {
			delete(m.byClient, s.Owner())
		}
	}
	m.mu.Unlock()
	if !s.Status().Terminal() {
		if err := s.Cancel(); err != nil {
			log.Warn(fmt.Sprintf("remove id:%s cleanup: %v", id, err))
		}
	}
	if m.store != nil {
		m.store.deleteSession(id)
	}
}

// ClientUploads lists the ids currently indexed for a client.
func (m *Manager) ClientUploads(clientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	if set, ok := m.byClient[clientID]; ok {
		for v := range set.Iter() {
			ids = append(ids, v.(string))
		}
	}
	return ids
}

// Stats snapshots the registry without touching session locks.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	st.Total = len(m.byID)
	for _, s := range m.byID {
		switch s.Status() {
		case StatusPending, StatusInProgress:
			st.Active++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// ExpiredTotal is the cumulative count of sessions removed by the sweep.
func (m *Manager) ExpiredTotal() int64 {
	return atomic.LoadInt64(&m.expired)
}

// ExpireStale cancels and removes idle sessions. A session whose lock is
// held is being written right now: it is skipped, never waited on, and
// revisited on the next sweep.
func (m *Manager) ExpireStale() int {
	if m.cfg.UploadTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		if !s.Status().Terminal() && s.IsExpired(m.cfg.UploadTimeout) {
			candidates = append(candidates, s)
		}
	}
	m.mu.Unlock()
	removed := 0
	for _, s := range candidates {
		err := s.Cancel()
		if IsKind(err, KindBusy) {
			continue
		}
		if err != nil {
			log.Warn(fmt.Sprintf("expire id:%s: %v", s.ID(), err))
			continue
		}
		m.RemoveUpload(s.ID())
		atomic.AddInt64(&m.expired, 1)
		removed++
		log.Info(fmt.Sprintf("upload expired id:%s client:%s", s.ID(), s.Owner()))
	}
	return removed
}

// RestoreSessions reloads non-terminal session records persisted in
// LevelDB and re-registers them so clients can resume after a restart.
// Byte accounting is taken from the record; the temp file is reopened
// lazily on the next write.
func (m *Manager) RestoreSessions() int {
	if m.store == nil {
		return 0
	}
	restored := 0
	for _, rec := range m.store.loadSessions() {
		if rec.Status != StatusPending.String() && rec.Status != StatusInProgress.String() {
			m.store.deleteSession(rec.ID)
			continue
		}
		m.mu.Lock()
		if _, dup := m.byID[rec.ID]; dup {
			m.mu.Unlock()
			continue
		}
		s := newSession(rec.ID, CreateOptions{
			Filename:         rec.Filename,
			ClientID:         rec.Owner,
			TotalSize:        rec.TotalSize,
			ContentType:      rec.ContentType,
			SupportsRange:    rec.SupportsRange,
			ExpectedChecksum: rec.ExpectedSum,
			Metadata:         rec.Metadata,
		}, m.cfg.TempDir, m.cfg.UploadDir, m.cfg.FileSumArithmetic)
		s.recorder = m.store
		if rec.Status == StatusInProgress.String() {
			// the rolling digest cannot be rebuilt incrementally
			s.needRescan = true
			if err := s.reopenTemp(rec.TempPath, rec.BytesReceived); err != nil {
				log.Warn(fmt.Sprintf("restore id:%s: %v", rec.ID, err))
				m.mu.Unlock()
				m.store.deleteSession(rec.ID)
				continue
			}
		}
		m.byID[rec.ID] = s
		set, ok := m.byClient[rec.Owner]
		if !ok {
			set = mapset.NewSet()
			m.byClient[rec.Owner] = set
		}
		set.Add(rec.ID)
		m.mu.Unlock()
		restored++
	}
	if restored > 0 {
		log.Info(fmt.Sprintf("restored %d upload sessions", restored))
	}
	return restored
}
