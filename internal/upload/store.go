package upload

import (
	jsoniter "github.com/json-iterator/go"
	log "github.com/sjqzhang/seelog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sessionKeyPrefix = "session_"

// SessionRecord is the persisted shape of a session, written to LevelDB
// so resumable uploads survive a server restart.
type SessionRecord struct {
	ID            string            `json:"id"`
	Filename      string            `json:"filename"`
	ContentType   string            `json:"contentType"`
	Owner         string            `json:"owner"`
	SupportsRange bool              `json:"supportsRange"`
	TotalSize     int64             `json:"totalSize"`
	BytesReceived int64             `json:"bytesReceived"`
	Status        string            `json:"status"`
	TempPath      string            `json:"tempPath"`
	FinalPath     string            `json:"finalPath"`
	ExpectedSum   string            `json:"expectedSum"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastActivity  int64             `json:"lastActivity"`
}

type sessionStore struct {
	ldb *leveldb.DB
}

func newSessionStore(ldb *leveldb.DB) *sessionStore {
	if ldb == nil {
		return nil
	}
	return &sessionStore{ldb: ldb}
}

// saveSession implements the session recorder hook. Persistence is best
// effort; a failed write must never fail the upload itself.
func (st *sessionStore) saveSession(s *Session) {
	rec := SessionRecord{
		ID:            s.id,
		Filename:      s.filename,
		ContentType:   s.contentType,
		Owner:         s.ownerClientID,
		SupportsRange: s.supportsRange,
		TotalSize:     s.TotalSize(),
		BytesReceived: s.BytesReceived(),
		Status:        s.Status().String(),
		TempPath:      s.tempPath,
		FinalPath:     s.finalPath,
		ExpectedSum:   s.expectedSum,
		Metadata:      s.metadata,
		LastActivity:  s.LastActivity().UnixNano(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error(err)
		return
	}
	if err = st.ldb.Put([]byte(sessionKeyPrefix+s.id), data, nil); err != nil {
		log.Error(err)
	}
}

func (st *sessionStore) deleteSession(id string) {
	if err := st.ldb.Delete([]byte(sessionKeyPrefix+id), nil); err != nil {
		log.Error(err)
	}
}

func (st *sessionStore) loadSessions() []SessionRecord {
	var (
		records []SessionRecord
	)
	iter := st.ldb.NewIterator(util.BytesPrefix([]byte(sessionKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec SessionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			log.Error(err)
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		log.Error(err)
	}
	return records
}
