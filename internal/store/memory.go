package store

import (
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and ephemeral deployments.
type MemoryStore struct {
	lock         sync.Mutex
	accountKey   []byte
	certificates map[string]CertRecord
	domainIndex  map[string]string
	sessions     map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		certificates: make(map[string]CertRecord),
		domainIndex:  make(map[string]string),
		sessions:     make(map[string]Session),
	}
}

func (m *MemoryStore) Seed() error {
	return nil
}

// clone round-trips through JSON so callers never share memory with the
// store, matching bbolt semantics.
func clone[T any](in T) T {
	var out T
	buff, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(buff, &out)
	if err != nil {
		panic(err)
	}
	return out
}

func (m *MemoryStore) GetAccountKey() ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.accountKey == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(m.accountKey))
	copy(out, m.accountKey)
	return out, nil
}

func (m *MemoryStore) SaveAccountKey(der []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.accountKey = make([]byte, len(der))
	copy(m.accountKey, der)
	return nil
}

func (m *MemoryStore) CreateCertificate(cert CertRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.certificates[cert.ID] = clone(cert)
	for _, domain := range cert.Domains {
		m.domainIndex[domain] = cert.ID
	}
	return nil
}

func (m *MemoryStore) GetCertificate(certID []byte) (*CertRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cert, ok := m.certificates[string(certID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(cert)
	return &out, nil
}

func (m *MemoryStore) GetCertificateForDomain(domain string) (*CertRecord, error) {
	m.lock.Lock()
	certID, ok := m.domainIndex[domain]
	m.lock.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetCertificate([]byte(certID))
}

func (m *MemoryStore) UpdateCertificate(certID []byte, updateCallback func(*CertRecord) error) (*CertRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cert, ok := m.certificates[string(certID)]
	if !ok {
		return nil, ErrNotFound
	}

	updated := clone(cert)
	err := updateCallback(&updated)
	if err != nil {
		return nil, err
	}
	err = GuardTransition(cert.Status, updated.Status)
	if err != nil {
		return nil, err
	}

	m.certificates[string(certID)] = clone(updated)
	return &updated, nil
}

func (m *MemoryStore) ListCertificatesExpiringBefore(t time.Time) ([]CertRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cutoff := t.Unix()
	expiring := []CertRecord{}
	for _, cert := range m.certificates {
		if cert.Status == CertStatusIssued && cert.ExpiresAt != 0 && cert.ExpiresAt < cutoff {
			expiring = append(expiring, clone(cert))
		}
	}
	return expiring, nil
}

func (m *MemoryStore) SweepCertificates(createdBefore time.Time) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cutoff := createdBefore.Unix()
	swept := 0
	for id, cert := range m.certificates {
		if cert.CreatedAt < cutoff {
			delete(m.certificates, id)
			swept++
		}
	}
	return swept, nil
}

func (m *MemoryStore) CreateSession(session Session) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.sessions[session.ID] = clone(session)
	return nil
}

func (m *MemoryStore) GetSession(sessionID []byte) (*Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[string(sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(session)
	return &out, nil
}

func (m *MemoryStore) UpdateSession(sessionID []byte, updateCallback func(*Session) error) (*Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, ok := m.sessions[string(sessionID)]
	if !ok {
		return nil, ErrNotFound
	}

	updated := clone(session)
	err := updateCallback(&updated)
	if err != nil {
		return nil, err
	}

	m.sessions[string(sessionID)] = clone(updated)
	return &updated, nil
}

func (m *MemoryStore) DeleteSession(sessionID []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.sessions, string(sessionID))
	return nil
}

func (m *MemoryStore) SweepSessions(now time.Time) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	swept := 0
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, id)
			swept++
		}
	}
	return swept, nil
}
