// Package auth implements the in-memory account/API-key/session store
// backing the command-challenge protocol's identity layer.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role scopes what a session is permitted to do.
type Role string

const (
	RoleAgent          Role = "agent"
	RoleSpectator      Role = "spectator"
	RoleOwnerSpectator Role = "owner_spectator"
)

var (
	ErrEmailAlreadyExists = errors.New("email_already_exists")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidAPIKey      = errors.New("invalid_api_key")
	ErrInvalidScope       = errors.New("invalid_scope")
	ErrAgentIDRequired    = errors.New("agent_id_required")
	ErrInvalidSession     = errors.New("invalid_session")
	ErrAgentMismatch      = errors.New("agent_mismatch")
)

// Account is a registered user.
type Account struct {
	ID           string
	Email        string
	SaltHexHash  string // "salt:hash", both hex
}

// APIKey is an issued credential for creating sessions.
type APIKey struct {
	ID        string
	AccountID string
	Prefix    string
	Hash      string // sha256 hex of the raw key
	Label     string
}

// Session is a bearer credential bound to a role and, for agent/
// owner_spectator roles, a specific agent.
type Session struct {
	Token      string
	JTI        string
	AccountID  string
	Role       Role
	AgentID    string
	CmdSecret  []byte
	ExpiresAt  time.Time
}

// Store is the in-memory auth store. All methods are safe for concurrent
// use.
type Store struct {
	mu sync.Mutex

	now       func() time.Time
	sessionTTL time.Duration

	accountsByEmail map[string]*Account
	accountsByID    map[string]*Account
	apiKeysByHash   map[string]*APIKey

	sessionsByToken map[string]*Session

	agentLocks map[string]string // agentID -> holding serverCmdID

	accountSerial int
	keySerial     int
	sessionSerial int
}

// New constructs an empty Store.
func New(sessionTTL time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:             now,
		sessionTTL:      sessionTTL,
		accountsByEmail: make(map[string]*Account),
		accountsByID:    make(map[string]*Account),
		apiKeysByHash:   make(map[string]*APIKey),
		sessionsByToken: make(map[string]*Session),
		agentLocks:      make(map[string]string),
	}
}

// CreateAccount registers a new account. The email is normalised to
// lowercase before comparison and storage.
func (s *Store) CreateAccount(email, password string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByEmail[email]; exists {
		return nil, ErrEmailAlreadyExists
	}

	saltHash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	s.accountSerial++
	account := &Account{
		ID:          fmt.Sprintf("acct-%d", s.accountSerial),
		Email:       email,
		SaltHexHash: saltHash,
	}
	s.accountsByEmail[email] = account
	s.accountsByID[account.ID] = account
	return account, nil
}

// hashPassword derives a "salt:hash" hex pair using a fresh random 128-bit
// salt. This is a deliberate departure from a bare unsalted digest: every
// other credential in this store is compared with constant-time or HMAC
// primitives, so passwords get the same floor.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum[:]), nil
}

func verifyPassword(saltHexHash, password string) bool {
	parts := strings.SplitN(saltHexHash, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	return hmac.Equal(sum[:], want)
}

// CreateAPIKey mints a fresh raw key for an account, returning it once.
func (s *Store) CreateAPIKey(accountID, label string) (rawKey string, keyID string, prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByID[accountID]; !ok {
		return "", "", "", ErrAccountNotFound
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", err
	}
	rawKey = "dck_" + hex.EncodeToString(raw)
	prefix = rawKey[:minInt(12, len(rawKey))]
	sum := sha256.Sum256([]byte(rawKey))

	s.keySerial++
	keyID = fmt.Sprintf("key-%d", s.keySerial)
	s.apiKeysByHash[hex.EncodeToString(sum[:])] = &APIKey{
		ID:        keyID,
		AccountID: accountID,
		Prefix:    prefix,
		Hash:      hex.EncodeToString(sum[:]),
		Label:     label,
	}
	return rawKey, keyID, prefix, nil
}

// CreateSession exchanges a raw API key for a bearer session scoped to
// role, optionally bound to agentID.
func (s *Store) CreateSession(rawKey string, role Role, agentID string) (*Session, error) {
	if role == RoleAgent || role == RoleOwnerSpectator {
		if agentID == "" {
			return nil, ErrAgentIDRequired
		}
	}
	if role != RoleAgent && role != RoleSpectator && role != RoleOwnerSpectator {
		return nil, ErrInvalidScope
	}
	if role == RoleSpectator && agentID != "" {
		return nil, ErrInvalidScope
	}

	sum := sha256.Sum256([]byte(rawKey))

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeysByHash[hex.EncodeToString(sum[:])]
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	cmdSecret := make([]byte, 32)
	if _, err := rand.Read(cmdSecret); err != nil {
		return nil, err
	}

	s.sessionSerial++
	session := &Session{
		Token:     token,
		JTI:       fmt.Sprintf("jti-%d", s.sessionSerial),
		AccountID: key.AccountID,
		Role:      role,
		AgentID:   agentID,
		CmdSecret: cmdSecret,
		ExpiresAt: s.now().Add(s.sessionTTL),
	}
	s.sessionsByToken[token] = session
	return session, nil
}

// GetSession fetches a session by token, purging it lazily if expired.
func (s *Store) GetSession(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(token)
}

func (s *Store) getSessionLocked(token string) (*Session, error) {
	session, ok := s.sessionsByToken[token]
	if !ok {
		return nil, ErrInvalidSession
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.sessionsByToken, token)
		return nil, ErrInvalidSession
	}
	return session, nil
}

// ValidateSession fetches a session and checks it against the required role
// and, if non-empty, the required agent binding.
func (s *Store) ValidateSession(token string, requiredRole Role, requiredAgentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getSessionLocked(token)
	if err != nil {
		return nil, err
	}
	if session.Role != requiredRole {
		return nil, ErrInvalidScope
	}
	if requiredAgentID != "" && session.AgentID != requiredAgentID {
		return nil, ErrAgentMismatch
	}
	return session, nil
}

// CreateDevSpectatorSession mints a spectator session bypassing the API-key
// exchange, for local development only.
func (s *Store) CreateDevSpectatorSession() (*Session, error) {
	return s.createDevSession(RoleSpectator, "")
}

// CreateDevOwnerSession mints an owner_spectator session bound to agentID,
// bypassing the API-key exchange.
func (s *Store) CreateDevOwnerSession(agentID string) (*Session, error) {
	return s.createDevSession(RoleOwnerSpectator, agentID)
}

func (s *Store) createDevSession(role Role, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	cmdSecret := make([]byte, 32)
	if _, err := rand.Read(cmdSecret); err != nil {
		return nil, err
	}

	s.sessionSerial++
	session := &Session{
		Token:     token,
		JTI:       fmt.Sprintf("jti-%d", s.sessionSerial),
		Role:      role,
		AgentID:   agentID,
		CmdSecret: cmdSecret,
		ExpiresAt: s.now().Add(s.sessionTTL),
	}
	s.sessionsByToken[token] = session
	return session, nil
}

// AcquireAgentLock grants exclusive in-flight-command ownership over agentID
// to serverCmdID. It returns false if another command already holds it.
func (s *Store) AcquireAgentLock(agentID, serverCmdID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, busy := s.agentLocks[agentID]; busy && holder != serverCmdID {
		return false
	}
	s.agentLocks[agentID] = serverCmdID
	return true
}

// ReleaseAgentLock releases the lock on agentID if serverCmdID is still the
// holder.
func (s *Store) ReleaseAgentLock(agentID, serverCmdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentLocks[agentID] == serverCmdID {
		delete(s.agentLocks, agentID)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// VerifyPassword reports whether password matches the account's stored
// salted hash.
func VerifyPassword(a *Account, password string) bool {
	return verifyPassword(a.SaltHexHash, password)
}
