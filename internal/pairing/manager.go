// Package pairing issues short one-time pairing codes and exchanges
// them for long-lived bearer tokens. Only salted hashes of tokens are
// kept, so the manager's state can be logged or dumped without leaking
// credentials. Storage is in-memory; durability belongs to whoever owns
// the process lifecycle.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/ids"
)

const (
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 6

	// TokenPrefix marks conduit bearer tokens.
	TokenPrefix = "ct_"

	tokenBytes = 32
	saltBytes  = 16
)

var (
	ErrCodeNotFound = errors.New("pairing: code not found")
	ErrCodeExpired  = errors.New("pairing: code expired")
)

// Config controls code and token lifetimes.
type Config struct {
	// CodeTTL bounds how long a generated code can be exchanged. Zero
	// means 10 minutes.
	CodeTTL time.Duration

	// TokenTTL bounds how long an exchanged token validates. Zero means
	// 30 days.
	TokenTTL time.Duration
}

func (c Config) codeTTL() time.Duration {
	if c.CodeTTL > 0 {
		return c.CodeTTL
	}
	return 10 * time.Minute
}

func (c Config) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 30 * 24 * time.Hour
}

// Code is an active pairing code.
type Code struct {
	Code      string    `json:"code"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	OneShot   bool      `json:"one_shot"`
}

// Client is a paired client as reported by ListClients. The token
// itself is not recoverable.
type Client struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	PairedAt  time.Time `json:"paired_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats summarises the manager's state.
type Stats struct {
	ActiveCodes   int `json:"active_codes"`
	PairedClients int `json:"paired_clients"`
}

// client is the stored form: salted hash only.
type client struct {
	id        string
	label     string
	salt      []byte
	hash      []byte
	pairedAt  time.Time
	expiresAt time.Time
}

// Manager holds active codes and paired clients. Safe for concurrent
// use. Expired entries are dropped lazily on access; there is no
// janitor goroutine.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	codes   map[string]Code
	clients map[string]*client

	now  func() time.Time
	rand io.Reader
}

// New creates an empty pairing manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		codes:   make(map[string]Code),
		clients: make(map[string]*client),
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// GenerateCode mints a new one-shot pairing code.
func (m *Manager) GenerateCode(label string) (Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return Code{}, err
	}

	c := Code{
		Code:      code,
		Label:     strings.TrimSpace(label),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.codeTTL()),
		OneShot:   true,
	}
	m.codes[code] = c
	return c, nil
}

// ExchangeCode consumes a pairing code and returns a fresh bearer
// token. The code is spent whether or not the caller keeps the token.
func (m *Manager) ExchangeCode(code, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	code = normalizeCode(code)
	c, ok := m.codes[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	delete(m.codes, code)
	if !c.ExpiresAt.After(now) {
		return "", ErrCodeExpired
	}

	token, err := m.newTokenLocked()
	if err != nil {
		return "", err
	}
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(m.rand, salt); err != nil {
		return "", fmt.Errorf("pairing: read salt: %w", err)
	}

	if label = strings.TrimSpace(label); label == "" {
		label = c.Label
	}
	cl := &client{
		id:        "cl_" + ids.Short(),
		label:     label,
		salt:      salt,
		hash:      hashToken(salt, token),
		pairedAt:  now,
		expiresAt: now.Add(m.cfg.tokenTTL()),
	}
	m.clients[cl.id] = cl
	return token, nil
}

// ValidateToken reports whether token belongs to an unexpired client.
// The comparison walks every stored hash so a miss costs the same as a
// hit.
func (m *Manager) ValidateToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	matched := 0
	for _, cl := range m.clients {
		candidate := hashToken(cl.salt, token)
		matched |= subtle.ConstantTimeCompare(candidate, cl.hash)
	}
	return matched == 1
}

// ListCodes returns the active codes, oldest first.
func (m *Manager) ListCodes() []Code {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	out := make([]Code, 0, len(m.codes))
	for _, c := range m.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListClients returns the paired clients, oldest first.
func (m *Manager) ListClients() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	out := make([]Client, 0, len(m.clients))
	for _, cl := range m.clients {
		out = append(out, Client{
			ID:        cl.id,
			Label:     cl.label,
			PairedAt:  cl.pairedAt,
			ExpiresAt: cl.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out
}

// RevokeCode removes an active code. Returns false when the code was
// not active.
func (m *Manager) RevokeCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	code = normalizeCode(code)
	if _, ok := m.codes[code]; !ok {
		return false
	}
	delete(m.codes, code)
	return true
}

// RevokeToken removes the client the token belongs to. Returns false
// when the token matches nothing.
func (m *Manager) RevokeToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	revoked := ""
	for id, cl := range m.clients {
		candidate := hashToken(cl.salt, token)
		if subtle.ConstantTimeCompare(candidate, cl.hash) == 1 {
			revoked = id
		}
	}
	if revoked == "" {
		return false
	}
	delete(m.clients, revoked)
	return true
}

// Stats returns active code and paired client counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	return Stats{
		ActiveCodes:   len(m.codes),
		PairedClients: len(m.clients),
	}
}

// pruneLocked drops expired codes and clients.
func (m *Manager) pruneLocked(now time.Time) {
	for code, c := range m.codes {
		if !c.ExpiresAt.After(now) {
			delete(m.codes, code)
		}
	}
	for id, cl := range m.clients {
		if !cl.expiresAt.After(now) {
			delete(m.clients, id)
		}
	}
}

// uniqueCodeLocked draws codes until one misses the active set.
func (m *Manager) uniqueCodeLocked() (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(m.rand, CodeLength)
		if err != nil {
			return "", err
		}
		if _, ok := m.codes[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("pairing: failed to generate unique code")
}

func (m *Manager) newTokenLocked() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", fmt.Errorf("pairing: read token bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(salt []byte, token string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(token))
	return h.Sum(nil)
}

// randomCode draws length characters from an unambiguous alphabet
// (no 0/O/I/1).
func randomCode(r io.Reader, length int) (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("pairing: read code bytes: %w", err)
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
