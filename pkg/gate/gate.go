// Package gate implements the confirmation handshake that guards every
// mutating catalog action.
//
// A process starts UNCONFIRMED. Request issues a short-lived single-use
// token (TOKEN_ISSUED) and Confirm redeems it (CONFIRMED). READ_ONLY is
// entered only through configuration and can never be confirmed.
package gate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// State of the gate.
type State string

const (
	StateUnconfirmed State = "UNCONFIRMED"
	StateTokenIssued State = "TOKEN_ISSUED"
	StateConfirmed   State = "CONFIRMED"
	StateReadOnly    State = "READ_ONLY"
)

// Blocking reasons.
const (
	ReasonNotConfirmed     = "mutation_not_confirmed"
	ReasonTokenExpired     = "token_expired"
	ReasonTokenInvalid     = "token_invalid"
	ReasonTokenUsed        = "token_already_used"
	ReasonReadOnly         = "reference_mode_read_only"
	ReasonMutationDisabled = "mutation_disabled"
)

const (
	// DefaultTTL bounds how long an issued token stays redeemable.
	DefaultTTL = 15 * time.Minute

	issuer  = "helm.instructions/gate"
	keySalt = "helm-instructions-gate-v1"
)

// BlockedError is returned whenever the gate refuses an operation.
type BlockedError struct {
	Reason string
	State  State
	Hint   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("gate: %s (state %s)", e.Reason, e.State)
}

// Config selects the gate's starting state and token parameters.
type Config struct {
	MutationEnabled bool
	ReadOnly        bool
	AutoConfirm     bool
	TTL             time.Duration
	// Secret seeds the signing key. Empty means a random per-process key.
	Secret string
}

// Status is a point-in-time view of the gate.
type Status struct {
	State            State      `json:"state"`
	MutationEnabled  bool       `json:"mutationEnabled"`
	TokenExpiresAt   *time.Time `json:"tokenExpiresAt,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty"`
	AlreadyConfirmed bool       `json:"alreadyConfirmed,omitempty"`
}

// Issued is the result of Request.
type Issued struct {
	Token            string     `json:"token,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	AlreadyConfirmed bool       `json:"alreadyConfirmed,omitempty"`
	State            State      `json:"state"`
}

type claims struct {
	jwt.RegisteredClaims
}

// Gate is the per-process mutation gate.
type Gate struct {
	mu          sync.Mutex
	state       State
	enabled     bool
	key         []byte
	ttl         time.Duration
	clock       func() time.Time
	pending     string
	expiresAt   time.Time
	used        map[string]bool
	confirmedAt time.Time
	logger      *slog.Logger
}

// New builds a gate from cfg.
func New(cfg Config, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default().With("component", "gate")
	}
	key, err := deriveKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{
		state:   StateUnconfirmed,
		enabled: cfg.MutationEnabled,
		key:     key,
		ttl:     ttl,
		clock:   time.Now,
		used:    make(map[string]bool),
		logger:  logger,
	}
	switch {
	case cfg.ReadOnly:
		g.state = StateReadOnly
	case cfg.AutoConfirm:
		g.state = StateConfirmed
		g.confirmedAt = g.clock().UTC()
	}
	logger.Info("gate: initialized", "state", g.state, "mutation_enabled", g.enabled)
	return g, nil
}

// WithClock overrides clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
	return g
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if secret == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("gate: random key: %w", err)
		}
		return key, nil
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(issuer))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("gate: derive key: %w", err)
	}
	return key, nil
}

// Request issues a new single-use token bound to rationale. When the gate is
// already confirmed it returns AlreadyConfirmed instead. A new request
// supersedes any outstanding token.
func (g *Gate) Request(rationale string) (Issued, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateReadOnly:
		return Issued{State: g.state}, g.blocked(ReasonReadOnly)
	case StateConfirmed:
		return Issued{AlreadyConfirmed: true, State: g.state}, nil
	}

	now := g.clock().UTC()
	digest := sha256.Sum256([]byte(rationale))
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   hex.EncodeToString(digest[:]),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(g.key)
	if err != nil {
		return Issued{State: g.state}, fmt.Errorf("gate: sign token: %w", err)
	}

	if g.pending != "" {
		g.used[g.pending] = true
	}
	g.pending = c.ID
	g.expiresAt = c.ExpiresAt.Time
	g.state = StateTokenIssued
	g.logger.Info("gate: token issued", "jti", c.ID, "expires_at", g.expiresAt)
	exp := g.expiresAt
	return Issued{Token: token, ExpiresAt: &exp, State: g.state}, nil
}

// Confirm redeems token. Any token with a valid signature is consumed by
// its first redemption attempt, whether or not that attempt succeeds.
func (g *Gate) Confirm(token string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateReadOnly:
		return g.status(), g.blocked(ReasonReadOnly)
	case StateConfirmed:
		s := g.status()
		s.AlreadyConfirmed = true
		return s, nil
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return g.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(g.clock),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		g.consume(c.ID)
		if c.ID == g.pending {
			g.pending = ""
			g.state = StateUnconfirmed
		}
		g.logger.Info("gate: token expired", "jti", c.ID)
		return g.status(), g.blocked(ReasonTokenExpired)
	default:
		g.logger.Info("gate: token rejected", "error", err)
		return g.status(), g.blocked(ReasonTokenInvalid)
	}

	if g.used[c.ID] {
		return g.status(), g.blocked(ReasonTokenUsed)
	}
	g.consume(c.ID)
	if c.ID != g.pending {
		return g.status(), g.blocked(ReasonTokenInvalid)
	}

	g.pending = ""
	g.state = StateConfirmed
	g.confirmedAt = g.clock().UTC()
	g.logger.Info("gate: confirmed", "jti", c.ID)
	return g.status(), nil
}

func (g *Gate) consume(jti string) {
	if jti != "" {
		g.used[jti] = true
	}
}

// Check returns nil only when mutations may proceed.
func (g *Gate) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return g.blocked(ReasonMutationDisabled)
	}
	switch g.state {
	case StateConfirmed:
		return nil
	case StateReadOnly:
		return g.blocked(ReasonReadOnly)
	default:
		return g.blocked(ReasonNotConfirmed)
	}
}

// Status reports the current state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status()
}

// MutationEnabled reports the configured mutation flag.
func (g *Gate) MutationEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *Gate) status() Status {
	s := Status{State: g.state, MutationEnabled: g.enabled}
	if g.state == StateTokenIssued {
		exp := g.expiresAt
		s.TokenExpiresAt = &exp
	}
	if g.state == StateConfirmed {
		at := g.confirmedAt
		s.ConfirmedAt = &at
	}
	return s
}

func (g *Gate) blocked(reason string) *BlockedError {
	return &BlockedError{Reason: reason, State: g.state, Hint: hints[reason]}
}

var hints = map[string]string{
	ReasonNotConfirmed:     "call gateRequest with a rationale, then gateConfirm with the returned token",
	ReasonTokenExpired:     "the token expired; call gateRequest again and confirm the new token promptly",
	ReasonTokenInvalid:     "pass the exact token returned by the most recent gateRequest",
	ReasonTokenUsed:        "tokens are single-use; call gateRequest for a new one",
	ReasonReadOnly:         "this catalog runs in reference mode and cannot be modified",
	ReasonMutationDisabled: "mutations are disabled by configuration (INSTRUCTIONS_MUTATION=false)",
}
