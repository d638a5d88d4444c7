package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/inkwellhq/aegis/internal/events"
	"github.com/inkwellhq/aegis/internal/metrics"
	"github.com/inkwellhq/aegis/internal/store"
)

// ErrNoSecret is returned when the authority is constructed without a
// signing secret.
var ErrNoSecret = errors.New("token: signing secret is required")

// Rejection reasons. Logged for forensics; callers only ever observe a
// generic verification failure.
const (
	reasonMalformed         = "malformed"
	reasonUnknownAction     = "unknown-action"
	reasonExpired           = "expired"
	reasonMetadataMissing   = "metadata-missing"
	reasonStoreUnavailable  = "store-unavailable"
	reasonActionMismatch    = "action-mismatch"
	reasonSignatureMismatch = "signature-mismatch"
	reasonSubjectMismatch   = "subject-mismatch"
	reasonContextMismatch   = "context-mismatch"
)

const (
	// MinLifetime is the floor for per-action token lifetimes.
	MinLifetime = 300 * time.Second
	// MaxLifetime caps per-action token lifetimes.
	MaxLifetime = 7200 * time.Second
	// DefaultLifetime applies to actions issued without registration.
	DefaultLifetime = 1800 * time.Second

	keyPrefix = "aegis:token:"
)

// RequestContext carries the caller identity and origin fingerprint of the
// current request. Subject 0 means anonymous.
type RequestContext struct {
	Subject   int64
	OriginIP  string
	UserAgent string
}

// metadata is what the TTL store holds per token, keyed by a hash of the
// token string. The token string itself only encodes issuedAt and the
// signature.
type metadata struct {
	Action    string `json:"action"`
	Subject   int64  `json:"subject"`
	IssuedAt  int64  `json:"issued_at"`
	Lifetime  int64  `json:"lifetime_seconds"`
	OriginIP  string `json:"origin_ip"`
	UAHash    string `json:"ua_hash"`
	Signature string `json:"signature"`
	SingleUse bool   `json:"single_use"`
}

type actionConfig struct {
	lifetime  time.Duration
	singleUse bool
}

// Authority mints and verifies signed, identity- and context-bound tokens
// with per-action lifetimes. Signing keys are derived per action from the
// process secret, so a token minted for one action can never validate for
// another even before the metadata check.
type Authority struct {
	secret []byte
	store  store.Store
	rec    events.Recorder

	mu      sync.RWMutex
	actions map[string]actionConfig
	keys    map[string][]byte

	strictIP bool
	strictUA bool
	nowFunc  func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithStrictIP makes an origin-IP mismatch a hard verification failure.
// Off by default: NAT and mobile networks churn addresses.
func WithStrictIP(strict bool) Option {
	return func(a *Authority) { a.strictIP = strict }
}

// WithStrictUA makes a user-agent mismatch a hard verification failure.
// On by default.
func WithStrictUA(strict bool) Option {
	return func(a *Authority) { a.strictUA = strict }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.nowFunc = now }
}

// New creates an Authority over the given metadata store.
func New(secret string, st store.Store, rec events.Recorder, opts ...Option) (*Authority, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	a := &Authority{
		secret:   []byte(secret),
		store:    st,
		rec:      rec,
		actions:  make(map[string]actionConfig),
		keys:     make(map[string][]byte),
		strictUA: true,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RegisterAction declares a protected action with its token lifetime.
// Lifetimes are clamped to the configured floor and ceiling. Single-use
// actions consume their metadata on the first successful verification.
func (a *Authority) RegisterAction(action string, lifetime time.Duration, singleUse bool) {
	if lifetime < MinLifetime {
		lifetime = MinLifetime
	}
	if lifetime > MaxLifetime {
		lifetime = MaxLifetime
	}
	a.mu.Lock()
	a.actions[action] = actionConfig{lifetime: lifetime, singleUse: singleUse}
	a.mu.Unlock()
}

// SetStrictness adjusts the context checks at runtime. The coordinator
// calls this when the security level changes.
func (a *Authority) SetStrictness(ip, ua bool) {
	a.mu.Lock()
	a.strictIP = ip
	a.strictUA = ua
	a.mu.Unlock()
}

// Issue mints a token scoped to action for the request context. The
// action is registered with defaults if unknown. Metadata is persisted in
// the TTL store for the token's lifetime; issuance fails when it cannot
// be persisted.
func (a *Authority) Issue(ctx context.Context, action string, rctx RequestContext) (string, error) {
	cfg := a.actionConfig(action, true)

	issuedAt := a.nowFunc().Unix()
	uaHash := hashUserAgent(rctx.UserAgent)
	sig := a.sign(action, rctx.Subject, issuedAt, rctx.OriginIP, uaHash)

	tok := encode(issuedAt, sig)
	meta := metadata{
		Action:    action,
		Subject:   rctx.Subject,
		IssuedAt:  issuedAt,
		Lifetime:  int64(cfg.lifetime / time.Second),
		OriginIP:  rctx.OriginIP,
		UAHash:    uaHash,
		Signature: sig,
		SingleUse: cfg.singleUse,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal token metadata: %w", err)
	}
	if err := a.store.Set(ctx, storageKey(tok), string(raw), cfg.lifetime); err != nil {
		return "", fmt.Errorf("persist token metadata: %w", err)
	}

	metrics.IncTokenIssued()
	return tok, nil
}

// Verify checks a token against the expected action and the current
// request context. It fails closed: any malformed input, missing or
// mismatched metadata, expired lifetime, or signature mismatch rejects
// the token. Each rejection reason is recorded individually, but callers
// only learn pass or fail.
func (a *Authority) Verify(ctx context.Context, tok, action string, rctx RequestContext) bool {
	issuedAt, sig, ok := decode(tok)
	if !ok {
		return a.reject(action, rctx, reasonMalformed)
	}

	cfg, registered := a.lookupAction(action)
	if !registered {
		return a.reject(action, rctx, reasonUnknownAction)
	}

	now := a.nowFunc().Unix()
	if now-issuedAt > int64(cfg.lifetime/time.Second) || issuedAt > now+60 {
		return a.reject(action, rctx, reasonExpired)
	}

	key := storageKey(tok)
	var raw string
	var err error
	if cfg.singleUse {
		// Atomic claim so two concurrent verifications cannot both
		// observe valid metadata.
		raw, err = a.store.GetDel(ctx, key)
	} else {
		raw, err = a.store.Get(ctx, key)
	}
	if errors.Is(err, store.ErrNotFound) {
		return a.reject(action, rctx, reasonMetadataMissing)
	}
	if err != nil {
		return a.reject(action, rctx, reasonStoreUnavailable)
	}

	var meta metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return a.reject(action, rctx, reasonMalformed)
	}

	restore := func() {
		if !cfg.singleUse {
			return
		}
		remaining := time.Duration(meta.IssuedAt+meta.Lifetime-now) * time.Second
		if remaining > 0 {
			_ = a.store.Set(ctx, key, raw, remaining)
		}
	}

	if meta.Action != action {
		restore()
		return a.reject(action, rctx, reasonActionMismatch)
	}

	expected := a.sign(meta.Action, meta.Subject, meta.IssuedAt, meta.OriginIP, meta.UAHash)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 ||
		subtle.ConstantTimeCompare([]byte(expected), []byte(meta.Signature)) != 1 {
		restore()
		return a.reject(action, rctx, reasonSignatureMismatch)
	}

	if meta.Subject != rctx.Subject {
		// The only allowed drift is anonymous at issue time, now
		// authenticated.
		if !(meta.Subject == 0 && rctx.Subject != 0) {
			restore()
			return a.reject(action, rctx, reasonSubjectMismatch)
		}
	}

	a.mu.RLock()
	strictIP, strictUA := a.strictIP, a.strictUA
	a.mu.RUnlock()

	if strictIP && meta.OriginIP != rctx.OriginIP {
		restore()
		return a.reject(action, rctx, reasonContextMismatch)
	}
	if strictUA && meta.UAHash != hashUserAgent(rctx.UserAgent) {
		restore()
		return a.reject(action, rctx, reasonContextMismatch)
	}

	metrics.IncTokenVerified()
	return true
}

// Sweep removes expired token metadata from backends without native TTL
// expiry. Idempotent and safe to run on any schedule.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	removed, err := a.store.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep token metadata: %w", err)
	}
	return removed, nil
}

func (a *Authority) actionConfig(action string, register bool) actionConfig {
	a.mu.RLock()
	cfg, ok := a.actions[action]
	a.mu.RUnlock()
	if ok {
		return cfg
	}
	cfg = actionConfig{lifetime: DefaultLifetime}
	if register {
		a.mu.Lock()
		a.actions[action] = cfg
		a.mu.Unlock()
	}
	return cfg
}

func (a *Authority) lookupAction(action string) (actionConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg, ok := a.actions[action]
	return cfg, ok
}

// sign computes the HMAC over the canonical metadata encoding using the
// action-scoped derived key.
func (a *Authority) sign(action string, subject, issuedAt int64, originIP, uaHash string) string {
	mac := hmac.New(sha256.New, a.actionKey(action))
	fmt.Fprintf(mac, "%d|%d|%s|%s", subject, issuedAt, originIP, uaHash)
	return hex.EncodeToString(mac.Sum(nil))
}

// actionKey derives (and caches) the per-action signing key from the
// process secret via HKDF.
func (a *Authority) actionKey(action string) []byte {
	a.mu.RLock()
	key, ok := a.keys[action]
	a.mu.RUnlock()
	if ok {
		return key
	}

	key = make([]byte, 32)
	r := hkdf.New(sha256.New, a.secret, nil, []byte("aegis-token:"+action))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}

	a.mu.Lock()
	a.keys[action] = key
	a.mu.Unlock()
	return key
}

func (a *Authority) reject(action string, rctx RequestContext, reason string) bool {
	metrics.IncTokenRejected(reason)
	if a.rec != nil {
		a.rec.Record(events.Event{
			Type:     "token.rejected",
			Severity: events.SeverityMedium,
			Subject:  rctx.Subject,
			OriginIP: rctx.OriginIP,
			Details:  map[string]string{"action": action, "reason": reason},
		})
	}
	return false
}

func encode(issuedAt int64, sig string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatInt(issuedAt, 10) + "|" + sig))
}

func decode(tok string) (issuedAt int64, sig string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return 0, "", false
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", false
	}
	issuedAt, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return 0, "", false
	}
	return issuedAt, parts[1], true
}

func storageKey(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func hashUserAgent(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:16])
}
