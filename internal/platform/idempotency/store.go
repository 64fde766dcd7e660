package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a stored key.
type Status string

const (
	// DefaultTTL is how long a completed checkout or settlement stays replayable.
	DefaultTTL = 24 * time.Hour
	// PendingLease bounds how long an unfinished reservation blocks retries. Requests run under a
	// 60s timeout, so an older pending record belongs to an instance that died mid-request.
	PendingLease = 5 * time.Minute

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and must complete or release it.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response exists and should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// Reservation is the result of Reserve together with the current record.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is one stored key: a checkout submission or a settlement callback. The firestore tags
// are the persisted field names.
type Record struct {
	Key             string              `firestore:"key"`
	Scope           string              `firestore:"scope"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          Status              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

// Response is the replayable result saved against a key.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a live key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// reserve decides the outcome of reserving key against the stored record (nil when absent). The
// returned record, when non-nil, must be written by the store.
func reserve(existing *Record, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, *Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if existing == nil || expired(*existing, now) {
		fresh := pendingRecord(key, fingerprint, now, ttl)
		return Reservation{State: ReservationStateNew, Record: fresh}, &fresh, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, nil, ErrFingerprintMismatch
	}
	switch {
	case existing.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: *existing}, nil, nil
	case now.Sub(existing.UpdatedAt) >= PendingLease:
		taken := pendingRecord(key, fingerprint, now, ttl)
		taken.CreatedAt = existing.CreatedAt
		return Reservation{State: ReservationStateNew, Record: taken}, &taken, nil
	default:
		return Reservation{State: ReservationStatePending, Record: *existing}, nil, nil
	}
}

// complete returns the record to persist once the response for key is known.
func complete(existing *Record, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := Record{Key: key, Scope: scopeOf(key), Fingerprint: fingerprint, CreatedAt: now}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return Record{}, ErrFingerprintMismatch
		}
		if !existing.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	if len(resp.Body) > 0 {
		record.ResponseBody = append([]byte(nil), resp.Body...)
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	return record, nil
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Scope:       scopeOf(key),
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

const scopeSeparator = "|"

// ScopedKey namespaces a caller key by route or operation so the same key can be used for a
// checkout and a settlement without colliding.
func ScopedKey(scope, key string) string {
	if scope = strings.TrimSpace(scope); scope == "" {
		return strings.TrimSpace(key)
	}
	return scope + scopeSeparator + strings.TrimSpace(key)
}

func scopeOf(key string) string {
	scope, _, found := strings.Cut(key, scopeSeparator)
	if !found {
		return ""
	}
	return scope
}

// Fingerprint hashes an arbitrary payload; empty payloads fingerprint to "".
func Fingerprint(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	return sha256Hex(payload)
}

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// unreplayedHeaders are connection-level or recomputed on every write.
var unreplayedHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// storableHeaders keeps the response headers worth replaying, canonicalised.
func storableHeaders(header http.Header) map[string][]string {
	var out map[string][]string
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := unreplayedHeaders[name]; skip {
			continue
		}
		if out == nil {
			out = make(map[string][]string, len(header))
		}
		out[name] = slices.Clone(values)
	}
	return out
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = slices.Clone(vals)
	}
	return header
}
