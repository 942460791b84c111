package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the first event of every subject chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

const eventHashDomain = "trustledger:event:v1"

// fieldSep separates hashed fields so adjacent values cannot be shifted into each other.
const fieldSep = 0x1f

var ErrPayloadNotObject = errors.New("payload must be a JSON object")

// CanonicalJSON encodes v without HTML escaping. Map keys come out sorted.
func CanonicalJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalPayload re-encodes a JSON object with sorted keys at every depth.
// Numbers keep their original literal form.
func CanonicalPayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrPayloadNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("payload must contain a single JSON value")
	}
	if _, ok := decoded.(map[string]any); !ok {
		return nil, ErrPayloadNotObject
	}
	out, err := CanonicalJSON(decoded)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.RawMessage(out), nil
}

func SHA256Hex(in []byte) string {
	h := sha256.Sum256(in)
	return hex.EncodeToString(h[:])
}

// NormalizeTime fixes the precision hashed and stored for occurred_at.
// Postgres keeps microseconds, so anything finer would not survive a round trip.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeEventHash derives H(prev_hash | subject_id | event_type | canonical(payload) | occurred_at).
func ComputeEventHash(prevHash string, ev LedgerEvent) (string, error) {
	payload, err := CanonicalPayload(ev.Payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(eventHashDomain))
	for _, part := range [][]byte{
		[]byte(prevHash),
		[]byte(ev.SubjectID),
		[]byte(ev.EventType),
		payload,
		[]byte(NormalizeTime(ev.OccurredAt).Format(time.RFC3339Nano)),
	} {
		h.Write([]byte{fieldSep})
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func NewEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("event id: %w", err)
	}
	return id.String(), nil
}
