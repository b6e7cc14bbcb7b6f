// Package cursor defines the change-history token and its durable storage.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// KindInteger tags a sequence-number token in its wire envelope.
const KindInteger = "integer"

const maxEnvelopeData = 64 * 1024

// Envelope is the tagged form written to token files and HTTP bodies, e.g.
//
//	{"kind":"integer","data":42}
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Validate rejects envelopes that cannot hold a Token.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return errors.New("cursor: nil envelope")
	case e.Kind != KindInteger:
		return fmt.Errorf("cursor: unsupported kind %q", e.Kind)
	case len(e.Data) == 0:
		return errors.New("cursor: empty data")
	case len(e.Data) > maxEnvelopeData:
		return fmt.Errorf("cursor: data too large (%d bytes)", len(e.Data))
	}
	return nil
}

// Token marks a position in a store's transaction history: every transaction
// with a sequence number up to and including Seq has been consumed. The zero
// Token is before the first transaction.
type Token struct {
	Seq uint64
}

func (t Token) Compare(other Token) int {
	switch {
	case t.Seq < other.Seq:
		return -1
	case t.Seq > other.Seq:
		return 1
	}
	return 0
}

// After reports whether t is strictly later than other.
func (t Token) After(other Token) bool { return t.Seq > other.Seq }

func (t Token) IsZero() bool { return t.Seq == 0 }

func (t Token) String() string { return strconv.FormatUint(t.Seq, 10) }

func (t Token) Envelope() Envelope {
	return Envelope{Kind: KindInteger, Data: json.RawMessage(strconv.FormatUint(t.Seq, 10))}
}

// FromEnvelope decodes a validated envelope.
func FromEnvelope(e *Envelope) (Token, error) {
	if err := e.Validate(); err != nil {
		return Token{}, err
	}
	var seq uint64
	if err := json.Unmarshal(e.Data, &seq); err != nil {
		return Token{}, fmt.Errorf("cursor: bad sequence: %w", err)
	}
	return Token{Seq: seq}, nil
}

func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Envelope())
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	tok, err := FromEnvelope(&e)
	if err != nil {
		return err
	}
	*t = tok
	return nil
}
