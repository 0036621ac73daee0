package record

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the platform a message was imported from.
type Source string

const (
	SourceEmail Source = "email"
	SourceChat  Source = "chat"
	SourceVoice Source = "voice"
	SourceESign Source = "esign"
)

var sources = map[Source]struct{}{
	SourceEmail: {},
	SourceChat:  {},
	SourceVoice: {},
	SourceESign: {},
}

// ParseSource validates a raw source string.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := sources[src]; !ok {
		return "", &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", s)}
	}
	return src, nil
}

// Direction describes which way a message flowed relative to the case holder.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
)

// ParseDirection validates a raw direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionInbound, DirectionOutbound, DirectionSystem:
		return d, nil
	default:
		return "", &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", s)}
	}
}

// IdentifierKind is the closed set of contact identifier kinds.
type IdentifierKind string

const (
	KindEmail     IdentifierKind = "email"     // network address
	KindPhone     IdentifierKind = "phone"     // phone number
	KindHandle    IdentifierKind = "handle"    // messaging handle
	KindSignature IdentifierKind = "signature" // e-signature platform id
	KindVoice     IdentifierKind = "voice"     // voice platform id
	KindOther     IdentifierKind = "other"
)

// ParseKind validates a raw identifier kind string.
func ParseKind(s string) (IdentifierKind, error) {
	switch k := IdentifierKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindEmail, KindPhone, KindHandle, KindSignature, KindVoice, KindOther:
		return k, nil
	default:
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown identifier kind %q", s)}
	}
}

// Role is a party's role on a message.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
	RoleCC        Role = "cc"
	RoleBCC       Role = "bcc"
	RoleSigner    Role = "signer"
	RoleOther     Role = "other"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleSender, RoleRecipient, RoleCC, RoleBCC, RoleSigner, RoleOther:
		return r, nil
	default:
		return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
}

// Participant is one additional party reference on an inbound record beyond
// the primary sender/recipient pair (cc, bcc, signer, ...).
type Participant struct {
	Kind       IdentifierKind `json:"kind"`
	Identifier string         `json:"identifier"`
	Role       Role           `json:"role"`
}

// Attachment is a descriptive file reference carried with a message. It plays
// no part in dedup or threading.
type Attachment struct {
	URL           string `json:"url"`
	MimeType      string `json:"mime_type,omitempty"`
	IntegrityHash string `json:"integrity_hash,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
}

// Input is one normalized message record as delivered by a source adapter.
type Input struct {
	Source           Source         `json:"source"`
	ExternalID       string         `json:"external_id,omitempty"`
	ExternalThreadID string         `json:"external_thread_id,omitempty"`
	Direction        Direction      `json:"direction"`
	SenderKind       IdentifierKind `json:"sender_kind"`
	SenderIdentifier string         `json:"sender_identifier"`
	SenderName       string         `json:"sender_name,omitempty"`
	RecipientKind    IdentifierKind `json:"recipient_kind"`
	RecipientID      string         `json:"recipient_identifier"`
	RecipientName    string         `json:"recipient_name,omitempty"`
	Subject          string         `json:"subject,omitempty"`
	Body             string         `json:"body"`
	SentAt           time.Time      `json:"sent_at"`
	ReceivedAt       *time.Time     `json:"received_at,omitempty"`
	CaseID           string         `json:"case_id,omitempty"`
	Extra            []Participant  `json:"extra_participants,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
}

// Validate rejects a record before it can touch storage.
func (in *Input) Validate() error {
	if _, err := ParseSource(string(in.Source)); err != nil {
		return err
	}
	if _, err := ParseDirection(string(in.Direction)); err != nil {
		return err
	}
	if _, err := ParseKind(string(in.SenderKind)); err != nil {
		return &ValidationError{Field: "sender_kind", Reason: fmt.Sprintf("unknown identifier kind %q", in.SenderKind)}
	}
	if _, err := ParseKind(string(in.RecipientKind)); err != nil {
		return &ValidationError{Field: "recipient_kind", Reason: fmt.Sprintf("unknown identifier kind %q", in.RecipientKind)}
	}
	if strings.TrimSpace(in.SenderIdentifier) == "" {
		return &ValidationError{Field: "sender_identifier", Reason: "required"}
	}
	if strings.TrimSpace(in.RecipientID) == "" {
		return &ValidationError{Field: "recipient_identifier", Reason: "required"}
	}
	if strings.TrimSpace(in.Body) == "" {
		return &ValidationError{Field: "body", Reason: "required"}
	}
	if in.SentAt.IsZero() {
		return &ValidationError{Field: "sent_at", Reason: "required"}
	}
	for i, p := range in.Extra {
		if _, err := ParseKind(string(p.Kind)); err != nil {
			return &ValidationError{Field: fmt.Sprintf("extra_participants[%d].kind", i), Reason: fmt.Sprintf("unknown identifier kind %q", p.Kind)}
		}
		if _, err := ParseRole(string(p.Role)); err != nil {
			return &ValidationError{Field: fmt.Sprintf("extra_participants[%d].role", i), Reason: fmt.Sprintf("unknown role %q", p.Role)}
		}
		if strings.TrimSpace(p.Identifier) == "" {
			return &ValidationError{Field: fmt.Sprintf("extra_participants[%d].identifier", i), Reason: "required"}
		}
	}
	return nil
}
