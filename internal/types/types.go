// Package types holds the value objects shared across the gateway:
// persisted rows, their transient decode-time counterparts, and the
// sentinel error kinds used to map failures at the HTTP boundary.
package types

import (
	"time"

	"github.com/pkg/errors"
)

// SmsStatus is the persisted lifecycle state of an Sms row.
type SmsStatus int

const (
	StatusUnread  SmsStatus = 0
	StatusRead    SmsStatus = 1
	StatusLoading SmsStatus = 2
	StatusFailed  SmsStatus = 3
)

// ParseSmsStatus maps a raw database integer to a SmsStatus, defaulting
// unknown values to StatusUnread per the persistence contract.
func ParseSmsStatus(v int) SmsStatus {
	switch SmsStatus(v) {
	case StatusUnread, StatusRead, StatusLoading, StatusFailed:
		return SmsStatus(v)
	default:
		return StatusUnread
	}
}

// Sms is a persisted message row.
type Sms struct {
	ID        int64     `db:"id" json:"id"`
	ContactID string    `db:"contact_id" json:"contact_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Message   string    `db:"message" json:"message"`
	SimID     string    `db:"sim_id" json:"sim_id"`
	Send      bool      `db:"send" json:"send"`
	Status    SmsStatus `db:"status" json:"status"`
}

// Contact is a de-duplicated sender/recipient identity, keyed by name.
type Contact struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// SimCard is a discovered or configured SIM identity.
type SimCard struct {
	ID          string    `db:"id" json:"id"`
	Imsi        *string   `db:"imsi" json:"imsi,omitempty"`
	PhoneNumber *string   `db:"phone_number" json:"phone_number,omitempty"`
	Alias       *string   `db:"alias" json:"alias,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName returns alias if set, else phone number, else a
// SIM-<last4> fallback, per spec.
func (s SimCard) DisplayName() string {
	if s.Alias != nil && *s.Alias != "" {
		return *s.Alias
	}
	if s.PhoneNumber != nil && *s.PhoneNumber != "" {
		return *s.PhoneNumber
	}
	id := s.ID
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return "SIM-" + id
}

// ModemSms is the transient decode result of one CMGL entry, not
// persisted directly: it is transformed into an Sms on bulk insert.
type ModemSms struct {
	Contact   string    // sender text: number or alphanumeric name
	Timestamp time.Time
	Message   string
	Send      bool // always false: inbound only
	SimID     string
	Index     int // originating +CMGL index, diagnostic only
}

// Conversation is the latest-message-per-contact read view.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Message   string    `db:"message" json:"message"`
	Status    SmsStatus `db:"status" json:"status"`
	SimID     string    `db:"sim_id" json:"sim_id"`
}

// SignalQuality is the AT+CSQ result.
type SignalQuality struct {
	RSSI int
	BER  int
}

// NetworkRegistrationStatus is the AT+CREG? result.
type NetworkRegistrationStatus struct {
	Status int
	LAC    *string
	CellID *string
}

// OperatorInfo is the AT+COPS? result.
type OperatorInfo struct {
	Name               string
	ID                 string
	RegistrationStatus int
}

// ModemInfo is the AT+CGMM result.
type ModemInfo struct {
	Model string
}

// ConnectionState is the scheduler's externally-visible state machine
// position.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SmsListKind maps to the AT+CMGL=<n> numeric argument.
type SmsListKind int

const (
	RecUnread SmsListKind = 0
	RecRead   SmsListKind = 1
	StoUnsent SmsListKind = 2
	StoSent   SmsListKind = 3
	All       SmsListKind = 4
)

// Error kinds. Propagation policy and HTTP mapping live in internal/api;
// these sentinels let callers use errors.Is against a stable identity
// while still carrying context via errors.Wrap.
var (
	ErrModemIo        = errors.New("modem io failure")
	ErrModemTimeout   = errors.New("modem command timed out")
	ErrModemRejected  = errors.New("modem rejected command")
	ErrProtocolDecode = errors.New("malformed pdu")
	ErrEncodeTooLong  = errors.New("message exceeds 70 ucs-2 code units")
	ErrNotFound       = errors.New("not found")
	ErrAuthFailure    = errors.New("authentication failed")
	ErrDisconnected   = errors.New("modem disconnected")
)
