// Package modem presents typed AT operations over a scheduler: init
// sequence, SIM discovery, typed queries, PDU send/list, and the
// periodic read-and-dispatch pipeline.
package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mways/smsgatewayd/internal/appmetrics"
	"github.com/mways/smsgatewayd/internal/pdu"
	"github.com/mways/smsgatewayd/internal/scheduler"
	"github.com/mways/smsgatewayd/internal/types"
)

// Store is the subset of persistence the modem facade needs, kept
// narrow and explicit rather than threading a whole *sqlx.DB through.
type Store interface {
	InsertLoadingSms(ctx context.Context, contactName, message, simID string) (smsID int64, contactID string, err error)
	UpdateSmsStatus(ctx context.Context, smsID int64, status types.SmsStatus) error
	BulkInsertModemSms(ctx context.Context, msgs []types.ModemSms) (contactIDs []string, err error)
	FindOrCreateSimCard(ctx context.Context, iccid string, imsi, phone *string) error
}

// Notifier publishes newly affected conversations, e.g. over SSE.
type Notifier interface {
	NotifyContacts(ctx context.Context, contactIDs []string)
}

// WebhookSink receives inbound messages for filter/template dispatch.
type WebhookSink interface {
	Submit(msg types.ModemSms)
}

// Modem is one serial-attached GSM modem session.
type Modem struct {
	sched      *scheduler.Scheduler
	store      Store
	smsStorage string

	mu    sync.RWMutex
	simID string
}

// New wraps an already-constructed scheduler. smsStorage is the
// optional AT+CPMS store name ("SM", "ME", "MT", or "" to skip).
func New(sched *scheduler.Scheduler, store Store, smsStorage string) *Modem {
	return &Modem{sched: sched, store: store, smsStorage: smsStorage}
}

func (m *Modem) SimID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.simID
}

func (m *Modem) setSimID(id string) {
	m.mu.Lock()
	m.simID = id
	m.mu.Unlock()
}

func (m *Modem) cmd(ctx context.Context, command string) (string, error) {
	resp, err := m.sched.Submit(ctx, []byte(command+"\r"), 0)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	appmetrics.ATCommandsTotal.WithLabelValues(m.SimID(), outcome).Inc()
	return resp, err
}

// ConnectionState reports the underlying scheduler's connection state,
// for the per-sim metrics gauge.
func (m *Modem) ConnectionState() types.ConnectionState {
	return m.sched.State()
}

// Init runs the ordered initialization sequence and, non-fatally,
// SIM discovery.
func (m *Modem) Init(ctx context.Context) error {
	steps := []string{"ATE0", "AT+CMEE=1", "AT+CMGF=0", `AT+CSCS="UCS2"`}
	for _, s := range steps {
		if _, err := m.cmd(ctx, s); err != nil {
			return errors.Wrapf(err, "init step %q", s)
		}
	}
	if m.smsStorage != "" {
		q := fmt.Sprintf(`AT+CPMS="%s","%s","%s"`, m.smsStorage, m.smsStorage, m.smsStorage)
		if _, err := m.cmd(ctx, q); err != nil {
			return errors.Wrap(err, "set sms storage")
		}
	}
	// SIM discovery is non-fatal: log-worthy but doesn't abort init.
	_ = m.discoverSim(ctx)
	return nil
}

// discoverSim issues ICCID/IMSI/CNUM concurrently and persists a
// SimCard row when the ICCID is seen for the first time.
func (m *Modem) discoverSim(ctx context.Context) error {
	var iccid, imsi, phone string
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); iccid, _ = m.GetICCID(ctx) }()
	go func() { defer wg.Done(); imsi, _ = m.GetIMSI(ctx) }()
	go func() { defer wg.Done(); phone, _ = m.GetPhoneNumber(ctx) }()
	wg.Wait()

	if iccid == "" {
		return errors.New("no iccid discovered")
	}
	m.setSimID(iccid)

	var imsiPtr, phonePtr *string
	if imsi != "" {
		imsiPtr = &imsi
	}
	if phone != "" {
		phonePtr = &phone
	}
	if m.store != nil {
		return m.store.FindOrCreateSimCard(ctx, iccid, imsiPtr, phonePtr)
	}
	return nil
}

var ccidRe = regexp.MustCompile(`(?i)(?:\+?CCID:\s*)?([0-9A-F]{19,20})`)

// GetICCID issues AT+CCID and extracts the 19-20 hex digit ICCID.
func (m *Modem) GetICCID(ctx context.Context) (string, error) {
	resp, err := m.cmd(ctx, "AT+CCID")
	if err != nil {
		return "", err
	}
	match := ccidRe.FindStringSubmatch(resp)
	if match == nil {
		return "", errors.New("no iccid in response")
	}
	return match[1], nil
}

var imsiRe = regexp.MustCompile(`(\d{15,})`)

// GetIMSI issues AT+CIMI and extracts the IMSI.
func (m *Modem) GetIMSI(ctx context.Context) (string, error) {
	resp, err := m.cmd(ctx, "AT+CIMI")
	if err != nil {
		return "", err
	}
	match := imsiRe.FindStringSubmatch(resp)
	if match == nil {
		return "", errors.New("no imsi in response")
	}
	return match[1], nil
}

var cnumRe = regexp.MustCompile(`\+CNUM:\s*"[^"]*",\s*"([^"]*)"`)

// GetPhoneNumber issues AT+CNUM and extracts field 2 (MSISDN).
func (m *Modem) GetPhoneNumber(ctx context.Context) (string, error) {
	resp, err := m.cmd(ctx, "AT+CNUM")
	if err != nil {
		return "", err
	}
	match := cnumRe.FindStringSubmatch(resp)
	if match == nil {
		return "", errors.New("no phone number in response")
	}
	return match[1], nil
}

// GetSignalQuality issues AT+CSQ.
func (m *Modem) GetSignalQuality(ctx context.Context) (types.SignalQuality, error) {
	resp, err := m.cmd(ctx, "AT+CSQ")
	if err != nil {
		return types.SignalQuality{}, err
	}
	re := regexp.MustCompile(`\+CSQ:\s*(\d+),(\d+)`)
	match := re.FindStringSubmatch(resp)
	if match == nil {
		return types.SignalQuality{}, errors.New("malformed CSQ response")
	}
	rssi, _ := strconv.Atoi(match[1])
	ber, _ := strconv.Atoi(match[2])
	return types.SignalQuality{RSSI: rssi, BER: ber}, nil
}

// GetNetworkRegistration issues AT+CREG?.
func (m *Modem) GetNetworkRegistration(ctx context.Context) (types.NetworkRegistrationStatus, error) {
	resp, err := m.cmd(ctx, "AT+CREG?")
	if err != nil {
		return types.NetworkRegistrationStatus{}, err
	}
	re := regexp.MustCompile(`\+CREG:\s*\d+,(\d+)(?:,"([0-9A-Fa-f]+)","([0-9A-Fa-f]+)")?`)
	match := re.FindStringSubmatch(resp)
	if match == nil {
		return types.NetworkRegistrationStatus{}, errors.New("malformed CREG response")
	}
	status, _ := strconv.Atoi(match[1])
	out := types.NetworkRegistrationStatus{Status: status}
	if match[2] != "" {
		lac := match[2]
		out.LAC = &lac
	}
	if match[3] != "" {
		cell := match[3]
		out.CellID = &cell
	}
	return out, nil
}

// GetOperator issues AT+COPS?.
func (m *Modem) GetOperator(ctx context.Context) (types.OperatorInfo, error) {
	resp, err := m.cmd(ctx, "AT+COPS?")
	if err != nil {
		return types.OperatorInfo{}, err
	}
	re := regexp.MustCompile(`\+COPS:\s*(\d+)(?:,\d+,"([^"]*)")?`)
	match := re.FindStringSubmatch(resp)
	if match == nil {
		return types.OperatorInfo{}, errors.New("malformed COPS response")
	}
	status, _ := strconv.Atoi(match[1])
	return types.OperatorInfo{Name: match[2], RegistrationStatus: status}, nil
}

// GetModemInfo issues AT+CGMM.
func (m *Modem) GetModemInfo(ctx context.Context) (types.ModemInfo, error) {
	resp, err := m.cmd(ctx, "AT+CGMM")
	if err != nil {
		return types.ModemInfo{}, err
	}
	return types.ModemInfo{Model: firstNonEmptyLine(resp)}, nil
}

// GetSmsCenter issues AT+CSCA?.
func (m *Modem) GetSmsCenter(ctx context.Context) (string, error) {
	resp, err := m.cmd(ctx, "AT+CSCA?")
	if err != nil {
		return "", err
	}
	re := regexp.MustCompile(`\+CSCA:\s*"([^"]*)"`)
	match := re.FindStringSubmatch(resp)
	if match == nil {
		return "", errors.New("malformed CSCA response")
	}
	return match[1], nil
}

// GetSimStatus issues AT+CPIN?.
func (m *Modem) GetSimStatus(ctx context.Context) (string, error) {
	resp, err := m.cmd(ctx, "AT+CPIN?")
	if err != nil {
		return "", err
	}
	idx := strings.Index(resp, ":")
	if idx < 0 {
		return "", errors.New("malformed CPIN response")
	}
	return strings.TrimSpace(strings.SplitN(resp[idx+1:], "\r", 2)[0]), nil
}

// GetMemoryStatus issues AT+CPMS? and returns the raw line.
func (m *Modem) GetMemoryStatus(ctx context.Context) (string, error) {
	return m.cmd(ctx, "AT+CPMS?")
}

// Storage returns the configured AT+CPMS store name.
func (m *Modem) Storage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.smsStorage
}

// SetStorage issues AT+CPMS with the new store name for read, write,
// and receive storage alike, and remembers it for subsequent polls.
func (m *Modem) SetStorage(ctx context.Context, storage string) error {
	q := fmt.Sprintf(`AT+CPMS="%s","%s","%s"`, storage, storage, storage)
	if _, err := m.cmd(ctx, q); err != nil {
		return errors.Wrap(err, "set sms storage")
	}
	m.mu.Lock()
	m.smsStorage = storage
	m.mu.Unlock()
	return nil
}

// GetCellInfo issues AT+CPSI? and returns the raw line.
func (m *Modem) GetCellInfo(ctx context.Context) (string, error) {
	return m.cmd(ctx, "AT+CPSI?")
}

// GetTemperature issues AT+QTEMP? and returns the raw line.
func (m *Modem) GetTemperature(ctx context.Context) (string, error) {
	return m.cmd(ctx, "AT+QTEMP?")
}

func firstNonEmptyLine(s string) string {
	for _, l := range strings.Split(s, "\r\n") {
		l = strings.TrimSpace(l)
		if l != "" && l != "OK" {
			return l
		}
	}
	return ""
}

// SendSMS persists a Loading row, encodes and transmits the PDU, then
// transitions the row to Read or Failed. Messages over 70 UCS-2 code
// units are rejected by the codec before anything is transmitted.
func (m *Modem) SendSMS(ctx context.Context, contact, message string) (smsID int64, contactID string, err error) {
	simID := m.SimID()
	smsID, contactID, err = m.store.InsertLoadingSms(ctx, contact, message, simID)
	if err != nil {
		return 0, "", errors.Wrap(err, "insert loading sms")
	}

	hexPDU, tpduLength, err := pdu.Encode(contact, message)
	if err != nil {
		m.store.UpdateSmsStatus(ctx, smsID, types.StatusFailed)
		appmetrics.SmsSentTotal.WithLabelValues(simID, "error").Inc()
		return smsID, contactID, err
	}

	promptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = m.sched.Submit(promptCtx, []byte(fmt.Sprintf("AT+CMGS=%d\r", tpduLength)), 0)
	if err != nil {
		m.store.UpdateSmsStatus(ctx, smsID, types.StatusFailed)
		appmetrics.SmsSentTotal.WithLabelValues(simID, "error").Inc()
		return smsID, contactID, errors.Wrap(err, "cmgs prompt")
	}

	finalCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	_, err = m.sched.Submit(finalCtx, append([]byte(hexPDU), 0x1A), 0)
	if err != nil {
		m.store.UpdateSmsStatus(ctx, smsID, types.StatusFailed)
		appmetrics.SmsSentTotal.WithLabelValues(simID, "error").Inc()
		return smsID, contactID, errors.Wrap(err, "cmgs body")
	}

	if err := m.store.UpdateSmsStatus(ctx, smsID, types.StatusRead); err != nil {
		return smsID, contactID, err
	}
	appmetrics.SmsSentTotal.WithLabelValues(simID, "ok").Inc()
	return smsID, contactID, nil
}

// ListSMS issues AT+CMGL=<kind> and decodes the result.
func (m *Modem) ListSMS(ctx context.Context, kind types.SmsListKind) ([]types.ModemSms, error) {
	resp, err := m.cmd(ctx, fmt.Sprintf("AT+CMGL=%d", int(kind)))
	if err != nil {
		return nil, err
	}
	return pdu.DecodeList(resp, m.SimID()), nil
}

// ReadAndDispatch lists messages, fans them out to the webhook sink
// and bulk-inserts them, then notifies subscribers of affected
// conversations. Webhook dispatch and persistence run concurrently;
// their relative order is not guaranteed.
func (m *Modem) ReadAndDispatch(ctx context.Context, kind types.SmsListKind, notifier Notifier, webhook WebhookSink) error {
	msgs, err := m.ListSMS(ctx, kind)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	appmetrics.SmsReceivedTotal.WithLabelValues(m.SimID()).Add(float64(len(msgs)))

	var wg sync.WaitGroup
	wg.Add(2)
	var contactIDs []string
	var insertErr error

	go func() {
		defer wg.Done()
		if webhook == nil {
			return
		}
		for _, msg := range msgs {
			webhook.Submit(msg)
		}
	}()
	go func() {
		defer wg.Done()
		contactIDs, insertErr = m.store.BulkInsertModemSms(ctx, msgs)
	}()
	wg.Wait()

	if insertErr != nil {
		return insertErr
	}
	if notifier != nil && len(contactIDs) > 0 {
		notifier.NotifyContacts(ctx, contactIDs)
	}
	return nil
}
