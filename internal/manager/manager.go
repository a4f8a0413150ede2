// Package manager owns the fleet of Modem sessions: concurrency-bounded
// startup, sim_id-keyed routing, the SIM-card cache, and the periodic
// fleet-wide poll.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/appmetrics"
	"github.com/mways/smsgatewayd/internal/modem"
	"github.com/mways/smsgatewayd/internal/scheduler"
	"github.com/mways/smsgatewayd/internal/transport"
	"github.com/mways/smsgatewayd/internal/types"
)

const initConcurrency = 3

// DeviceConfig describes one configured serial port.
type DeviceConfig struct {
	ComPort    string
	BaudRate   int
	SmsStorage string
}

// SimCardStore is the subset of persistence the manager needs for SIM
// identity bookkeeping, distinct from modem.Store's per-message needs.
type SimCardStore interface {
	SimCardExists(ctx context.Context, id string) (bool, error)
	GetSimCardsByIDs(ctx context.Context, ids []string) (map[string]types.SimCard, error)
	FindOrCreateSimCard(ctx context.Context, iccid string, imsi, phone *string) error
}

// Manager owns the set of Modem sessions.
type Manager struct {
	log      *zap.Logger
	store    modem.Store
	simStore SimCardStore

	mu     sync.RWMutex
	modems map[string]*modem.Modem

	cacheMu sync.RWMutex
	cache   map[string]types.SimCard

	// dialerOverride lets tests substitute a fake transport dialer per
	// device index instead of opening a real serial port.
	dialerOverride map[int]dialerFunc
}

type dialerFunc func() transport.Dialer

func New(log *zap.Logger, store modem.Store, simStore SimCardStore) *Manager {
	return &Manager{
		log:      log,
		store:    store,
		simStore: simStore,
		modems:   make(map[string]*modem.Modem),
		cache:    make(map[string]types.SimCard),
	}
}

// Initialize opens every configured device, bounded to initConcurrency
// concurrent device initializations. It succeeds iff at least one
// device initializes; per-device failures are logged and skipped.
// Freshly-discovered SIM ids trigger a full catch-up read.
func (mgr *Manager) Initialize(ctx context.Context, devices []DeviceConfig, defaultStorage string) error {
	type outcome struct {
		simID string
		m     *modem.Modem
		isNew bool
	}

	sem := make(chan struct{}, initConcurrency)
	results := make(chan outcome, len(devices))
	var wg sync.WaitGroup

	for i, dev := range devices {
		wg.Add(1)
		go func(i int, dev DeviceConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			storage := dev.SmsStorage
			if storage == "" {
				storage = defaultStorage
			}
			fallbackID := fmt.Sprintf("fallback_sim_%d", i)
			m, simID, isNew, err := mgr.initializeSingle(ctx, i, dev, storage, fallbackID)
			if err != nil {
				mgr.log.Warn("modem init failed", zap.String("com_port", dev.ComPort), zap.Error(err))
				return
			}
			results <- outcome{simID: simID, m: m, isNew: isNew}
		}(i, dev)
	}
	wg.Wait()
	close(results)

	var newSimIDs []string
	for r := range results {
		mgr.mu.Lock()
		mgr.modems[r.simID] = r.m
		mgr.mu.Unlock()
		if r.isNew {
			newSimIDs = append(newSimIDs, r.simID)
		}
	}

	if len(mgr.modems) == 0 {
		return errors.New("no modems were successfully initialized")
	}

	if err := mgr.initSimCache(ctx); err != nil {
		mgr.log.Warn("sim cache init failed", zap.Error(err))
	}

	if len(newSimIDs) > 0 {
		mgr.initNewSimCatchup(ctx, newSimIDs)
	}
	return nil
}

func (mgr *Manager) initializeSingle(ctx context.Context, idx int, dev DeviceConfig, storage, fallbackID string) (*modem.Modem, string, bool, error) {
	var dialer transport.Dialer = transport.SerialDialer{ComPort: dev.ComPort, BaudRate: dev.BaudRate}
	if mgr.dialerOverride != nil {
		if mk, ok := mgr.dialerOverride[idx]; ok {
			dialer = mk()
		}
	}
	sched := scheduler.New(dialer)
	m := modem.New(sched, mgr.store, storage)

	preICCID, _ := m.GetICCID(ctx)
	isNew := false
	if preICCID != "" && mgr.simStore != nil {
		exists, err := mgr.simStore.SimCardExists(ctx, preICCID)
		if err == nil {
			isNew = !exists
		} else {
			isNew = true
		}
	}

	if err := m.Init(ctx); err != nil {
		sched.Close()
		return nil, "", false, err
	}

	simID := m.SimID()
	if simID == "" {
		simID = fallbackID
		mgr.log.Warn("using fallback sim id", zap.String("com_port", dev.ComPort), zap.String("sim_id", simID))
	}
	return m, simID, isNew, nil
}

func (mgr *Manager) initSimCache(ctx context.Context) error {
	if mgr.simStore == nil {
		return nil
	}
	mgr.mu.RLock()
	ids := make([]string, 0, len(mgr.modems))
	for id := range mgr.modems {
		ids = append(ids, id)
	}
	mgr.mu.RUnlock()

	cards, err := mgr.simStore.GetSimCardsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	mgr.cacheMu.Lock()
	mgr.cache = cards
	mgr.cacheMu.Unlock()
	return nil
}

func (mgr *Manager) initNewSimCatchup(ctx context.Context, newSimIDs []string) {
	var wg sync.WaitGroup
	for _, simID := range newSimIDs {
		wg.Add(1)
		go func(simID string) {
			defer wg.Done()
			m, ok := mgr.GetModem(simID)
			if !ok {
				return
			}
			if err := m.ReadAndDispatch(ctx, types.All, nil, nil); err != nil {
				mgr.log.Warn("catch-up read failed", zap.String("sim_id", simID), zap.Error(err))
			}
		}(simID)
	}
	wg.Wait()
}

// GetModem returns the modem registered under sim_id.
func (mgr *Manager) GetModem(simID string) (*modem.Modem, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	m, ok := mgr.modems[simID]
	return m, ok
}

// SimIDs lists every registered sim_id.
func (mgr *Manager) SimIDs() []string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	ids := make([]string, 0, len(mgr.modems))
	for id := range mgr.modems {
		ids = append(ids, id)
	}
	return ids
}

// SendSMS routes a send to the modem owning sim_id.
func (mgr *Manager) SendSMS(ctx context.Context, simID, contact, message string) (int64, string, error) {
	m, ok := mgr.GetModem(simID)
	if !ok {
		return 0, "", errors.Wrapf(types.ErrNotFound, "sim_id %q", simID)
	}
	return m.SendSMS(ctx, contact, message)
}

// PollAll invokes ReadAndDispatch(RecUnread) on every modem
// concurrently; a single modem's failure never aborts the cycle for
// others.
func (mgr *Manager) PollAll(ctx context.Context, notifier modem.Notifier, webhook modem.WebhookSink) {
	mgr.mu.RLock()
	modems := make(map[string]*modem.Modem, len(mgr.modems))
	for k, v := range mgr.modems {
		modems[k] = v
	}
	mgr.mu.RUnlock()

	var wg sync.WaitGroup
	for simID, m := range modems {
		wg.Add(1)
		go func(simID string, m *modem.Modem) {
			defer wg.Done()
			appmetrics.ModemConnectionState.WithLabelValues(simID).Set(float64(m.ConnectionState()))
			if err := m.ReadAndDispatch(ctx, types.RecUnread, notifier, webhook); err != nil {
				mgr.log.Warn("poll failed", zap.String("sim_id", simID), zap.Error(err))
			}
		}(simID, m)
	}
	wg.Wait()
}

// RefreshSimCache re-queries a modem's ICCID/IMSI/phone live, persists
// any of those the sim_cards row does not have yet (stored values are
// kept), and republishes the cache entry for its sim_id.
func (mgr *Manager) RefreshSimCache(ctx context.Context, simID string) (types.SimCard, error) {
	m, ok := mgr.GetModem(simID)
	if !ok {
		return types.SimCard{}, errors.Wrapf(types.ErrNotFound, "sim_id %q", simID)
	}

	iccid, err := m.GetICCID(ctx)
	if err != nil || iccid == "" {
		iccid = simID
	}
	imsi, _ := m.GetIMSI(ctx)
	phone, _ := m.GetPhoneNumber(ctx)

	if mgr.simStore != nil {
		var imsiPtr, phonePtr *string
		if imsi != "" {
			imsiPtr = &imsi
		}
		if phone != "" {
			phonePtr = &phone
		}
		if err := mgr.simStore.FindOrCreateSimCard(ctx, iccid, imsiPtr, phonePtr); err != nil {
			return types.SimCard{}, err
		}
		cards, err := mgr.simStore.GetSimCardsByIDs(ctx, []string{iccid})
		if err != nil {
			return types.SimCard{}, err
		}
		if card, ok := cards[iccid]; ok {
			mgr.UpdateSimCache(card)
			return card, nil
		}
	}
	return types.SimCard{}, errors.Errorf("sim_id %q not found after refresh", simID)
}

// SimCardCached returns the last-published cache entry for sim_id.
func (mgr *Manager) SimCardCached(simID string) (types.SimCard, bool) {
	mgr.cacheMu.RLock()
	defer mgr.cacheMu.RUnlock()
	c, ok := mgr.cache[simID]
	return c, ok
}

// UpdateSimCache publishes a new cache entry, invalidating readers'
// prior view of that sim_id.
func (mgr *Manager) UpdateSimCache(card types.SimCard) {
	mgr.cacheMu.Lock()
	mgr.cache[card.ID] = card
	mgr.cacheMu.Unlock()
}
