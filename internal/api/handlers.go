package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error-kinds design (spec.md §7) to HTTP status.
func writeError(log *zap.Logger, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrAuthFailure):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, types.ErrEncodeTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrModemTimeout), errors.Is(err, types.ErrModemRejected),
		errors.Is(err, types.ErrDisconnected), errors.Is(err, types.ErrModemIo):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Warn("api request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func handleCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type smsListResponse struct {
	Data    []types.Sms `json:"data"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
}

func handleListSms(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := queryInt(q, "page", 1)
		perPage := queryInt(q, "per_page", 50)
		contactID := q.Get("contact_id")

		var rows []types.Sms
		var err error
		if page <= 1 && contactID != "" {
			rows, err = deps.Store.MarkContactPageOneRead(r.Context(), contactID, perPage)
		} else {
			rows, _, err = deps.Store.ListSms(r.Context(), contactID, page, perPage)
		}
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		_, total, err := deps.Store.ListSms(r.Context(), contactID, page, perPage)
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, smsListResponse{Data: rows, Total: total, Page: page, PerPage: perPage})
	}
}

type sendSmsRequest struct {
	SimID   string `json:"sim_id"`
	Contact string `json:"contact"`
	Message string `json:"message"`
	New     bool   `json:"new"`
}

type sendSmsResponse struct {
	SmsID     int64  `json:"sms_id"`
	ContactID string `json:"contact_id"`
}

func handleSendSms(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendSmsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		smsID, contactID, err := deps.Manager.SendSMS(r.Context(), req.SimID, req.Contact, req.Message)
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, sendSmsResponse{SmsID: smsID, ContactID: contactID})
	}
}

type simInfo struct {
	SimID       string  `json:"sim_id"`
	DisplayName string  `json:"display_name"`
	Imsi        *string `json:"imsi,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	Alias       *string `json:"alias,omitempty"`
}

func simInfoFromCache(deps *Deps, simID string) (simInfo, bool) {
	card, ok := deps.Manager.SimCardCached(simID)
	if !ok {
		return simInfo{}, false
	}
	return simInfo{
		SimID:       simID,
		DisplayName: card.DisplayName(),
		Imsi:        card.Imsi,
		PhoneNumber: card.PhoneNumber,
		Alias:       card.Alias,
	}, true
}

func handleSimsInfo(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := deps.Manager.SimIDs()
		infos := make([]simInfo, 0, len(ids))
		for _, id := range ids {
			if info, ok := simInfoFromCache(deps, id); ok {
				infos = append(infos, info)
			}
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

func handleSimInfo(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		info, ok := simInfoFromCache(deps, id)
		if !ok {
			writeError(deps.Log, w, errors.Wrapf(types.ErrNotFound, "sim_id %q", id))
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleSimRefresh(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		card, err := deps.Manager.RefreshSimCache(r.Context(), id)
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
	}
}

type storageResponse struct {
	Storage string `json:"storage"`
}

func handleGetStorage(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		m, ok := deps.Manager.GetModem(id)
		if !ok {
			writeError(deps.Log, w, errors.Wrapf(types.ErrNotFound, "sim_id %q", id))
			return
		}
		writeJSON(w, http.StatusOK, storageResponse{Storage: m.Storage()})
	}
}

func handleSetStorage(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		m, ok := deps.Manager.GetModem(id)
		if !ok {
			writeError(deps.Log, w, errors.Wrapf(types.ErrNotFound, "sim_id %q", id))
			return
		}
		var req storageResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := m.SetStorage(r.Context(), req.Storage); err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, storageResponse{Storage: req.Storage})
	}
}

func handleListContacts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts, err := deps.Store.ListContacts(r.Context())
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, contacts)
	}
}

type createContactRequest struct {
	Name string `json:"name"`
}

func handleCreateContact(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		contact, err := deps.Store.CreateContact(r.Context(), req.Name)
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusCreated, contact)
	}
}

func handleDeleteContact(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := deps.Store.DeleteContact(r.Context(), id); err != nil {
			writeError(deps.Log, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleConversations(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convos, err := deps.Store.Conversations(r.Context())
		if err != nil {
			writeError(deps.Log, w, err)
			return
		}
		writeJSON(w, http.StatusOK, convos)
	}
}

func handleMarkUnread(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := deps.Store.MarkContactUnread(r.Context(), id); err != nil {
			writeError(deps.Log, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func handleSetAlias(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req aliasRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := deps.Store.UpdateSimCardAlias(r.Context(), id, req.Alias); err != nil {
			writeError(deps.Log, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

func handleSetPhone(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req phoneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := deps.Store.UpdateSimCardPhone(r.Context(), id, req.Phone); err != nil {
			writeError(deps.Log, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryInt(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}
