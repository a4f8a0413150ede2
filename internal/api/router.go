// Package api exposes the gateway's HTTP/SSE surface: gorilla/mux
// routes, Basic auth, and JSON handlers over the store, manager, and
// SSE broadcaster collaborators.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/manager"
	"github.com/mways/smsgatewayd/internal/sse"
	"github.com/mways/smsgatewayd/internal/store"
)

// Deps bundles every collaborator a handler might need.
type Deps struct {
	Log         *zap.Logger
	Store       *store.Store
	Manager     *manager.Manager
	Broadcaster *sse.Broadcaster
	Username    string
	Password    string
}

// NewRouter builds the full route table, with Basic auth applied to
// every /api/* route.
func NewRouter(deps *Deps) *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(true)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return basicAuth(deps.Username, deps.Password, next)
	})

	api.HandleFunc("/check", handleCheck).Methods(http.MethodGet)

	api.HandleFunc("/sms", handleListSms(deps)).Methods(http.MethodGet)
	api.HandleFunc("/sms", handleSendSms(deps)).Methods(http.MethodPost)
	api.HandleFunc("/sms/sse", handleSSE(deps)).Methods(http.MethodGet)

	api.HandleFunc("/sims/info", handleSimsInfo(deps)).Methods(http.MethodGet)
	api.HandleFunc("/sims/{id}/info", handleSimInfo(deps)).Methods(http.MethodGet)
	api.HandleFunc("/sims/{id}/refresh", handleSimRefresh(deps)).Methods(http.MethodGet)
	api.HandleFunc("/sims/{id}/storage", handleGetStorage(deps)).Methods(http.MethodGet)
	api.HandleFunc("/sims/{id}/storage", handleSetStorage(deps)).Methods(http.MethodPut)

	api.HandleFunc("/contacts", handleListContacts(deps)).Methods(http.MethodGet)
	api.HandleFunc("/contacts", handleCreateContact(deps)).Methods(http.MethodPost)
	api.HandleFunc("/contacts/{id}", handleDeleteContact(deps)).Methods(http.MethodDelete)

	api.HandleFunc("/conversation", handleConversations(deps)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/unread", handleMarkUnread(deps)).Methods(http.MethodPost)

	api.HandleFunc("/sim-cards/{id}/alias", handleSetAlias(deps)).Methods(http.MethodPut)
	api.HandleFunc("/sim-cards/{id}/phone", handleSetPhone(deps)).Methods(http.MethodPut)

	return r
}
