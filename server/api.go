// Copyright 2024 The Openlot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ApiServer serves the JSON control plane and the realtime socket
// endpoint on the main port.
type ApiServer struct {
	logger      *zap.Logger
	config      Config
	store       Store
	coordinator *Coordinator

	httpServer *http.Server
}

type errorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type createAuctionRequest struct {
	SellerID string           `json:"sellerId"`
	Items    []*NewItemParams `json:"items"`
}

type extendAuctionRequest struct {
	SellerID string `json:"sellerId"`
}

type updateDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

type videoTokenRequest struct {
	ChannelID string `json:"channelId"`
	Role      string `json:"role,omitempty"`
}

type videoTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

type userResponse struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, store Store, coordinator *Coordinator, hub *Hub) *ApiServer {
	s := &ApiServer{
		logger:      logger,
		config:      config,
		store:       store,
		coordinator: coordinator,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthcheck", s.handleHealthcheck).Methods(http.MethodGet)
	router.HandleFunc("/auctions", s.handleCreateAuction).Methods(http.MethodPost)
	router.HandleFunc("/auctions", s.handleListAuctions).Methods(http.MethodGet)
	router.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods(http.MethodGet)
	router.HandleFunc("/auctions/{id}/start", s.handleStartAuction).Methods(http.MethodPost)
	router.HandleFunc("/auctions/{id}/extend", s.handleExtendAuction).Methods(http.MethodPost)
	router.HandleFunc("/users/me", s.handleUpdateDisplayName).Methods(http.MethodPut)
	router.HandleFunc("/video/token", s.handleVideoToken).Methods(http.MethodPost)
	router.HandleFunc("/ws", NewSocketWsHandler(logger, config, store, coordinator, hub)).Methods(http.MethodGet)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(config.GetCORSOrigins()),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.GetPort()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // The socket endpoint holds connections open.
		IdleTimeout:  60 * time.Second,
		Handler:      corsHandler,
	}

	startupLogger.Info("Starting API server for HTTP and realtime requests", zap.Int("port", config.GetPort()))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

func (s *ApiServer) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *ApiServer) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	request := &createAuctionRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "invalid request body")
		return
	}
	sellerID, err := uuid.FromString(request.SellerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonNotFound, "invalid seller id")
		return
	}

	view, err := s.coordinator.CreateAuction(r.Context(), sellerID, request.Items)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *ApiServer) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.coordinator.ListAuctions(r.Context())
	if err != nil {
		s.logger.Error("Failed to list auctions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ReasonInternal, "could not list auctions")
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *ApiServer) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	view, err := s.coordinator.GetAuction(r.Context(), auctionID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *ApiServer) handleStartAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	view, err := s.coordinator.StartAuction(r.Context(), auctionID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *ApiServer) handleExtendAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	request := &extendAuctionRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "invalid request body")
		return
	}
	sellerID, err := uuid.FromString(request.SellerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonPermissionDenied, "invalid seller id")
		return
	}

	view, err := s.coordinator.ExtendItem(r.Context(), auctionID, sellerID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *ApiServer) handleUpdateDisplayName(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	request := &updateDisplayNameRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "invalid request body")
		return
	}
	if request.DisplayName == "" || len(request.DisplayName) > 64 {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "display name must be 1-64 characters")
		return
	}

	user, err := s.store.UpdateDisplayName(r.Context(), userID, request.DisplayName)
	if err != nil {
		if errors.Is(err, ErrDisplayNameInUse) {
			s.writeError(w, http.StatusConflict, "display_name_in_use", "display name already in use")
			return
		}
		if errors.Is(err, ErrUserNotFound) {
			s.writeError(w, http.StatusNotFound, ReasonNotFound, "user not found")
			return
		}
		s.logger.Error("Failed to update display name", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ReasonInternal, "could not update display name")
		return
	}
	s.writeJSON(w, http.StatusOK, &userResponse{UserID: user.ID.String(), DisplayName: user.DisplayName})
}

func (s *ApiServer) handleVideoToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	request := &videoTokenRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "invalid request body")
		return
	}
	if request.ChannelID == "" {
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "channel id is required")
		return
	}
	role := request.Role
	if role == "" {
		role = "subscriber"
	}

	token, expiresAt, err := GenerateVideoToken(s.config, userID, request.ChannelID, role)
	if err != nil {
		if errors.Is(err, ErrVideoNotConfigured) {
			s.writeError(w, http.StatusNotImplemented, "video_not_configured", "video provider is not configured")
			return
		}
		s.logger.Error("Failed to generate video token", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ReasonInternal, "could not generate video token")
		return
	}
	s.writeJSON(w, http.StatusOK, &videoTokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *ApiServer) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	token, found := bearerToken(r)
	if !found {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return uuid.Nil, false
	}
	userID, _, err := AuthenticateToken(r.Context(), s.logger, s.config, s.store, token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
		return uuid.Nil, false
	}
	return userID, true
}

func (s *ApiServer) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	auctionID, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, ReasonNotFound, "invalid auction id")
		return uuid.Nil, false
	}
	return auctionID, true
}

func (s *ApiServer) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAuctionNotFound):
		s.writeError(w, http.StatusNotFound, ReasonNotFound, "auction not found")
	case errors.Is(err, ErrUserNotFound):
		s.writeError(w, http.StatusBadRequest, ReasonNotFound, "seller not found")
	case errors.Is(err, ErrNoItems):
		s.writeError(w, http.StatusBadRequest, ReasonIllegalTransition, "auction has no items")
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNotLive), errors.Is(err, ErrNoLiveItem):
		s.writeError(w, http.StatusBadRequest, ReasonIllegalTransition, err.Error())
	case errors.Is(err, ErrAlreadyExtended):
		s.writeError(w, http.StatusBadRequest, ReasonAlreadyExtended, "item has already been extended")
	case errors.Is(err, ErrPermissionDenied):
		s.writeError(w, http.StatusBadRequest, ReasonPermissionDenied, "only the seller may do that")
	case errors.Is(err, ErrInvariant):
		s.writeError(w, http.StatusBadRequest, ReasonInternal, "invalid auction parameters")
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, ReasonUnavailable, "temporarily unavailable, retry shortly")
	default:
		s.logger.Error("Unhandled coordinator error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ReasonInternal, "internal error")
	}
}

func (s *ApiServer) writeError(w http.ResponseWriter, status int, reason, message string) {
	s.writeJSON(w, status, &errorResponse{Reason: reason, Message: message})
}

func (s *ApiServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response body", zap.Error(err))
	}
}
