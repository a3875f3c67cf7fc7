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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApiServer(t *testing.T) (*ApiServer, *coordinatorFixture) {
	t.Helper()
	f := newCoordinatorFixture(t)
	s := &ApiServer{
		logger:      zap.NewNop(),
		config:      f.config,
		store:       f.store,
		coordinator: f.coordinator,
	}
	return s, f
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, vars map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if vars != nil {
		r = mux.SetURLVars(r, vars)
	}
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func TestApiCreateAuction(t *testing.T) {
	s, f := newTestApiServer(t)
	seller := f.store.addUser("seller")

	w := postJSON(t, s.handleCreateAuction, "/auctions", nil, &createAuctionRequest{
		SellerID: seller.String(),
		Items:    []*NewItemParams{{Name: "Vase", StartingPrice: 100}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	view := &AuctionStateView{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), view))
	assert.Equal(t, "CREATED", view.Status)
	assert.Equal(t, seller.String(), view.SellerID)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "PENDING", view.Items[0].Status)
}

func TestApiCreateAuctionInvalidSeller(t *testing.T) {
	s, _ := newTestApiServer(t)

	w := postJSON(t, s.handleCreateAuction, "/auctions", nil, &createAuctionRequest{
		SellerID: uuid.Must(uuid.NewV4()).String(),
		Items:    []*NewItemParams{{Name: "Vase", StartingPrice: 100}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	response := &errorResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), response))
	assert.Equal(t, ReasonNotFound, response.Reason)
}

func TestApiCreateAuctionEmptyItems(t *testing.T) {
	s, f := newTestApiServer(t)
	seller := f.store.addUser("seller")

	w := postJSON(t, s.handleCreateAuction, "/auctions", nil, &createAuctionRequest{
		SellerID: seller.String(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiStartAndExtendFlow(t *testing.T) {
	s, f := newTestApiServer(t)
	seller := f.store.addUser("seller")

	w := postJSON(t, s.handleCreateAuction, "/auctions", nil, &createAuctionRequest{
		SellerID: seller.String(),
		Items:    []*NewItemParams{{Name: "Vase", StartingPrice: 100, DurationSec: 60, ExtraDurationSec: 15}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	view := &AuctionStateView{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), view))
	vars := map[string]string{"id": view.AuctionID}

	// Extend before start is an illegal transition.
	w = postJSON(t, s.handleExtendAuction, "/auctions/"+view.AuctionID+"/extend", vars, &extendAuctionRequest{SellerID: seller.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, s.handleStartAuction, "/auctions/"+view.AuctionID+"/start", vars, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), view))
	assert.Equal(t, "LIVE", view.Status)
	assert.NotZero(t, view.ItemEndTime)

	// Start twice fails.
	w = postJSON(t, s.handleStartAuction, "/auctions/"+view.AuctionID+"/start", vars, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Non-seller extend is rejected.
	w = postJSON(t, s.handleExtendAuction, "/auctions/"+view.AuctionID+"/extend", vars, &extendAuctionRequest{SellerID: f.store.addUser("other").String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, s.handleExtendAuction, "/auctions/"+view.AuctionID+"/extend", vars, &extendAuctionRequest{SellerID: seller.String()})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), view))
	assert.True(t, view.Items[0].Extended)

	// Second extension is rejected.
	w = postJSON(t, s.handleExtendAuction, "/auctions/"+view.AuctionID+"/extend", vars, &extendAuctionRequest{SellerID: seller.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiGetAuctionNotFound(t *testing.T) {
	s, _ := newTestApiServer(t)

	r := httptest.NewRequest(http.MethodGet, "/auctions/unknown", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "not-a-uuid"})
	w := httptest.NewRecorder()
	s.handleGetAuction(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/auctions/unknown", nil)
	r = mux.SetURLVars(r, map[string]string{"id": uuid.Must(uuid.NewV4()).String()})
	w = httptest.NewRecorder()
	s.handleGetAuction(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApiListAuctions(t *testing.T) {
	s, f := newTestApiServer(t)
	seller := f.store.addUser("seller")

	w := postJSON(t, s.handleCreateAuction, "/auctions", nil, &createAuctionRequest{
		SellerID: seller.String(),
		Items:    []*NewItemParams{{Name: "Vase", StartingPrice: 100}, {Name: "Clock", StartingPrice: 50}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/auctions", nil)
	w2 := httptest.NewRecorder()
	s.handleListAuctions(w2, r)
	require.Equal(t, http.StatusOK, w2.Code)

	summaries := []*AuctionSummary{}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "seller", summaries[0].SellerName)
	assert.Equal(t, "Vase", summaries[0].FirstItemName)
	assert.Equal(t, 2, summaries[0].ItemCount)
}

func TestApiUpdateDisplayNameRequiresAuth(t *testing.T) {
	s, _ := newTestApiServer(t)

	r := httptest.NewRequest(http.MethodPut, "/users/me", bytes.NewReader([]byte(`{"displayName":"new"}`)))
	w := httptest.NewRecorder()
	s.handleUpdateDisplayName(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApiUpdateDisplayName(t *testing.T) {
	s, f := newTestApiServer(t)
	token := signIdentityToken(t, f.config.GetSession().IdentitySecret, "ext-9", "original")

	r := httptest.NewRequest(http.MethodPut, "/users/me", bytes.NewReader([]byte(`{"displayName":"renamed"}`)))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.handleUpdateDisplayName(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	response := &userResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), response))
	assert.Equal(t, "renamed", response.DisplayName)
}
