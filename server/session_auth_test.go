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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signIdentityToken(t *testing.T, secret, subject, displayName string) string {
	t.Helper()
	token, err := generateJWTToken(secret, &identityClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return token
}

func TestAuthenticateTokenUpsertsUser(t *testing.T) {
	cfg := NewConfig()
	store := newMemStore()
	token := signIdentityToken(t, cfg.GetSession().IdentitySecret, "ext-1", "alice")

	userID, username, err := AuthenticateToken(context.Background(), zap.NewNop(), cfg, store, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	// The same external identity resolves to the same user on repeat.
	again, _, err := AuthenticateToken(context.Background(), zap.NewNop(), cfg, store, token)
	require.NoError(t, err)
	assert.Equal(t, userID, again)
}

func TestAuthenticateTokenRejectsBadSignature(t *testing.T) {
	cfg := NewConfig()
	store := newMemStore()
	token := signIdentityToken(t, "someothersecret", "ext-1", "alice")

	_, _, err := AuthenticateToken(context.Background(), zap.NewNop(), cfg, store, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticateTokenRejectsExpired(t *testing.T) {
	cfg := NewConfig()
	store := newMemStore()
	token, err := generateJWTToken(cfg.GetSession().IdentitySecret, &identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ext-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)

	_, _, err = AuthenticateToken(context.Background(), zap.NewNop(), cfg, store, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticateTokenRejectsMissingSubject(t *testing.T) {
	cfg := NewConfig()
	store := newMemStore()
	token := signIdentityToken(t, cfg.GetSession().IdentitySecret, "", "alice")

	_, _, err := AuthenticateToken(context.Background(), zap.NewNop(), cfg, store, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestGenerateVideoToken(t *testing.T) {
	cfg := NewConfig()

	// Unconfigured provider refuses issuance.
	_, _, err := GenerateVideoToken(cfg, newTestSession("u").UserID(), "auction:abc", "subscriber")
	assert.ErrorIs(t, err, ErrVideoNotConfigured)

	cfg.Video.AppID = "app-1"
	cfg.Video.AppCertificate = "cert-secret"

	userID := newTestSession("u").UserID()
	token, expiresAt, err := GenerateVideoToken(cfg, userID, "auction:abc", "publisher")
	require.NoError(t, err)
	assert.Greater(t, expiresAt, timeToMs(time.Now()))

	claims := &videoClaims{}
	require.NoError(t, parseJWTToken("cert-secret", token, claims))
	assert.Equal(t, "app-1", claims.AppID)
	assert.Equal(t, "auction:abc", claims.Channel)
	assert.Equal(t, "publisher", claims.Role)
	assert.Equal(t, userID.String(), claims.Subject)
}
