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
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var ErrTokenInvalid = errors.New("token is invalid")

// identityClaims is the payload the identity provider signs. Subject is
// the stable external user id; DisplayName seeds the user row on first
// sight.
type identityClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

func generateJWTToken(signingKey string, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

func parseJWTToken(signingKey, tokenString string, outClaims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, outClaims, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}

// AuthenticateToken verifies a bearer token from the identity provider
// and resolves it to a local user, creating the row on first sight.
func AuthenticateToken(ctx context.Context, logger *zap.Logger, config Config, store Store, token string) (uuid.UUID, string, error) {
	claims := &identityClaims{}
	if err := parseJWTToken(config.GetSession().IdentitySecret, token, claims); err != nil {
		logger.Debug("Could not verify bearer token", zap.Error(err))
		return uuid.Nil, "", ErrTokenInvalid
	}
	externalID := claims.Subject
	if externalID == "" {
		return uuid.Nil, "", ErrTokenInvalid
	}

	displayName := claims.DisplayName
	if displayName == "" {
		displayName = "user-" + externalID
	}
	if len(displayName) > 64 {
		displayName = displayName[:64]
	}

	user, err := store.UpsertUser(ctx, externalID, displayName)
	if err != nil {
		logger.Error("Could not upsert authenticated user", zap.Error(err))
		return uuid.Nil, "", err
	}
	return user.ID, user.DisplayName, nil
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
