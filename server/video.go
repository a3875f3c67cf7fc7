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
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
)

var ErrVideoNotConfigured = errors.New("video provider is not configured")

type videoClaims struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateVideoToken issues a short-lived credential granting the user
// access to the given video channel. The channel id is signed into the
// token, so one credential cannot be replayed across channels; the id
// itself is not checked against any auction room.
func GenerateVideoToken(config Config, userID uuid.UUID, channelID, role string) (string, int64, error) {
	videoConfig := config.GetVideo()
	if videoConfig.AppID == "" || videoConfig.AppCertificate == "" {
		return "", 0, ErrVideoNotConfigured
	}

	expiresAt := time.Now().Add(time.Duration(videoConfig.TokenExpirySec) * time.Second)
	claims := &videoClaims{
		AppID:   videoConfig.AppID,
		Channel: channelID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := generateJWTToken(videoConfig.AppCertificate, claims)
	if err != nil {
		return "", 0, err
	}
	return token, timeToMs(expiresAt), nil
}
