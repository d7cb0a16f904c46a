// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package acs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidConnectionString = errors.New("invalid communication services connection string")

// Credential is the parsed form of "endpoint=https://...;accesskey=..."
type Credential struct {
	Endpoint  *url.URL
	AccessKey []byte
}

// ParseConnectionString extracts the resource endpoint and decoded access key
func ParseConnectionString(cs string) (Credential, error) {
	var endpoint, key string
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = v
		case "accesskey":
			// base64 keys may end in '=' so take the remainder verbatim
			key = v
		}
	}
	if endpoint == "" || key == "" {
		return Credential{}, ErrInvalidConnectionString
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Credential{}, fmt.Errorf("%w: bad endpoint %q", ErrInvalidConnectionString, endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: access key is not base64: %w", ErrInvalidConnectionString, err)
	}
	return Credential{Endpoint: u, AccessKey: decoded}, nil
}

// SignRequest returns the HMAC-SHA256 headers the service expects on every call
func (c Credential) SignRequest(method string, target *url.URL, body []byte, now time.Time) http.Header {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := now.UTC().Format(http.TimeFormat)

	pathAndQuery := target.EscapedPath()
	if target.RawQuery != "" {
		pathAndQuery += "?" + target.RawQuery
	}
	stringToSign := method + "\n" + pathAndQuery + "\n" + date + ";" + target.Host + ";" + contentHash

	mac := hmac.New(sha256.New, c.AccessKey)
	_, _ = mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	h := make(http.Header)
	h.Set("x-ms-date", date)
	h.Set("x-ms-content-sha256", contentHash)
	h.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
	return h
}
