// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package apikey issues and validates long-lived API keys. Only a bcrypt
// hash and a short preview of each raw key are ever persisted; the raw
// key crosses the API exactly once, at creation or rotation.
package apikey

import (
	"time"
)

// Key is the persisted record of one API key.
type Key struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	UserID      string   `json:"userId"`
	KeyHash     string   `json:"keyHash"`
	KeyPreview  string   `json:"keyPreview"`
	Scopes      []string `json:"scopes,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	IsActive    bool     `json:"isActive"`

	// ExpiresAt zero means the key never expires.
	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	UsageCount int64     `json:"usageCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the key has an expiry in the past.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !k.ExpiresAt.After(now)
}

func (k *Key) clone() *Key {
	out := *k
	out.Scopes = append([]string(nil), k.Scopes...)
	out.Permissions = append([]string(nil), k.Permissions...)
	if k.Metadata != nil {
		out.Metadata = make(map[string]string, len(k.Metadata))
		for key, v := range k.Metadata {
			out.Metadata[key] = v
		}
	}
	return &out
}

// Summary is the listing view of a key. It never carries the hash.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"userId"`
	KeyPreview string    `json:"keyPreview"`
	Scopes     []string  `json:"scopes,omitempty"`
	IsActive   bool      `json:"isActive"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	UsageCount int64     `json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (k *Key) summary() Summary {
	return Summary{
		ID:         k.ID,
		Name:       k.Name,
		UserID:     k.UserID,
		KeyPreview: k.KeyPreview,
		Scopes:     append([]string(nil), k.Scopes...),
		IsActive:   k.IsActive,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		UsageCount: k.UsageCount,
		CreatedAt:  k.CreatedAt,
	}
}

func recordKey(id string) string {
	return "apikey:" + id
}

func usageKey(id string) string {
	return "apikey:" + id + ":usage"
}

func userKeysKey(userID string) string {
	return "user:" + userID + ":apikeys"
}

func previewKey(preview string) string {
	return "apikey:preview:" + preview
}

// pendingRevokeKey is the set of key ids awaiting compensating
// revocation after a partially failed rotation.
const pendingRevokeKey = "apikey:pending-revoke"
