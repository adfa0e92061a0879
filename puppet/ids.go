// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// userIDPlaceholder is replaced by the Telegram id in the username
// template.
const userIDPlaceholder = "{userid}"

// IDMapper converts between Telegram user ids and the default Matrix
// ids of their puppets, "@" + template(id) + ":" + domain.
type IDMapper struct {
	prefix string
	suffix string
	domain string
}

// NewIDMapper parses a username template such as "telegram_{userid}".
func NewIDMapper(template, domain string) (IDMapper, error) {
	prefix, suffix, found := strings.Cut(template, userIDPlaceholder)
	if !found {
		return IDMapper{}, fmt.Errorf("puppet: username template %q lacks %s", template, userIDPlaceholder)
	}
	if strings.Contains(suffix, userIDPlaceholder) {
		return IDMapper{}, fmt.Errorf("puppet: username template %q repeats %s", template, userIDPlaceholder)
	}
	if domain == "" {
		return IDMapper{}, fmt.Errorf("puppet: homeserver domain is required")
	}
	mapper := IDMapper{prefix: prefix, suffix: suffix, domain: domain}
	if _, err := ref.NewUserID(mapper.localpart(1), domain); err != nil {
		return IDMapper{}, fmt.Errorf("puppet: username template %q: %w", template, err)
	}
	return mapper, nil
}

func (m IDMapper) localpart(id telegram.UserID) string {
	return m.prefix + strconv.FormatInt(int64(id), 10) + m.suffix
}

// MXID returns the default Matrix id for a Telegram user.
func (m IDMapper) MXID(id telegram.UserID) ref.UserID {
	userID, err := ref.NewUserID(m.localpart(id), m.domain)
	if err != nil {
		// NewIDMapper validated the template with a sample id, and
		// digits never make a localpart invalid.
		panic(fmt.Sprintf("puppet: default mxid for %d: %v", id, err))
	}
	return userID
}

// Parse returns the Telegram id whose default Matrix id is userID. The
// second result is false for users that are not puppets.
func (m IDMapper) Parse(userID ref.UserID) (telegram.UserID, bool) {
	if userID.Server() != m.domain {
		return 0, false
	}
	localpart := userID.Localpart()
	if !strings.HasPrefix(localpart, m.prefix) || !strings.HasSuffix(localpart, m.suffix) ||
		len(localpart) <= len(m.prefix)+len(m.suffix) {
		return 0, false
	}
	digits := localpart[len(m.prefix) : len(localpart)-len(m.suffix)]
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != digits {
		return 0, false
	}
	return telegram.UserID(id), true
}

// IsPuppet reports whether userID is the default id of some puppet.
func (m IDMapper) IsPuppet(userID ref.UserID) bool {
	_, ok := m.Parse(userID)
	return ok
}
