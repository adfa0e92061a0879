// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/tgbridge/lib/config"
	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const displayNamePlaceholder = "{displayname}"

var knownNameSources = []string{
	config.NameSourceFullName,
	config.NameSourceFirstName,
	config.NameSourceLastName,
	config.NameSourceUsername,
	config.NameSourcePhone,
}

// nameRenderer turns Telegram name fields into a Matrix display name.
type nameRenderer struct {
	template   string
	preference []string
}

func newNameRenderer(template string, preference []string) (nameRenderer, error) {
	if !strings.Contains(template, displayNamePlaceholder) {
		return nameRenderer{}, fmt.Errorf("puppet: display name template %q lacks %s", template, displayNamePlaceholder)
	}
	if len(preference) == 0 {
		return nameRenderer{}, fmt.Errorf("puppet: display name preference is empty")
	}
	for _, source := range preference {
		if !slices.Contains(knownNameSources, source) {
			return nameRenderer{}, fmt.Errorf("puppet: unknown display name source %q", source)
		}
	}
	return nameRenderer{template: template, preference: slices.Clone(preference)}, nil
}

// render picks the first non-empty preferred name. Deleted accounts get
// a fixed name; with nothing to pick the Telegram id is used.
func (n nameRenderer) render(id telegram.UserID, names telegram.Names, profile *telegram.User) string {
	var name string
	if profile != nil && profile.Deleted {
		name = "Deleted account " + strconv.FormatInt(int64(id), 10)
	} else {
		for _, source := range n.preference {
			name = n.field(source, names, profile)
			if name != "" {
				break
			}
		}
		if name == "" {
			name = strconv.FormatInt(int64(id), 10)
		}
	}
	return strings.ReplaceAll(n.template, displayNamePlaceholder, name)
}

func (n nameRenderer) field(source string, names telegram.Names, profile *telegram.User) string {
	switch source {
	case config.NameSourceFullName:
		return names.FullName()
	case config.NameSourceFirstName:
		return names.FirstName
	case config.NameSourceLastName:
		return names.LastName
	case config.NameSourceUsername:
		return names.Username
	case config.NameSourcePhone:
		if profile != nil && profile.Phone != "" {
			return "+" + strings.TrimPrefix(profile.Phone, "+")
		}
	}
	return ""
}

// UpdateDisplayName applies a name change observed by source and
// reports whether anything needs saving.
//
// The raw name fields are always refreshed. The rendered display name
// is only recomputed when source owns it (set it last) or the profile
// is trustworthy (a full profile without a phone number). An untrusted
// non-owner only claims ownership when nobody holds it. A name-only
// notification is backed by a profile fetched through source when
// source owns the name or the raw fields changed.
func (p *Puppet) UpdateDisplayName(ctx context.Context, source Source, info telegram.NameInfo) bool {
	p.operation.Lock()
	defer p.operation.Unlock()

	names := info.NameFields()
	profile := info.Profile()
	sourceID := source.TelegramID()

	p.mu.Lock()
	rawChanged := p.username != names.Username || p.firstName != names.FirstName || p.lastName != names.LastName
	if rawChanged {
		p.username, p.firstName, p.lastName = names.Username, names.FirstName, names.LastName
	}
	disabled := p.disableUpdates
	owner := p.displayNameSource == sourceID
	p.mu.Unlock()

	changed := rawChanged
	if disabled {
		return changed
	}

	if profile == nil && (owner || rawChanged) {
		fetched, err := source.Transport().GetUser(ctx, p.id)
		if err != nil {
			p.logger.Warn("fetching profile for name update failed",
				"source", sourceID,
				"error", err,
			)
		} else {
			profile = fetched
		}
	}
	trustworthy := profile != nil && profile.Phone == ""

	if !owner && !trustworthy {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.displayNameSource == 0 {
			p.displayNameSource = sourceID
			changed = true
		}
		return changed
	}

	rendered := p.registry.names.render(p.id, names, profile)
	p.mu.Lock()
	if rendered == p.displayName {
		if p.displayNameSource == 0 {
			p.displayNameSource = sourceID
			changed = true
		}
		p.mu.Unlock()
		return changed
	}
	p.displayName = rendered
	p.displayNameSource = sourceID
	p.mu.Unlock()

	p.logger.Debug("display name changed", "display_name", rendered, "source", sourceID)
	intent, err := p.DefaultIntent(ctx)
	if err == nil {
		err = intent.SetDisplayName(ctx, rendered)
	}
	if err != nil {
		p.logger.Warn("setting matrix display name failed", "error", err)
	}
	return true
}

// UpdateAvatar applies a profile photo change observed by source and
// reports whether anything needs saving. A nil photo clears the
// avatar. A new photo is downloaded through source and uploaded to the
// Matrix media repository; if any step fails the photo id is reset so
// the next update retries.
func (p *Puppet) UpdateAvatar(ctx context.Context, source Source, photo *telegram.ProfilePhoto) bool {
	p.operation.Lock()
	defer p.operation.Unlock()

	photoID := ""
	if photo != nil {
		photoID = photo.ID
	}
	p.mu.Lock()
	if p.disableUpdates || photoID == p.photoID {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	avatar, err := p.transferAvatar(ctx, source, photo)
	if err != nil {
		p.logger.Warn("updating avatar failed", "photo_id", photoID, "error", err)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.photoID = ""
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.photoID = photoID
	p.avatarURL = avatar
	return true
}

// transferAvatar sets the default user's avatar to photo and returns
// the content URI, zero for a cleared avatar.
func (p *Puppet) transferAvatar(ctx context.Context, source Source, photo *telegram.ProfilePhoto) (ref.ContentURI, error) {
	intent, err := p.DefaultIntent(ctx)
	if err != nil {
		return ref.ContentURI{}, err
	}
	if photo == nil {
		if err := intent.SetAvatarURL(ctx, ref.ContentURI{}); err != nil {
			return ref.ContentURI{}, fmt.Errorf("clearing avatar: %w", err)
		}
		return ref.ContentURI{}, nil
	}

	data, err := source.Transport().DownloadProfilePhoto(ctx, p.id, photo)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("downloading photo: %w", err)
	}
	contentType := data.MIMEType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	uri, err := intent.UploadMedia(ctx, contentType, bytes.NewReader(data.Data))
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("uploading photo: %w", err)
	}
	if err := intent.SetAvatarURL(ctx, uri); err != nil {
		return ref.ContentURI{}, fmt.Errorf("setting avatar: %w", err)
	}
	return uri, nil
}

// UpdateInfo refreshes the puppet from a full profile fetched by
// source and saves it if anything changed. A profile without a photo
// leaves the avatar alone, since Telegram hides photos by privacy
// setting as well as when they are removed.
func (p *Puppet) UpdateInfo(ctx context.Context, source Source, user *telegram.User) error {
	p.mu.Lock()
	if p.disableUpdates {
		p.mu.Unlock()
		return nil
	}
	changed := p.isBot != user.Bot
	p.isBot = user.Bot
	p.mu.Unlock()

	if p.UpdateDisplayName(ctx, source, user) {
		changed = true
	}
	if user.Photo != nil && p.UpdateAvatar(ctx, source, user.Photo) {
		changed = true
	}
	if !changed {
		return nil
	}
	return p.Save(ctx)
}
