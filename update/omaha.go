// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"

	"github.com/coreos/go-omaha/omaha"
	"github.com/coreos/go-semver/semver"
)

var (
	ErrNoUpdate  = errors.New("no update available")
	ErrDowngrade = errors.New("offered version is older than the running version")
)

// ParseOmahaResponse decodes an update check response document.
func ParseOmahaResponse(data []byte) (*omaha.Response, error) {
	var resp omaha.Response
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing omaha response: %w", err)
	}
	return &resp, nil
}

// PayloadFromOmaha builds a Payload from the update check response of the
// given app, or of the first app when appID is empty. It also returns the
// payload hash exactly as the server sent it, which identifies the update
// when deciding whether an interrupted attempt may resume.
func PayloadFromOmaha(resp *omaha.Response, appID string) (*Payload, string, error) {
	var app *omaha.AppResponse
	for _, a := range resp.Apps {
		if appID == "" || a.ID == appID {
			app = a
			break
		}
	}
	if app == nil {
		return nil, "", fmt.Errorf("omaha response has no app %q", appID)
	}
	if app.Status != "ok" {
		return nil, "", fmt.Errorf("omaha app status %q", app.Status)
	}
	uc := app.UpdateCheck
	if uc == nil {
		return nil, "", errors.New("omaha response has no updatecheck")
	}
	if uc.Status == "noupdate" {
		return nil, "", ErrNoUpdate
	}
	if uc.Status != "ok" {
		return nil, "", fmt.Errorf("omaha updatecheck status %q", uc.Status)
	}
	if uc.Manifest == nil || len(uc.Manifest.Packages) == 0 {
		return nil, "", errors.New("omaha response has no packages")
	}
	pkg := uc.Manifest.Packages[0]

	var action *omaha.Action
	for _, a := range uc.Manifest.Actions {
		if a.Event == "postinstall" {
			action = a
			break
		}
	}
	if action == nil {
		return nil, "", errors.New("omaha response has no postinstall action")
	}

	hash, err := base64.StdEncoding.DecodeString(action.SHA256)
	if err != nil {
		return nil, "", fmt.Errorf("bad payload hash %q: %w", action.SHA256, err)
	}

	payload := &Payload{
		Size:              pkg.Size,
		Hash:              hash,
		MetadataSignature: action.MetadataSignatureRsa,
		Type:              PayloadFull,
		Version:           uc.Manifest.Version,
	}
	if action.IsDeltaPayload {
		payload.Type = PayloadDelta
	}
	if action.MetadataSize != "" {
		payload.MetadataSize, err = strconv.ParseUint(action.MetadataSize, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("bad metadata size %q: %w", action.MetadataSize, err)
		}
	}
	for _, u := range uc.URLs {
		payload.URLs = append(payload.URLs, u.CodeBase+pkg.Name)
	}
	plog.Infof("omaha offers version %s: %s payload of %d bytes", uc.Manifest.Version, payload.Type, payload.Size)
	return payload, action.SHA256, nil
}

// CheckVersion refuses to install offered when it is older than current.
func CheckVersion(offered, current string) error {
	o, err := semver.NewVersion(offered)
	if err != nil {
		return fmt.Errorf("offered version: %w", err)
	}
	c, err := semver.NewVersion(current)
	if err != nil {
		return fmt.Errorf("current version: %w", err)
	}
	if o.LessThan(*c) {
		return &Error{Code: PayloadTimestampError, Err: fmt.Errorf("%w: %s < %s", ErrDowngrade, o, c)}
	}
	return nil
}
