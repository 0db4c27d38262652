/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"bytes"
	"runtime"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time with -ldflags "-X".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

// Timestamp serializes as an RFC 3339 string, or null when zero.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte("\"" + t.Format(time.RFC3339) + "\""), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	// By convention, unmarshaling null is a no-op.
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	parsed, err := time.Parse("\""+time.RFC3339+"\"", string(data))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type VersionOutput struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  Timestamp `json:"buildTimestamp"`
	GoVersion  string    `json:"goVersion"`
	Platform   string    `json:"platform"`

	// DAPVersion is the version of the Debug Adapter Protocol the client implements.
	DAPVersion string `json:"dapVersion"`
}

const dapProtocolVersion = "1.65"

func Version() VersionOutput {
	productVersion := ProductVersion
	if productVersion == "" {
		productVersion = DevelopmentVersion
	}

	return VersionOutput{
		Version:    productVersion,
		CommitHash: CommitHash,
		BuildTime:  Timestamp{parseBuildTimestamp(BuildTimestamp)},
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		DAPVersion: dapProtocolVersion,
	}
}

// parseBuildTimestamp accepts Unix seconds or RFC 3339.
func parseBuildTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC()
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	return time.Time{}
}
