package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	assert.Regexp(t, semver, Version)
}

func TestString_ContainsBuildInfo(t *testing.T) {
	str := String()

	assert.Contains(t, str, "pdfrag "+Version)
	assert.Contains(t, str, "commit: "+Commit)
	assert.Contains(t, str, runtime.Version())
}

func TestGetInfo_IsJSONSerializable(t *testing.T) {
	// Given: the current build info
	info := GetInfo()

	// When: it is serialized
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: every field is present under its snake_case key
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, Version, parsed["version"])
	assert.Equal(t, Commit, parsed["commit"])
	assert.Equal(t, Date, parsed["date"])
	assert.Equal(t, runtime.Version(), parsed["go_version"])
	assert.Equal(t, runtime.GOOS, parsed["os"])
	assert.Equal(t, runtime.GOARCH, parsed["arch"])
}
