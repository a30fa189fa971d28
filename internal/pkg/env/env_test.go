package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv_PrefersLoadedFile(t *testing.T) {
	Env = map[string]string{"SALONFOX_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })
	t.Setenv("SALONFOX_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("SALONFOX_TEST_KEY", "def"))
}

func TestGetEnv_FallsBackToOSAndDefault(t *testing.T) {
	Env = nil
	t.Setenv("SALONFOX_TEST_OS", "os")

	assert.Equal(t, "os", GetEnv("SALONFOX_TEST_OS", "def"))
	assert.Equal(t, "def", GetEnv("SALONFOX_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"RETRIES":  "5",
		"BAD_INT":  "five",
		"TIMEOUT":  "20s",
		"BAD_DUR":  "soon",
		"NEG_DUR":  "-1s",
		"ENABLED":  "true",
		"BAD_BOOL": "maybe",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 5, GetInt("RETRIES", 3))
	assert.Equal(t, 3, GetInt("BAD_INT", 3))
	assert.Equal(t, 3, GetInt("MISSING_INT", 3))
	assert.Equal(t, 20*time.Second, GetDuration("TIMEOUT", time.Second))
	assert.Equal(t, time.Second, GetDuration("BAD_DUR", time.Second))
	assert.Equal(t, time.Second, GetDuration("NEG_DUR", time.Second))
	assert.True(t, GetBool("ENABLED", false))
	assert.False(t, GetBool("BAD_BOOL", false))
}
