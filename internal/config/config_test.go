package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agri-vision/leafscan-api/internal/intake"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5001", c.Port)
	assert.Equal(t, []string{"*"}, c.AllowOrigins)
	assert.Equal(t, 150, c.ImageSize)
	assert.Equal(t, int64(16<<20), c.MaxUploadBytes)
	assert.Equal(t, intake.NamingSequential, c.NamingScheme)
	assert.True(t, c.EagerLoad)
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOW_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("IMAGE_SIZE", "224")
	t.Setenv("NAMING_SCHEME", "uuid")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com/")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.AllowOrigins)
	assert.Equal(t, 224, c.ImageSize)
	assert.Equal(t, intake.NamingUUID, c.NamingScheme)
	assert.Equal(t, "https://api.example.com", c.PublicBaseURL)
	assert.Equal(t, slog.LevelDebug, c.SlogLevel())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"zero size":      {"IMAGE_SIZE", "0"},
		"negative limit": {"MAX_UPLOAD_BYTES", "-1"},
		"bad scheme":     {"NAMING_SCHEME", "random"},
		"not a number":   {"IMAGE_SIZE", "big"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
