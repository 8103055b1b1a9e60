package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_API_KEY", "test_key_123")
	defer os.Unsetenv("TEST_API_KEY")

	result := expandEnvVars("api_key: ${TEST_API_KEY}")
	assert.Equal(t, "api_key: test_key_123", result)
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
app:
  active_venues: ["HL", "L"]
  engine_type: "simple"

venues:
  HL:
    api_key: "${TEST_HL_API_KEY}"
    secret_key: "${TEST_HL_SECRET_KEY}"
    fee_rate: 0.0002
  L:
    api_key: "test_key"
    secret_key: "test_secret"
    fee_rate: 0.0003

keeper:
  max_position_size_usd: 10000
  leverage: 2.0

system:
  log_level: "INFO"

persistence:
  position_state_dir: "./data"
  sqlite_path: "./data/keeper.db"
`
	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_HL_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_HL_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_HL_API_KEY")
	defer os.Unsetenv("TEST_HL_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, "test_api_key_from_env", cfg.Venues["HL"].APIKey)
	assert.Equal(t, "test_secret_key_from_env", cfg.Venues["HL"].SecretKey)
}

func TestConfig_String_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Venues["HL"] = VenueConfig{APIKey: "my_super_secret_api_key", SecretKey: "my_super_secret_secret_key", FeeRate: 0.0002}

	output := cfg.String()

	assert.Contains(t, output, "****", "output should contain masked characters")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsSingleVenue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.ActiveVenues = []string{"HL"}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsMissingDatabaseURLForDurableEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.EngineType = "durable"
	cfg.App.DatabaseURL = ""
	err := cfg.Validate()
	require.Error(t, err)
}
