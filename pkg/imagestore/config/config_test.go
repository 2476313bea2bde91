package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/imagestore/pkg/imagestore"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "fs", cfg.StorageType)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("ENVIRONMENT", "testing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.StorageType)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{"defaults are valid", func(c *ServerConfig) {}, false},
		{"unknown storage type", func(c *ServerConfig) { c.StorageType = "tape" }, true},
		{"fs without dir", func(c *ServerConfig) { c.StorageType = "fs"; c.StorageDir = "" }, true},
		{"s3 without bucket", func(c *ServerConfig) { c.StorageType = "s3" }, true},
		{"production without jwt secret", func(c *ServerConfig) { c.Environment = "production" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ServerConfig{
				Port:        "8080",
				Environment: "development",
				StorageType: "fs",
				StorageDir:  t.TempDir(),
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildServiceWithMemoryBackends(t *testing.T) {
	cfg := ServerConfig{
		Port:        "8080",
		Environment: "testing",
		StorageType: "memory",
	}

	clinics := imagestore.NewStaticClinicDirectory()
	clinics.AddClinic(1, 1)

	svc, err := cfg.BuildService(clinics, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}
