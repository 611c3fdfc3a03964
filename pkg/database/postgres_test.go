package database

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "auth",
		Password: "p@ss word/#1",
		Name:     "vehicle_insurance",
		SSLMode:  "require",
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5433", u.Host)
	assert.Equal(t, "/vehicle_insurance", u.Path)
	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss word/#1", pass)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, applicationName, u.Query().Get("application_name"))
}

func TestDSNDefaultsSSLMode(t *testing.T) {
	u, err := url.Parse(DSN(config.DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", Name: "db"}))
	require.NoError(t, err)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
}
