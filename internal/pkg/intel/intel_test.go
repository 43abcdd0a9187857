package intel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	tables := Default()
	label, ok := tables.LookupJA3("72A589DA586844D7F0818CE684948EEA")
	assert.True(t, ok)
	assert.Equal(t, "Metasploit", label)

	_, ok = tables.LookupJA3S("0000")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("certificates:\n  \"AA:BB:CC\": botnet\n"), 0o600))

	tables, err := Load(path)
	require.NoError(t, err)
	label, ok := tables.LookupCertificate("aa:bb:cc")
	assert.True(t, ok)
	assert.Equal(t, "botnet", label)
	assert.Empty(t, tables.JA3)

	_, err = Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)

	tables, err = Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, tables.JA3)
}

func TestNilTables(t *testing.T) {
	var tables *Tables
	_, ok := tables.LookupCertificate("x")
	assert.False(t, ok)
}
