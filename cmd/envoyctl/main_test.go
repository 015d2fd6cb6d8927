package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/koding/multiconfig"
	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptStanzaDefaults(t *testing.T) {
	out := &bytes.Buffer{}
	err := promptStanza(strings.NewReader("\n\n"), out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Specify the hostname or IP address of the Envoy [0.0.0.0]: ")
	assert.Contains(t, out.String(), `Host = "0.0.0.0"`)
	assert.Contains(t, out.String(), `Serial = "00000000"`)
}

func TestPromptStanza(t *testing.T) {
	out := &bytes.Buffer{}
	err := promptStanza(strings.NewReader("192.168.1.14\n121703012345\n"), out)
	require.NoError(t, err)

	stanza := out.String()[strings.Index(out.String(), "# Configuration"):]
	c := &config.Config{}
	err = (&multiconfig.TOMLLoader{Reader: strings.NewReader(stanza)}).Load(c)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.14", c.Host)
	assert.Equal(t, "121703012345", c.Serial)
	assert.Equal(t, 300, c.PollingInterval)
	assert.NoError(t, c.Validate())
}

func TestPrintStanza(t *testing.T) {
	out := &bytes.Buffer{}
	err := printStanza(out, defaultHost, defaultSerial)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `Host = "0.0.0.0"`)
	assert.Contains(t, out.String(), `Serial = "00000000"`)

	c := &config.Config{}
	err = (&multiconfig.TOMLLoader{Reader: out}).Load(c)
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
}
