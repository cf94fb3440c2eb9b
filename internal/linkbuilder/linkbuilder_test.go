package linkbuilder_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/linkbuilder"
)

func fullConfig() config.LinkConfig {
	return config.LinkConfig{
		PublicHost:  "vpn.example.com",
		PublicPort:  "443",
		RealitySNI:  "www.microsoft.com",
		RealityPBK:  "pbk-value",
		RealitySID:  "sid-value",
		RealityFP:   "chrome",
		DefaultFlow: "xtls-rprx-vision",
	}
}

func TestBuildProducesValidVlessURI(t *testing.T) {
	link, err := linkbuilder.Build(fullConfig(), "11111111-2222-3333-4444-555555555555", "42", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(link, "vless://11111111-2222-3333-4444-555555555555@vpn.example.com:443?"))
	assert.True(t, strings.HasSuffix(link, "#VPN-42"))

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "reality", q.Get("security"))
	assert.Equal(t, "www.microsoft.com", q.Get("sni"))
	assert.Equal(t, "pbk-value", q.Get("pbk"))
	assert.Equal(t, "sid-value", q.Get("sid"))
	assert.Equal(t, "xtls-rprx-vision", q.Get("flow"))
}

func TestBuildUsesExplicitFlowOverDefault(t *testing.T) {
	link, err := linkbuilder.Build(fullConfig(), "uuid", "42", "xtls-rprx-splice")
	require.NoError(t, err)
	assert.Contains(t, link, "flow=xtls-rprx-splice")
}

func TestBuildRejectsIncompleteConfig(t *testing.T) {
	cfg := fullConfig()
	cfg.RealityPBK = ""

	_, err := linkbuilder.Build(cfg, "uuid", "42", "")
	require.Error(t, err)

	se, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidInput, se.Code)
}
