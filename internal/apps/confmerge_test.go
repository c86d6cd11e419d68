package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMergeINI(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		settings    []configSetting
		want        string
		wantChanged bool
	}{
		{
			name:        "replaces drifted key",
			in:          "[Preferences]\nWebUI\\Port=8080\nWebUI\\Locale=de\n",
			settings:    []configSetting{{Section: "Preferences", Key: `WebUI\Port`, Value: "9090"}},
			want:        "[Preferences]\nWebUI\\Port=9090\nWebUI\\Locale=de\n",
			wantChanged: true,
		},
		{
			name:     "matching key is left alone",
			in:       "[Preferences]\nWebUI\\Port = 9090\n",
			settings: []configSetting{{Section: "Preferences", Key: `WebUI\Port`, Value: "9090"}},
			want:     "[Preferences]\nWebUI\\Port = 9090\n",
		},
		{
			name:     "same key in another section is not touched",
			in:       "[A]\nport=1\n\n[B]\nport=2\n",
			settings: []configSetting{{Section: "B", Key: "port", Value: "2"}},
			want:     "[A]\nport=1\n\n[B]\nport=2\n",
		},
		{
			name:        "missing key goes to the end of its section",
			in:          "[A]\nx=1\n\n[B]\ny=2\n",
			settings:    []configSetting{{Section: "A", Key: "z", Value: "3"}},
			want:        "[A]\nx=1\nz=3\n\n[B]\ny=2\n",
			wantChanged: true,
		},
		{
			name:        "missing section is appended",
			in:          "[A]\nx=1\n",
			settings:    []configSetting{{Section: "LegalNotice", Key: "Accepted", Value: "true"}},
			want:        "[A]\nx=1\n\n[LegalNotice]\nAccepted=true\n",
			wantChanged: true,
		},
		{
			name:     "default never replaces",
			in:       "[Preferences]\nWebUI\\Username=alice\n",
			settings: []configSetting{{Section: "Preferences", Key: `WebUI\Username`, Value: "admin", Default: true}},
			want:     "[Preferences]\nWebUI\\Username=alice\n",
		},
		{
			name:        "plain key value file",
			in:          "# comment\nPIHOLE_DNS_1=8.8.8.8\nWEBPASSWORD=abc\n",
			settings:    []configSetting{{Key: "PIHOLE_DNS_1", Value: "1.1.1.1"}, {Key: "PIHOLE_DNS_2", Value: "1.0.0.1"}},
			want:        "# comment\nPIHOLE_DNS_1=1.1.1.1\nWEBPASSWORD=abc\nPIHOLE_DNS_2=1.0.0.1\n",
			wantChanged: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed := mergeINI([]byte(tt.in), tt.settings)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestSetXMLAttrs(t *testing.T) {
	in := `<?xml version="1.0" encoding="utf-8"?>
<Preferences MachineIdentifier="b7e1" FriendlyName="Old" AcceptedEULA="0"/>
`
	out, changed, err := setXMLAttrs([]byte(in), "Preferences", []configSetting{
		{Key: "FriendlyName", Value: "Den"},
		{Key: "AcceptedEULA", Value: "1", Default: true},
		{Key: "ManualPortMappingPort", Value: "32400"},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, `<?xml version="1.0" encoding="utf-8"?>
<Preferences MachineIdentifier="b7e1" FriendlyName="Den" AcceptedEULA="0" ManualPortMappingPort="32400"/>
`, string(out))

	again, changed, err := setXMLAttrs(out, "Preferences", []configSetting{{Key: "FriendlyName", Value: "Den"}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, out, again)

	_, _, err = setXMLAttrs([]byte("<Other/>"), "Preferences", nil)
	assert.Error(t, err)
}

func TestSetXMLElements(t *testing.T) {
	in := "<NetworkConfiguration>\n  <InternalHttpPort>8096</InternalHttpPort>\n  <EnableUPnP>true</EnableUPnP>\n</NetworkConfiguration>\n"
	out, changed, err := setXMLElements([]byte(in), []configSetting{
		{Key: "InternalHttpPort", Value: "8097"},
		{Key: "PublicHttpPort", Value: "8097"},
		{Key: "EnableUPnP", Value: "false", Default: true},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "<NetworkConfiguration>\n  <InternalHttpPort>8097</InternalHttpPort>\n  <EnableUPnP>true</EnableUPnP>\n  <PublicHttpPort>8097</PublicHttpPort>\n</NetworkConfiguration>\n", string(out))

	_, changed, err = setXMLElements(out, []configSetting{{Key: "InternalHttpPort", Value: "8097"}})
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = setXMLElements([]byte("not xml"), []configSetting{{Key: "A", Value: "1"}})
	assert.Error(t, err)
}

func TestMergeYAML(t *testing.T) {
	in := "# Managed by appstore.\ndefault_config:\n\nhomeassistant:\n  name: Cabin\n  time_zone: \"UTC\"\n\nhttp:\n\nautomation: !include automations.yaml\n"

	out, changed, err := mergeYAML([]byte(in), func(root *yaml.Node) bool {
		c := yamlSet(root, []string{"homeassistant", "time_zone"}, "Europe/Berlin", "!!str")
		c = yamlSet(root, []string{"http", "server_port"}, "8124", "!!int") || c
		// an include is not a mapping and stays as it is
		c = yamlSet(root, []string{"automation", "mode"}, "single", "!!str") || c
		return c
	})
	require.NoError(t, err)
	assert.True(t, changed)

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &got))
	assert.Equal(t, "Cabin", got["homeassistant"].(map[string]interface{})["name"])
	assert.Equal(t, "Europe/Berlin", got["homeassistant"].(map[string]interface{})["time_zone"])
	assert.Equal(t, 8124, got["http"].(map[string]interface{})["server_port"])
	assert.Contains(t, string(out), "automation: !include automations.yaml")
	assert.Contains(t, string(out), "# Managed by appstore.")

	same, changed, err := mergeYAML(out, func(root *yaml.Node) bool {
		return yamlSet(root, []string{"http", "server_port"}, "8124", "!!int")
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, out, same)

	_, _, err = mergeYAML([]byte("- a\n- b\n"), func(*yaml.Node) bool { return true })
	assert.Error(t, err)
}
