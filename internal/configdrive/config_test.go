package configdrive

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/smelterhq/smelter/internal/baremetal"
)

func TestGenerateMetaData(t *testing.T) {
	cfg := &Config{
		SSHKeys:  []string{"ssh-ed25519 AAAA key1", "ssh-rsa BBBB key2"},
		MetaData: map[string]any{"custom": "value"},
	}
	node := &baremetal.Node{ID: "node-1", Name: "machine-1"}

	payload, err := cfg.Generate(node, "web-0.example.com", nil)
	require.NoError(t, err)

	metaData, ok := payload["meta_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "node-1", metaData["uuid"])
	assert.Equal(t, "machine-1", metaData["name"])
	assert.Equal(t, "web-0.example.com", metaData["hostname"])
	assert.Equal(t, "value", metaData["custom"])
	assert.Equal(t, 0, metaData["launch_index"])
	assert.Equal(t, map[string]string{
		"0": "ssh-ed25519 AAAA key1",
		"1": "ssh-rsa BBBB key2",
	}, metaData["public_keys"])

	_, hasNetworkData := payload["network_data"]
	assert.False(t, hasNetworkData)
}

func TestGenerateHostnameFallsBackToNodeNameThenID(t *testing.T) {
	cfg := &Config{}

	named := &baremetal.Node{ID: "node-1", Name: "machine-1"}
	payload, err := cfg.Generate(named, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "machine-1", payload["meta_data"].(map[string]any)["hostname"])

	unnamed := &baremetal.Node{ID: "node-2"}
	payload, err = cfg.Generate(unnamed, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "node-2", payload["meta_data"].(map[string]any)["hostname"])
}

func TestGenerateUserDataWithUsers(t *testing.T) {
	cfg := &Config{
		SSHKeys:  []string{"ssh-ed25519 AAAA"},
		UserData: map[string]any{"package_update": true},
	}
	cfg.AddUser("deployer", true, true, "$6$hash")

	payload, err := cfg.Generate(&baremetal.Node{ID: "node-1"}, "web-0", nil)
	require.NoError(t, err)

	userData, ok := payload["user_data"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(userData, "#cloud-config\n"))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(strings.TrimPrefix(userData, "#cloud-config\n")), &doc))
	assert.Equal(t, true, doc["package_update"])

	users, ok := doc["users"].([]any)
	require.True(t, ok)
	require.Len(t, users, 1)
	user := users[0].(map[string]any)
	assert.Equal(t, "deployer", user["name"])
	assert.Equal(t, "$6$hash", user["passwd"])
	assert.Equal(t, "ALL=(ALL) NOPASSWD:ALL", user["sudo"])
}

func TestGenerateEmptyUserData(t *testing.T) {
	cfg := &Config{}
	payload, err := cfg.Generate(&baremetal.Node{ID: "node-1"}, "web-0", nil)
	require.NoError(t, err)
	assert.Equal(t, "", payload["user_data"])
}

func TestBuildNetworkData(t *testing.T) {
	fake := baremetal.NewFakeClient()
	fake.AddNetwork(
		&baremetal.Network{ID: "net-1", Name: "provisioning", MTU: 1500},
		&baremetal.Subnet{
			ID:             "subnet-1",
			CIDR:           "10.0.0.0/24",
			IPVersion:      4,
			DHCPEnabled:    true,
			DNSNameservers: []string{"10.0.0.2"},
			HostRoutes: []baremetal.HostRoute{
				{Destination: "192.168.0.0/16", NextHop: "10.0.0.1"},
			},
		},
	)
	fake.AddPort(&baremetal.Port{
		ID:         "port-1",
		NetworkID:  "net-1",
		MACAddress: "52:54:00:aa:bb:cc",
		FixedIPs:   []baremetal.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.5"}},
	})

	data, err := BuildNetworkData(context.Background(), fake, []string{"port-1"})
	require.NoError(t, err)

	links := data["links"].([]any)
	require.Len(t, links, 1)
	link := links[0].(map[string]any)
	assert.Equal(t, "port-1", link["id"])
	assert.Equal(t, "phy", link["type"])
	assert.Equal(t, 1500, link["mtu"])
	assert.Equal(t, "52:54:00:aa:bb:cc", link["ethernet_mac_address"])

	networks := data["networks"].([]any)
	require.Len(t, networks, 1)
	network := networks[0].(map[string]any)
	assert.Equal(t, "provisioning0", network["id"])
	assert.Equal(t, "ipv4_dhcp", network["type"])
	assert.Equal(t, "10.0.0.5", network["ip_address"])
	assert.Equal(t, "255.255.255.0", network["netmask"])

	routes := network["routes"].([]any)
	require.Len(t, routes, 1)
	route := routes[0].(map[string]any)
	assert.Equal(t, "192.168.0.0", route["network"])
	assert.Equal(t, "255.255.0.0", route["netmask"])
	assert.Equal(t, "10.0.0.1", route["gateway"])

	services := data["services"].([]any)
	require.Len(t, services, 1)
	assert.Equal(t, map[string]any{"type": "dns", "address": "10.0.0.2"}, services[0])
}

func TestBuildNetworkDataEmptyPorts(t *testing.T) {
	data, err := BuildNetworkData(context.Background(), baremetal.NewFakeClient(), nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBuildNetworkDataMissingResource(t *testing.T) {
	fake := baremetal.NewFakeClient()
	_, err := BuildNetworkData(context.Background(), fake, []string{"port-404"})

	var notFound *NetworkResourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, notFound.Resource, "port-404")
	assert.True(t, baremetal.IsNotFound(err))
}
