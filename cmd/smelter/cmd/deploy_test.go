package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smelterhq/smelter/internal/provisioner"
)

func TestParseNIC(t *testing.T) {
	nic, err := parseNIC("network=provisioning,fixed-ip=10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, provisioner.NIC{Network: "provisioning", FixedIP: "10.0.0.5"}, nic)

	nic, err = parseNIC("port=4b85444f")
	require.NoError(t, err)
	assert.Equal(t, provisioner.NIC{Port: "4b85444f"}, nic)

	nic, err = parseNIC("subnet=storage")
	require.NoError(t, err)
	assert.Equal(t, provisioner.NIC{Subnet: "storage"}, nic)

	_, err = parseNIC("network=")
	assert.Error(t, err)

	_, err = parseNIC("vlan=7")
	assert.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	caps, err := parseKeyValues([]string{"boot_mode=uefi", "raid_level=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"boot_mode": "uefi", "raid_level": "1"}, caps)

	empty, err := parseKeyValues(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = parseKeyValues([]string{"uefi"})
	assert.Error(t, err)
}
