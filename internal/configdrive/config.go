// Package configdrive builds the structured first-boot payload handed
// to the control plane alongside the deploy request: meta data, network
// data and cloud-init user data. Byte-level rendering of the drive is
// the control plane's concern.
package configdrive

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/smelterhq/smelter/internal/baremetal"
)

// Config collects the first-boot configuration for one instance.
type Config struct {
	// SSHKeys are public key strings exposed through meta data and
	// granted to every user added with AddUser.
	SSHKeys []string
	// MetaData entries are merged into the generated meta data. The
	// generated keys (public_keys, uuid, name, hostname) win.
	MetaData map[string]any
	// UserData is the base cloud-config document.
	UserData map[string]any

	users []map[string]any
}

// AddUser registers a user to create on first boot. Admin users join
// the wheel group; sudo grants passwordless sudo.
func (c *Config) AddUser(name string, admin, sudo bool, passwordHash string) {
	user := map[string]any{"name": name}
	if admin {
		user["groups"] = []string{"wheel"}
	}
	if passwordHash != "" {
		user["passwd"] = passwordHash
	}
	if sudo {
		user["sudo"] = "ALL=(ALL) NOPASSWD:ALL"
	}
	if len(c.SSHKeys) > 0 {
		user["ssh_authorized_keys"] = c.SSHKeys
	}
	c.users = append(c.users, user)
}

// Generate builds the config-drive payload for a node. The hostname
// defaults to the node name, then the node ID. networkData may be nil.
func (c *Config) Generate(node *baremetal.Node, hostname string, networkData map[string]any) (map[string]any, error) {
	if hostname == "" {
		hostname = node.Name
	}
	if hostname == "" {
		hostname = node.ID
	}

	// Some first-boot agents cannot handle a list of keys, so they are
	// published as an index-keyed map.
	keys := make(map[string]string, len(c.SSHKeys))
	for i, key := range c.SSHKeys {
		keys[strconv.Itoa(i)] = key
	}

	metaData := map[string]any{
		"launch_index":      0,
		"availability_zone": "",
		"files":             []any{},
		"meta":              map[string]any{},
	}
	for k, v := range c.MetaData {
		metaData[k] = v
	}
	metaData["public_keys"] = keys
	metaData["uuid"] = node.ID
	metaData["name"] = node.Name
	metaData["hostname"] = hostname

	userData, err := c.renderUserData()
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"meta_data": metaData,
		"user_data": userData,
	}
	if len(networkData) > 0 {
		payload["network_data"] = networkData
	}
	return payload, nil
}

func (c *Config) renderUserData() (string, error) {
	doc := make(map[string]any, len(c.UserData)+1)
	for k, v := range c.UserData {
		doc[k] = v
	}
	if len(c.users) > 0 {
		users, _ := doc["users"].([]any)
		for _, u := range c.users {
			users = append(users, u)
		}
		doc["users"] = users
	}
	if len(doc) == 0 {
		return "", nil
	}

	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("rendering cloud-config user data: %w", err)
	}
	return "#cloud-config\n" + string(rendered), nil
}
