package configdrive

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/smelterhq/smelter/internal/baremetal"
)

// NetworkResourceNotFoundError indicates that a port, network or subnet
// referenced while building network data could not be resolved.
type NetworkResourceNotFoundError struct {
	Resource string
	Err      error
}

func (e *NetworkResourceNotFoundError) Error() string {
	return fmt.Sprintf("cannot find network resource %s: %v", e.Resource, e.Err)
}

func (e *NetworkResourceNotFoundError) Unwrap() error {
	return e.Err
}

// BuildNetworkData builds the network metadata structure (links,
// networks, services) for the given attached ports. An empty port list
// yields an empty map.
func BuildNetworkData(ctx context.Context, dir baremetal.NetworkDirectory, attachedPortIDs []string) (map[string]any, error) {
	if len(attachedPortIDs) == 0 {
		return map[string]any{}, nil
	}

	links := []any{}
	networks := []any{}
	services := []any{}

	for _, portID := range attachedPortIDs {
		port, err := dir.GetPort(ctx, portID)
		if err != nil {
			return nil, &NetworkResourceNotFoundError{Resource: "port " + portID, Err: err}
		}
		network, err := dir.GetNetwork(ctx, port.NetworkID)
		if err != nil {
			return nil, &NetworkResourceNotFoundError{Resource: "network " + port.NetworkID, Err: err}
		}

		subnets := make(map[string]*baremetal.Subnet, len(port.FixedIPs))
		for _, fip := range port.FixedIPs {
			subnet, err := dir.GetSubnet(ctx, fip.SubnetID)
			if err != nil {
				return nil, &NetworkResourceNotFoundError{Resource: "subnet " + fip.SubnetID, Err: err}
			}
			subnets[subnet.ID] = subnet
		}

		links = append(links, map[string]any{
			"id":                   port.ID,
			"type":                 "phy",
			"mtu":                  network.MTU,
			"ethernet_mac_address": port.MACAddress,
		})
		for _, subnet := range subnets {
			services = append(services, dnsServices(subnet)...)
		}
		for idx, fip := range port.FixedIPs {
			entry, err := networkEntry(idx, fip, port, network, subnets[fip.SubnetID])
			if err != nil {
				return nil, err
			}
			networks = append(networks, entry)
		}
	}

	return map[string]any{
		"links":    links,
		"networks": networks,
		"services": services,
	}, nil
}

func dnsServices(subnet *baremetal.Subnet) []any {
	out := make([]any, 0, len(subnet.DNSNameservers))
	for _, ns := range subnet.DNSNameservers {
		out = append(out, map[string]any{"type": "dns", "address": ns})
	}
	return out
}

func networkEntry(idx int, fip baremetal.FixedIP, port *baremetal.Port, network *baremetal.Network, subnet *baremetal.Subnet) (map[string]any, error) {
	_, ipNet, err := net.ParseCIDR(subnet.CIDR)
	if err != nil {
		return nil, &NetworkResourceNotFoundError{
			Resource: "subnet " + subnet.ID,
			Err:      fmt.Errorf("invalid CIDR %q: %w", subnet.CIDR, err),
		}
	}

	entry := map[string]any{
		"id":         network.Name + strconv.Itoa(idx),
		"network_id": network.ID,
		"link":       port.ID,
		"ip_address": fip.IPAddress,
		"netmask":    net.IP(ipNet.Mask).String(),
		"type":       addressType(subnet),
	}

	routes := []any{}
	for _, route := range subnet.HostRoutes {
		_, routeNet, err := net.ParseCIDR(route.Destination)
		if err != nil {
			return nil, &NetworkResourceNotFoundError{
				Resource: "subnet " + subnet.ID,
				Err:      fmt.Errorf("invalid host route %q: %w", route.Destination, err),
			}
		}
		routes = append(routes, map[string]any{
			"network": routeNet.IP.String(),
			"netmask": net.IP(routeNet.Mask).String(),
			"gateway": route.NextHop,
		})
	}
	entry["routes"] = routes

	// DNS services are published both per network and at the top level.
	entry["services"] = dnsServices(subnet)

	return entry, nil
}

func addressType(subnet *baremetal.Subnet) string {
	if subnet.IPVersion == 6 {
		if subnet.IPv6AddressMode != "" {
			return "ipv6_" + subnet.IPv6AddressMode
		}
		return "ipv6"
	}
	if subnet.DHCPEnabled {
		return "ipv4_dhcp"
	}
	return "ipv4"
}
