package domain

import "strings"

// Network identifies the network a virtual interface attaches to.
type Network struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Bridge string `json:"bridge"`
}

// IP is a single address assigned to an interface.
type IP struct {
	IP      string `json:"ip"`
	Netmask string `json:"netmask"`
	Enabled string `json:"enabled"`
}

// VIFMapping is the per-interface configuration the guest reads from the
// parameter store at boot.
type VIFMapping struct {
	MAC       string   `json:"mac"`
	Label     string   `json:"label,omitempty"`
	Broadcast string   `json:"broadcast,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty"`
	IPs       []IP     `json:"ips,omitempty"`
	DHCP      bool     `json:"dhcp_server,omitempty"`
}

// StoreKey returns the parameter store location for this interface.
func (m VIFMapping) StoreKey() string {
	return "vm-data/networking/" + strings.ReplaceAll(m.MAC, ":", "")
}

// VIF pairs a network with its interface mapping.
type VIF struct {
	Network Network    `json:"network"`
	Mapping VIFMapping `json:"mapping"`
}

// NetworkInfo is the ordered list of interfaces of an instance. The slice
// index is the device number of the interface.
type NetworkInfo []VIF
