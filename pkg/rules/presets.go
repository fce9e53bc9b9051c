package rules

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Preset is a well-known service that can be turned into a rule.
type Preset struct {
	Name     string
	Category string
	Protocol Protocol
	Port     uint16
}

func (p Preset) String() string {
	return fmt.Sprintf("%s (%s %d)", p.Name, p.Protocol, p.Port)
}

// Rule builds an enabled input accept rule for the preset.
func (p Preset) Rule() Rule {
	return Rule{
		ID:       uuid.New(),
		Label:    SanitizeLabel(p.Name),
		Protocol: p.Protocol,
		Ports:    []PortSpec{Port(p.Port)},
		Chain:    ChainInput,
		Action:   ActionAccept,
		Tags:     []string{strings.ToLower(p.Category)},
	}
}

var presets = []Preset{
	{"SSH", "Remote Access", ProtocolTCP, 22},
	{"RDP (Remote Desktop)", "Remote Access", ProtocolTCP, 3389},
	{"VNC", "Remote Access", ProtocolTCP, 5900},
	{"TeamViewer", "Remote Access", ProtocolTCP, 5938},
	{"HTTP", "Web", ProtocolTCP, 80},
	{"HTTPS", "Web", ProtocolTCP, 443},
	{"HTTP Alt (8080)", "Web", ProtocolTCP, 8080},
	{"HTTPS Alt (8443)", "Web", ProtocolTCP, 8443},
	{"DNS (UDP)", "DNS", ProtocolUDP, 53},
	{"DNS (TCP)", "DNS", ProtocolTCP, 53},
	{"DNS over TLS", "DNS", ProtocolTCP, 853},
	{"PostgreSQL", "Database", ProtocolTCP, 5432},
	{"MySQL/MariaDB", "Database", ProtocolTCP, 3306},
	{"MongoDB", "Database", ProtocolTCP, 27017},
	{"Redis", "Database", ProtocolTCP, 6379},
	{"SMTP", "Mail", ProtocolTCP, 25},
	{"SMTP (Submission)", "Mail", ProtocolTCP, 587},
	{"SMTPS", "Mail", ProtocolTCP, 465},
	{"IMAP", "Mail", ProtocolTCP, 143},
	{"IMAPS", "Mail", ProtocolTCP, 993},
	{"POP3", "Mail", ProtocolTCP, 110},
	{"POP3S", "Mail", ProtocolTCP, 995},
	{"FTP", "File Sharing", ProtocolTCP, 21},
	{"Samba (SMB)", "File Sharing", ProtocolTCP, 445},
	{"NFS", "File Sharing", ProtocolTCP, 2049},
	{"Rsync", "File Sharing", ProtocolTCP, 873},
	{"Syncthing", "File Sharing", ProtocolTCP, 22000},
	{"WireGuard", "VPN", ProtocolUDP, 51820},
	{"OpenVPN (UDP)", "VPN", ProtocolUDP, 1194},
	{"OpenVPN (TCP)", "VPN", ProtocolTCP, 1194},
	{"IPSec (IKE)", "VPN", ProtocolUDP, 500},
	{"IPSec (NAT-T)", "VPN", ProtocolUDP, 4500},
	{"Plex", "Media", ProtocolTCP, 32400},
	{"Jellyfin", "Media", ProtocolTCP, 8096},
	{"Transmission (Web)", "Media", ProtocolTCP, 9091},
	{"Minecraft", "Gaming", ProtocolTCP, 25565},
	{"Steam", "Gaming", ProtocolUDP, 27015},
	{"TeamSpeak", "Gaming", ProtocolUDP, 9987},
	{"Mumble", "Gaming", ProtocolUDP, 64738},
	{"Docker API (TLS)", "Containers", ProtocolTCP, 2376},
	{"Kubernetes API", "Containers", ProtocolTCP, 6443},
	{"Prometheus", "Monitoring", ProtocolTCP, 9090},
	{"Grafana", "Monitoring", ProtocolTCP, 3000},
	{"Node Exporter", "Monitoring", ProtocolTCP, 9100},
	{"Home Assistant", "Home Automation", ProtocolTCP, 8123},
	{"MQTT", "Home Automation", ProtocolTCP, 1883},
	{"MQTTS", "Home Automation", ProtocolTCP, 8883},
}

// Presets returns a copy of the built-in service presets.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// FindPreset looks a preset up by case-insensitive name.
func FindPreset(name string) (Preset, bool) {
	for _, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Preset{}, false
}
