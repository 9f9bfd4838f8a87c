// Package fingerprint derives a stable machine identity. The persistent
// store uses it to key its value obfuscation, which ties stored data to the
// machine it was written on. This is an obfuscation key, not a secret: a
// local attacker can reproduce it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are tried in order on Linux.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Identity holds the raw components of the machine identity.
type Identity struct {
	Hostname  string `json:"hostname"`
	User      string `json:"user"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	MachineID string `json:"machine_id,omitempty"`
}

// Detect gathers the machine identity components. Missing components are
// left empty rather than failing; the derived key just carries less entropy.
func Detect() Identity {
	id := Identity{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if hostname, err := os.Hostname(); err == nil {
		id.Hostname = hostname
	}

	id.User = os.Getenv("USER")
	if id.User == "" {
		id.User = os.Getenv("USERNAME")
	}

	for _, path := range machineIDPaths {
		if data, err := os.ReadFile(path); err == nil {
			id.MachineID = strings.TrimSpace(string(data))
			break
		}
	}

	return id
}

// MachineKey returns a stable hex-encoded key derived from the machine
// identity. The same machine always produces the same key.
func MachineKey() string {
	return Detect().Key()
}

// Key derives the obfuscation key from an identity.
func (id Identity) Key() string {
	material := strings.Join([]string{
		"overseer", id.Hostname, id.User, id.OS, id.Arch, id.MachineID,
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
