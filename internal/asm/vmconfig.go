package asm

import (
	"encoding/base64"
	"fmt"
	"time"
)

// RoleTypePersistentVM is the only role type the deployment path creates.
const RoleTypePersistentVM = "PersistentVMRole"

// EncodeLabel produces the base64 form the API requires for Label
// elements.
func EncodeLabel(label string) string {
	return base64.StdEncoding.EncodeToString([]byte(label))
}

// NewLinuxRole returns a persistent VM role of the given size with no
// configuration attached yet.
func NewLinuxRole(name, size string) *Role {
	return &Role{
		RoleName: name,
		RoleType: RoleTypePersistentVM,
		RoleSize: size,
	}
}

// ConfigureForLinux attaches the guest OS provisioning set. When
// disablePasswordAuth is true the instance only accepts key-based logins,
// regardless of whether a password is present.
func ConfigureForLinux(role *Role, hostname, user, password string, disablePasswordAuth bool) {
	role.ConfigurationSets = append(role.ConfigurationSets, ConfigurationSet{
		ConfigurationSetType:             configurationSetLinux,
		HostName:                         hostname,
		UserName:                         user,
		UserPassword:                     password,
		DisableSSHPasswordAuthentication: &disablePasswordAuth,
	})
}

// ConfigureWithPublicSSHKey points an authorized-keys path at a
// certificate already registered on the hosted service. It requires a
// prior ConfigureForLinux call.
func ConfigureWithPublicSSHKey(role *Role, fingerprint, path string) error {
	for i := range role.ConfigurationSets {
		set := &role.ConfigurationSets[i]
		if set.ConfigurationSetType != configurationSetLinux {
			continue
		}
		if set.SSH == nil {
			set.SSH = &SSH{}
		}
		set.SSH.PublicKeys = append(set.SSH.PublicKeys, PublicKey{
			Fingerprint: fingerprint,
			Path:        path,
		})
		return nil
	}
	return fmt.Errorf("role %s has no linux provisioning configuration", role.RoleName)
}

// ConfigureWithExternalPorts adds a network configuration set exposing one
// TCP endpoint per port. Endpoint names derive from the port number so
// repeated creates produce identical configurations.
func ConfigureWithExternalPorts(role *Role, ports []int) {
	endpoints := make([]InputEndpoint, 0, len(ports))
	for _, port := range ports {
		endpoints = append(endpoints, InputEndpoint{
			LocalPort: port,
			Name:      fmt.Sprintf("TCP-%d", port),
			Port:      port,
			Protocol:  "TCP",
		})
	}
	role.ConfigurationSets = append(role.ConfigurationSets, ConfigurationSet{
		ConfigurationSetType: configurationSetNetwork,
		InputEndpoints:       endpoints,
	})
}

// ConfigureWithOSDisk sets the OS disk, sourced from an image and stored
// at mediaLink.
func ConfigureWithOSDisk(role *Role, sourceImage, mediaLink string) {
	role.OSVirtualHardDisk = &OSVirtualHardDisk{
		MediaLink:       mediaLink,
		SourceImageName: sourceImage,
	}
}

// OSDiskMediaLink computes the blob location of the OS disk. The location
// depends only on the storage account, the instance name and the calendar
// date, so creates repeated on the same day converge on one blob while
// creates on different days do not collide.
func OSDiskMediaLink(storageAccount, name string, now time.Time) string {
	return fmt.Sprintf("http://%s.blob.core.windows.net/vhds/%s-%s-%s.vhd",
		storageAccount, name, name, now.UTC().Format("2006-01-02"))
}
