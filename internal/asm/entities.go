package asm

import "encoding/xml"

// xmlns carried by every service management payload.
const azureNamespace = "http://schemas.microsoft.com/windowsazure"

// OperationID identifies an asynchronous management operation, as returned
// in the x-ms-request-id header of 202 responses.
type OperationID string

// OperationStatus is the lifecycle state of an asynchronous operation.
type OperationStatus string

const (
	OperationInProgress OperationStatus = "InProgress"
	OperationSucceeded  OperationStatus = "Succeeded"
	OperationFailed     OperationStatus = "Failed"
)

// Operation is the body returned by the operation status endpoint.
type Operation struct {
	XMLName        xml.Name        `xml:"Operation"`
	ID             string          `xml:"ID"`
	Status         OperationStatus `xml:"Status"`
	HTTPStatusCode string          `xml:"HttpStatusCode,omitempty"`
	Error          *Error          `xml:"Error,omitempty"`
}

// HostedService is one entry of the hosted service list. Only the name is
// consumed; the service is treated as a namespace for deployments.
type HostedService struct {
	URL         string `xml:"Url"`
	ServiceName string `xml:"ServiceName"`
}

type hostedServiceList struct {
	XMLName        xml.Name        `xml:"HostedServices"`
	HostedServices []HostedService `xml:"HostedService"`
}

// CreateHostedServiceParams is the body of a hosted service creation call.
// Label must be base64 encoded. Element order is fixed by the protocol.
type CreateHostedServiceParams struct {
	XMLName     xml.Name `xml:"http://schemas.microsoft.com/windowsazure CreateHostedService"`
	ServiceName string   `xml:"ServiceName"`
	Label       string   `xml:"Label"`
	Description string   `xml:"Description,omitempty"`
	Location    string   `xml:"Location"`
}

// ServiceCertificate registers certificate material with a hosted service.
// Password stays an explicit empty element for containers exported without
// one.
type ServiceCertificate struct {
	XMLName           xml.Name `xml:"http://schemas.microsoft.com/windowsazure CertificateFile"`
	Data              string   `xml:"Data"`
	CertificateFormat string   `xml:"CertificateFormat"`
	Password          string   `xml:"Password"`
}

// Deployment doubles as the creation request body and the body returned by
// the deployment query. Response-only fields are omitempty so they never
// appear in requests; the protocol rejects out-of-order elements, so field
// order here is load bearing.
type Deployment struct {
	XMLName            xml.Name `xml:"http://schemas.microsoft.com/windowsazure Deployment"`
	Name               string   `xml:"Name"`
	DeploymentSlot     string   `xml:"DeploymentSlot"`
	Label              string   `xml:"Label"`
	RoleList           []Role   `xml:"RoleList>Role,omitempty"`
	VirtualNetworkName string   `xml:"VirtualNetworkName,omitempty"`
	Status             string   `xml:"Status,omitempty"`
	URL                string   `xml:"Url,omitempty"`
}

// Role describes one virtual machine inside a deployment.
type Role struct {
	RoleName          string             `xml:"RoleName"`
	RoleType          string             `xml:"RoleType"`
	ConfigurationSets []ConfigurationSet `xml:"ConfigurationSets>ConfigurationSet"`
	OSVirtualHardDisk *OSVirtualHardDisk `xml:"OSVirtualHardDisk,omitempty"`
	RoleSize          string             `xml:"RoleSize"`
}

// Configuration set types understood by the role builders.
const (
	configurationSetLinux   = "LinuxProvisioningConfiguration"
	configurationSetNetwork = "NetworkConfiguration"
)

// ConfigurationSet carries either guest OS provisioning settings or network
// endpoint settings, selected by ConfigurationSetType.
type ConfigurationSet struct {
	ConfigurationSetType             string          `xml:"ConfigurationSetType"`
	HostName                         string          `xml:"HostName,omitempty"`
	UserName                         string          `xml:"UserName,omitempty"`
	UserPassword                     string          `xml:"UserPassword,omitempty"`
	DisableSSHPasswordAuthentication *bool           `xml:"DisableSshPasswordAuthentication,omitempty"`
	SSH                              *SSH            `xml:"SSH,omitempty"`
	InputEndpoints                   []InputEndpoint `xml:"InputEndpoints>InputEndpoint,omitempty"`
}

// SSH lists public key identities attached to the guest configuration.
type SSH struct {
	PublicKeys []PublicKey `xml:"PublicKeys>PublicKey"`
}

// PublicKey points an authorized-keys path at a certificate registered on
// the hosted service, referenced by fingerprint.
type PublicKey struct {
	Fingerprint string `xml:"Fingerprint"`
	Path        string `xml:"Path"`
}

// InputEndpoint exposes one TCP port of the instance.
type InputEndpoint struct {
	LocalPort int    `xml:"LocalPort"`
	Name      string `xml:"Name"`
	Port      int    `xml:"Port"`
	Protocol  string `xml:"Protocol"`
}

// OSVirtualHardDisk locates the OS disk blob and the image it is created
// from.
type OSVirtualHardDisk struct {
	MediaLink       string `xml:"MediaLink"`
	SourceImageName string `xml:"SourceImageName"`
}
