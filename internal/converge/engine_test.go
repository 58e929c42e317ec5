package converge_test

import (
	"context"
	"sync"
	"time"

	"azvm/internal/asm"
	"azvm/internal/config"
	"azvm/internal/converge"

	"github.com/juju/clock/testclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeAPI implements converge.ProviderAPI against in-memory state and
// records every call for ordering assertions.
type fakeAPI struct {
	mu sync.Mutex

	services    map[string]bool
	deployments map[string]*asm.Deployment

	calls []string

	// probeErrs are consumed, one per GetDeployment call, before the
	// in-memory state is consulted.
	probeErrs []error

	// neverVisible keeps created deployments out of probe results;
	// stickyDeployment keeps deleted ones in them.
	neverVisible     bool
	stickyDeployment bool

	createServiceErr    error
	createDeploymentErr error
	deleteDeploymentErr error
	waitOperationErr    error

	capturedService           *asm.CreateHostedServiceParams
	capturedCertService       string
	capturedCert              *asm.ServiceCertificate
	capturedDeploymentService string
	capturedDeployment        *asm.Deployment
	waitedOperations          []asm.OperationID
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		services:    make(map[string]bool),
		deployments: make(map[string]*asm.Deployment),
	}
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAPI) indexOf(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (f *fakeAPI) GetDeployment(ctx context.Context, serviceName, deploymentName string) (*asm.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetDeployment")
	if len(f.probeErrs) > 0 {
		err := f.probeErrs[0]
		f.probeErrs = f.probeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if deployment, ok := f.deployments[serviceName]; ok {
		return deployment, nil
	}
	return nil, &asm.Error{StatusCode: 404, Code: "ResourceNotFound", Message: "no such deployment"}
}

func (f *fakeAPI) ListHostedServices(ctx context.Context) ([]asm.HostedService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListHostedServices")
	var services []asm.HostedService
	for name := range f.services {
		services = append(services, asm.HostedService{ServiceName: name})
	}
	return services, nil
}

func (f *fakeAPI) CreateHostedService(ctx context.Context, params asm.CreateHostedServiceParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateHostedService")
	if f.createServiceErr != nil {
		return f.createServiceErr
	}
	f.capturedService = &params
	f.services[params.ServiceName] = true
	return nil
}

func (f *fakeAPI) AddServiceCertificate(ctx context.Context, serviceName string, cert asm.ServiceCertificate) (asm.OperationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddServiceCertificate")
	f.capturedCertService = serviceName
	f.capturedCert = &cert
	return "op-cert-1", nil
}

func (f *fakeAPI) CreateDeployment(ctx context.Context, serviceName string, deployment asm.Deployment) (asm.OperationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateDeployment")
	if f.createDeploymentErr != nil {
		return "", f.createDeploymentErr
	}
	f.capturedDeploymentService = serviceName
	f.capturedDeployment = &deployment
	if !f.neverVisible {
		created := deployment
		created.Status = "Running"
		f.deployments[serviceName] = &created
	}
	return "op-create-1", nil
}

func (f *fakeAPI) DeleteDeployment(ctx context.Context, serviceName, deploymentName string) (asm.OperationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteDeployment")
	if f.deleteDeploymentErr != nil {
		return "", f.deleteDeploymentErr
	}
	if !f.stickyDeployment {
		delete(f.deployments, serviceName)
	}
	return "op-delete-1", nil
}

func (f *fakeAPI) DeleteHostedService(ctx context.Context, serviceName string) (asm.OperationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteHostedService")
	delete(f.services, serviceName)
	return "op-delete-svc-1", nil
}

func (f *fakeAPI) WaitForOperation(ctx context.Context, id asm.OperationID, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WaitForOperation")
	f.waitedOperations = append(f.waitedOperations, id)
	return f.waitOperationErr
}

// fakeExtractor implements converge.CertificateExtractor.
type fakeExtractor struct {
	fingerprint string
	pkcs12      string
	err         error
	paths       []string
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (string, string, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return "", "", f.err
	}
	return f.fingerprint, f.pkcs12, nil
}

func newTestSpec() *config.Config {
	return &config.Config{
		Name:           "web01",
		Location:       "West US",
		Image:          "ubuntu-image",
		StorageAccount: "mystorage",
		User:           "admin",
		Password:       "s3cret",
		RoleSize:       "Small",
		Endpoints:      "22",
		Wait:           true,
		WaitTimeout:    300,
		State:          config.StatePresent,
	}
}

func configurationSet(deployment *asm.Deployment, setType string) *asm.ConfigurationSet {
	if deployment == nil || len(deployment.RoleList) == 0 {
		return nil
	}
	for i := range deployment.RoleList[0].ConfigurationSets {
		set := &deployment.RoleList[0].ConfigurationSets[i]
		if set.ConfigurationSetType == setType {
			return set
		}
	}
	return nil
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		api    *fakeAPI
		certs  *fakeExtractor
		engine *converge.Engine
		spec   *config.Config
	)

	newEngine := func() *converge.Engine {
		e, err := converge.NewEngine(converge.Config{
			API:                api,
			Certs:              certs,
			PollInterval:       10 * time.Millisecond,
			ErrorRetryInterval: 10 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeAPI()
		certs = &fakeExtractor{
			fingerprint: "88600B13A91447DA4E19107D34922BDFA17DCAFF",
			pkcs12:      "UEtDUzEyLURFUi1CWVRFUw==",
		}
		spec = newTestSpec()
		engine = newEngine()
	})

	Describe("construction", func() {
		It("rejects a config without an API", func() {
			_, err := converge.NewEngine(converge.Config{Certs: certs})
			Expect(err).To(HaveOccurred())
		})

		It("rejects a config without a certificate extractor", func() {
			_, err := converge.NewEngine(converge.Config{API: api})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("converging to present", func() {
		It("creates the hosted service and deployment when nothing exists", func() {
			outcome, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())

			Expect(api.count("CreateHostedService")).To(Equal(1))
			Expect(api.count("CreateDeployment")).To(Equal(1))
			Expect(api.capturedService.ServiceName).To(Equal("web01"))
			Expect(api.capturedService.Location).To(Equal("West US"))
			Expect(api.capturedService.Label).To(Equal(asm.EncodeLabel("web01")))
		})

		It("reports no change when the deployment already exists", func() {
			api.deployments["web01"] = &asm.Deployment{Name: "web01", Status: "Running"}
			api.services["web01"] = true

			outcome, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeFalse())
			Expect(api.count("CreateDeployment")).To(BeZero())
			Expect(api.count("CreateHostedService")).To(BeZero())
		})

		It("is idempotent across repeated applies", func() {
			first, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			second, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Changed).To(BeTrue())
			Expect(second.Changed).To(BeFalse())
			Expect(api.count("CreateDeployment")).To(Equal(1))
		})

		It("validates the description before any provider call", func() {
			spec.Image = ""
			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).To(HaveOccurred())
			Expect(api.calls).To(BeEmpty())
		})

		It("aborts when the probe fails", func() {
			api.probeErrs = []error{&asm.Error{StatusCode: 500, Code: "InternalError", Message: "hiccup"}}

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to probe"))
			Expect(api.count("CreateDeployment")).To(BeZero())
		})

		It("does not recreate an existing hosted service", func() {
			api.services["web01"] = true

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(api.count("CreateHostedService")).To(BeZero())
			Expect(api.count("CreateDeployment")).To(Equal(1))
		})

		It("surfaces a hosted service naming collision verbatim", func() {
			api.createServiceErr = &asm.Error{StatusCode: 409, Code: "ConflictError", Message: "DNS name taken"}

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ConflictError"))
			Expect(api.count("CreateDeployment")).To(BeZero())
		})

		It("builds the deployment under the production slot with the instance identity", func() {
			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			Expect(api.capturedDeploymentService).To(Equal("web01"))
			Expect(api.capturedDeployment.Name).To(Equal("web01"))
			Expect(api.capturedDeployment.DeploymentSlot).To(Equal("Production"))
			Expect(api.capturedDeployment.Label).To(Equal(asm.EncodeLabel("web01")))
			Expect(api.capturedDeployment.RoleList).To(HaveLen(1))
			Expect(api.capturedDeployment.RoleList[0].RoleSize).To(Equal("Small"))
		})

		It("passes the virtual network through to the deployment", func() {
			spec.VirtualNetworkName = "vnet-1"

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(api.capturedDeployment.VirtualNetworkName).To(Equal("vnet-1"))
		})

		It("defaults the hostname to the public DNS name", func() {
			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			linux := configurationSet(api.capturedDeployment, "LinuxProvisioningConfiguration")
			Expect(linux).NotTo(BeNil())
			Expect(linux.HostName).To(Equal("web01.cloudapp.net"))
			Expect(linux.UserName).To(Equal("admin"))
		})

		It("maps each endpoint port onto itself", func() {
			spec.Endpoints = "22,80"

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			network := configurationSet(api.capturedDeployment, "NetworkConfiguration")
			Expect(network).NotTo(BeNil())
			Expect(network.InputEndpoints).To(HaveLen(2))
			Expect(network.InputEndpoints[0].Name).To(Equal("TCP-22"))
			Expect(network.InputEndpoints[1].Name).To(Equal("TCP-80"))
			for _, endpoint := range network.InputEndpoints {
				Expect(endpoint.Port).To(Equal(endpoint.LocalPort))
				Expect(endpoint.Protocol).To(Equal("TCP"))
			}
		})

		It("computes the disk location from the engine clock's date", func() {
			clk := testclock.NewClock(time.Date(2014, 5, 10, 14, 30, 0, 0, time.UTC))
			clocked, err := converge.NewEngine(converge.Config{
				API:                api,
				Certs:              certs,
				Clock:              clk,
				PollInterval:       10 * time.Millisecond,
				ErrorRetryInterval: 10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = clocked.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			disk := api.capturedDeployment.RoleList[0].OSVirtualHardDisk
			Expect(disk).NotTo(BeNil())
			Expect(disk.SourceImageName).To(Equal("ubuntu-image"))
			Expect(disk.MediaLink).To(Equal("http://mystorage.blob.core.windows.net/vhds/web01-web01-2014-05-10.vhd"))
		})

		It("keeps password logins when a password is set and no certificate is given", func() {
			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			linux := configurationSet(api.capturedDeployment, "LinuxProvisioningConfiguration")
			Expect(linux.DisableSSHPasswordAuthentication).NotTo(BeNil())
			Expect(*linux.DisableSSHPasswordAuthentication).To(BeFalse())
			Expect(linux.UserPassword).To(Equal("s3cret"))
		})

		It("disables password logins when a certificate is supplied, even with a password set", func() {
			spec.SSHCertPath = "/home/admin/.ssh/id.pem"

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			linux := configurationSet(api.capturedDeployment, "LinuxProvisioningConfiguration")
			Expect(linux.DisableSSHPasswordAuthentication).NotTo(BeNil())
			Expect(*linux.DisableSSHPasswordAuthentication).To(BeTrue())
		})

		It("disables password logins when no password is given", func() {
			spec.Password = ""

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			linux := configurationSet(api.capturedDeployment, "LinuxProvisioningConfiguration")
			Expect(linux.DisableSSHPasswordAuthentication).NotTo(BeNil())
			Expect(*linux.DisableSSHPasswordAuthentication).To(BeTrue())
		})

		It("registers the certificate and attaches the public key identity", func() {
			spec.SSHCertPath = "/home/admin/.ssh/id.pem"

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())

			Expect(certs.paths).To(Equal([]string{"/home/admin/.ssh/id.pem"}))
			Expect(api.capturedCertService).To(Equal("web01"))
			Expect(api.capturedCert.Data).To(Equal("UEtDUzEyLURFUi1CWVRFUw=="))
			Expect(api.capturedCert.CertificateFormat).To(Equal("pfx"))
			Expect(api.capturedCert.Password).To(BeEmpty())
			Expect(api.waitedOperations).To(Equal([]asm.OperationID{"op-cert-1"}))

			linux := configurationSet(api.capturedDeployment, "LinuxProvisioningConfiguration")
			Expect(linux.SSH).NotTo(BeNil())
			Expect(linux.SSH.PublicKeys).To(HaveLen(1))
			Expect(linux.SSH.PublicKeys[0].Fingerprint).To(Equal("88600B13A91447DA4E19107D34922BDFA17DCAFF"))
			Expect(linux.SSH.PublicKeys[0].Path).To(Equal("/home/admin/.ssh/authorized_keys"))
		})

		It("fails when the certificate tokens cannot be extracted", func() {
			spec.SSHCertPath = "/home/admin/.ssh/id.pem"
			certs.err = context.DeadlineExceeded

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).To(HaveOccurred())
			Expect(api.count("CreateDeployment")).To(BeZero())
		})

		It("still reports changed when the wait window closes unconfirmed", func() {
			api.neverVisible = true
			spec.WaitTimeout = 1

			outcome, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())
			Expect(api.count("CreateDeployment")).To(Equal(1))
		})

		It("skips confirmation entirely when wait is disabled", func() {
			api.neverVisible = true
			spec.Wait = false

			outcome, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())
			// Only the initial existence probe touches GetDeployment.
			Expect(api.count("GetDeployment")).To(Equal(1))
		})

		It("skips the certificate operation wait when wait is disabled", func() {
			spec.SSHCertPath = "/home/admin/.ssh/id.pem"
			spec.Wait = false

			_, err := engine.Converge(ctx, spec, config.StatePresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(api.count("AddServiceCertificate")).To(Equal(1))
			Expect(api.waitedOperations).To(BeEmpty())
		})
	})

	Describe("converging to absent", func() {
		BeforeEach(func() {
			api.services["web01"] = true
			api.deployments["web01"] = &asm.Deployment{Name: "web01", Status: "Running"}
		})

		It("deletes the deployment and then the hosted service", func() {
			outcome, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())

			Expect(api.count("DeleteDeployment")).To(Equal(1))
			Expect(api.count("DeleteHostedService")).To(Equal(1))
			Expect(api.indexOf("DeleteDeployment")).To(BeNumerically("<", api.indexOf("DeleteHostedService")))
			Expect(api.services).NotTo(HaveKey("web01"))
		})

		It("reports no change when nothing exists", func() {
			delete(api.deployments, "web01")

			outcome, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeFalse())
			Expect(api.count("DeleteDeployment")).To(BeZero())
			Expect(api.count("DeleteHostedService")).To(BeZero())
		})

		It("is idempotent across repeated terminations", func() {
			first, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			second, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			third, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Changed).To(BeTrue())
			Expect(second.Changed).To(BeFalse())
			Expect(third.Changed).To(BeFalse())
		})

		It("removes the hosted service even when absence is never confirmed", func() {
			api.stickyDeployment = true
			spec.WaitTimeout = 1

			outcome, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())
			Expect(api.count("DeleteHostedService")).To(Equal(1))
		})

		It("fails fatally when the deployment delete is rejected", func() {
			api.deleteDeploymentErr = &asm.Error{StatusCode: 400, Code: "BadRequest", Message: "deployment busy"}

			_, err := engine.Converge(ctx, spec, config.StateAbsent)
			Expect(err).To(HaveOccurred())
			Expect(api.count("DeleteHostedService")).To(BeZero())
		})

		It("needs only the name to terminate", func() {
			minimal := &config.Config{
				Name:        "web01",
				Endpoints:   "22",
				WaitTimeout: 300,
				Wait:        true,
			}

			outcome, err := engine.Converge(ctx, minimal, config.StateAbsent)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Changed).To(BeTrue())
		})
	})
})
