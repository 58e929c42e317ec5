package converge

import (
	"context"
	"fmt"
	"time"

	"azvm/internal/asm"
	"azvm/internal/config"
	"azvm/internal/logging"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Poll intervals used when the Config leaves them zero.
const (
	DefaultPollInterval       = 5 * time.Second
	DefaultErrorRetryInterval = time.Second
)

const (
	deploymentSlotProduction = "Production"
	certificateFormatPFX     = "pfx"
)

// ProviderAPI is the slice of the management API the engine consumes.
// *asm.Client satisfies it.
type ProviderAPI interface {
	GetDeployment(ctx context.Context, serviceName, deploymentName string) (*asm.Deployment, error)
	ListHostedServices(ctx context.Context) ([]asm.HostedService, error)
	CreateHostedService(ctx context.Context, params asm.CreateHostedServiceParams) error
	AddServiceCertificate(ctx context.Context, serviceName string, cert asm.ServiceCertificate) (asm.OperationID, error)
	CreateDeployment(ctx context.Context, serviceName string, deployment asm.Deployment) (asm.OperationID, error)
	DeleteDeployment(ctx context.Context, serviceName, deploymentName string) (asm.OperationID, error)
	DeleteHostedService(ctx context.Context, serviceName string) (asm.OperationID, error)
	WaitForOperation(ctx context.Context, id asm.OperationID, timeout time.Duration) error
}

// CertificateExtractor derives the fingerprint and PKCS#12 tokens from a
// certificate file. *cert.Extractor satisfies it.
type CertificateExtractor interface {
	Extract(ctx context.Context, path string) (fingerprint, pkcs12Base64 string, err error)
}

// Outcome is the sole externally observable result of a convergence run.
type Outcome struct {
	Changed bool `json:"changed"`
}

// Config assembles an Engine.
type Config struct {
	API   ProviderAPI
	Certs CertificateExtractor

	// Clock drives polling and the disk location date. Defaults to the
	// wall clock.
	Clock  clock.Clock
	Logger *zap.Logger

	// PollInterval separates probes that returned a valid non-matching
	// answer; ErrorRetryInterval separates probes after a transient
	// failure.
	PollInterval       time.Duration
	ErrorRetryInterval time.Duration
}

// Validate checks the collaborators that have no usable default.
func (c Config) Validate() error {
	if c.API == nil {
		return fmt.Errorf("engine config: API must not be nil")
	}
	if c.Certs == nil {
		return fmt.Errorf("engine config: Certs must not be nil")
	}
	return nil
}

// Engine converges one instance onto a desired state. It keeps no state
// of its own between runs; the provider is the single source of truth.
type Engine struct {
	config Config
}

// NewEngine validates the config and fills in defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorRetryInterval <= 0 {
		cfg.ErrorRetryInterval = DefaultErrorRetryInterval
	}
	return &Engine{config: cfg}, nil
}

// Converge drives the instance described by spec to the desired state and
// reports whether anything was changed. The decision is a pure function
// of desired state and probed existence:
//
//	present + found     -> nothing
//	present + not found -> create and wait
//	absent  + found     -> delete and wait
//	absent  + not found -> nothing
func (e *Engine) Converge(ctx context.Context, spec *config.Config, desired config.DesiredState) (Outcome, error) {
	work := *spec
	work.State = desired
	if err := work.Validate(); err != nil {
		return Outcome{}, err
	}

	existence := e.Probe(ctx, work.Name)
	if existence.State == Indeterminate {
		return Outcome{}, fmt.Errorf("failed to probe deployment %s: %w", work.Name, existence.Err)
	}

	switch desired {
	case config.StatePresent:
		if existence.State == Found {
			e.config.Logger.Info("Deployment already present", zap.String("name", work.Name))
			return Outcome{Changed: false}, nil
		}
		if err := e.create(ctx, &work); err != nil {
			return Outcome{}, err
		}
		return Outcome{Changed: true}, nil

	case config.StateAbsent:
		if existence.State == NotFound {
			e.config.Logger.Info("Deployment already absent", zap.String("name", work.Name))
			return Outcome{Changed: false}, nil
		}
		if err := e.delete(ctx, &work); err != nil {
			return Outcome{}, err
		}
		return Outcome{Changed: true}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown desired state %q", desired)
	}
}

// create builds and submits the deployment, then waits for it to become
// visible. The wait closing unconfirmed still counts as changed; the
// mutation was issued.
func (e *Engine) create(ctx context.Context, spec *config.Config) error {
	if err := e.ensureHostedService(ctx, spec); err != nil {
		return err
	}

	ports, err := spec.Ports()
	if err != nil {
		return err
	}

	// A supplied certificate switches the instance to key-only logins; so
	// does the absence of a password.
	disablePasswordAuth := spec.SSHCertPath != "" || spec.Password == ""

	role := asm.NewLinuxRole(spec.Name, spec.RoleSize)
	asm.ConfigureForLinux(role, spec.EffectiveHostname(), spec.User, spec.Password, disablePasswordAuth)

	if spec.SSHCertPath != "" {
		if err := e.registerSSHCertificate(ctx, spec, role); err != nil {
			return err
		}
	}

	asm.ConfigureWithExternalPorts(role, ports)
	mediaLink := asm.OSDiskMediaLink(spec.StorageAccount, spec.Name, e.config.Clock.Now())
	asm.ConfigureWithOSDisk(role, spec.Image, mediaLink)

	deployment := asm.Deployment{
		Name:               spec.Name,
		DeploymentSlot:     deploymentSlotProduction,
		Label:              asm.EncodeLabel(spec.Name),
		RoleList:           []asm.Role{*role},
		VirtualNetworkName: spec.VirtualNetworkName,
	}

	if _, err := e.config.API.CreateDeployment(ctx, spec.Name, deployment); err != nil {
		return fmt.Errorf("failed to create deployment %s: %w", spec.Name, err)
	}
	e.config.Logger.Info("Creating deployment",
		zap.String("name", spec.Name),
		zap.String("location", spec.Location),
		zap.String("size", spec.RoleSize),
		zap.String("image", spec.Image))

	if spec.Wait {
		e.waitForState(ctx, spec.Name, Found, spec.WaitDuration())
	}
	return nil
}

// delete removes the deployment and then its hosted service. The hosted
// service goes away even when absence was not confirmed inside the wait
// window. Data disks that were attached to the role are left behind; this
// tool does not manage disk lifecycles.
func (e *Engine) delete(ctx context.Context, spec *config.Config) error {
	if _, err := e.config.API.DeleteDeployment(ctx, spec.Name, spec.Name); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", spec.Name, err)
	}
	e.config.Logger.Info("Deleting deployment", zap.String("name", spec.Name))

	if spec.Wait {
		e.waitForState(ctx, spec.Name, NotFound, spec.WaitDuration())
	}

	if _, err := e.config.API.DeleteHostedService(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to delete hosted service %s: %w", spec.Name, err)
	}
	return nil
}

// ensureHostedService makes sure the namespace the deployment lives in
// exists, creating it when the subscription does not list it yet.
func (e *Engine) ensureHostedService(ctx context.Context, spec *config.Config) error {
	services, err := e.config.API.ListHostedServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hosted services: %w", err)
	}
	names := make([]string, 0, len(services))
	for _, service := range services {
		if service.ServiceName == spec.Name {
			return nil
		}
		names = append(names, service.ServiceName)
	}
	e.config.Logger.Debug("Hosted service not in subscription, creating it",
		zap.String("name", spec.Name),
		zap.Strings("existing", logging.TruncateSlice(names, 10)))

	params := asm.CreateHostedServiceParams{
		ServiceName: spec.Name,
		Label:       asm.EncodeLabel(spec.Name),
		Location:    spec.Location,
	}
	if err := e.config.API.CreateHostedService(ctx, params); err != nil {
		return fmt.Errorf("failed to create hosted service %s: %w", spec.Name, err)
	}
	return nil
}

// registerSSHCertificate extracts the certificate tokens, registers the
// PKCS#12 blob with the hosted service and points the admin user's
// authorized_keys at the resulting fingerprint.
func (e *Engine) registerSSHCertificate(ctx context.Context, spec *config.Config, role *asm.Role) error {
	fingerprint, pkcs12, err := e.config.Certs.Extract(ctx, spec.SSHCertPath)
	if err != nil {
		return fmt.Errorf("failed to extract certificate tokens from %s: %w", spec.SSHCertPath, err)
	}

	operation, err := e.config.API.AddServiceCertificate(ctx, spec.Name, asm.ServiceCertificate{
		Data:              pkcs12,
		CertificateFormat: certificateFormatPFX,
	})
	if err != nil {
		return fmt.Errorf("failed to register certificate with %s: %w", spec.Name, err)
	}
	if spec.Wait && operation != "" {
		if err := e.config.API.WaitForOperation(ctx, operation, spec.WaitDuration()); err != nil {
			return fmt.Errorf("certificate registration on %s did not complete: %w", spec.Name, err)
		}
	}
	e.config.Logger.Info("Registered certificate",
		zap.String("service", spec.Name),
		zap.String("fingerprint", fingerprint))

	path := fmt.Sprintf("/home/%s/.ssh/authorized_keys", spec.User)
	return asm.ConfigureWithPublicSSHKey(role, fingerprint, path)
}
