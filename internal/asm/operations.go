package asm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/retry"
	"go.uber.org/zap"
)

var errOperationInProgress = errors.New("operation still in progress")

// GetDeployment fetches a deployment by name. A missing service or
// deployment comes back as a *Error satisfying IsNotFound.
func (c *Client) GetDeployment(ctx context.Context, serviceName, deploymentName string) (*Deployment, error) {
	path := fmt.Sprintf("/services/hostedservices/%s/deployments/%s",
		url.PathEscape(serviceName), url.PathEscape(deploymentName))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var deployment Deployment
	if err := decodeBody(resp, &deployment); err != nil {
		return nil, err
	}
	return &deployment, nil
}

// ListHostedServices returns every hosted service of the subscription.
func (c *Client) ListHostedServices(ctx context.Context) ([]HostedService, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services/hostedservices", nil)
	if err != nil {
		return nil, err
	}
	var list hostedServiceList
	if err := decodeBody(resp, &list); err != nil {
		return nil, err
	}
	return list.HostedServices, nil
}

// CreateHostedService creates the namespace a deployment lives in. The
// call is synchronous; a name collision surfaces as a *Error.
func (c *Client) CreateHostedService(ctx context.Context, params CreateHostedServiceParams) error {
	resp, err := c.do(ctx, http.MethodPost, "/services/hostedservices", params)
	if err != nil {
		return err
	}
	discardBody(resp)
	c.logger.Info("Created hosted service", zap.String("service", params.ServiceName))
	return nil
}

// AddServiceCertificate registers certificate material with a hosted
// service and returns the asynchronous operation handle.
func (c *Client) AddServiceCertificate(ctx context.Context, serviceName string, cert ServiceCertificate) (OperationID, error) {
	path := fmt.Sprintf("/services/hostedservices/%s/certificates", url.PathEscape(serviceName))
	resp, err := c.do(ctx, http.MethodPost, path, cert)
	if err != nil {
		return "", err
	}
	defer discardBody(resp)
	return operationID(resp), nil
}

// CreateDeployment starts creation of a virtual machine deployment inside
// the hosted service and returns the asynchronous operation handle.
func (c *Client) CreateDeployment(ctx context.Context, serviceName string, deployment Deployment) (OperationID, error) {
	path := fmt.Sprintf("/services/hostedservices/%s/deployments", url.PathEscape(serviceName))
	resp, err := c.do(ctx, http.MethodPost, path, deployment)
	if err != nil {
		return "", err
	}
	defer discardBody(resp)
	c.logger.Info("Requested deployment creation",
		zap.String("service", serviceName),
		zap.String("deployment", deployment.Name))
	return operationID(resp), nil
}

// DeleteDeployment starts deletion of a deployment and returns the
// asynchronous operation handle.
func (c *Client) DeleteDeployment(ctx context.Context, serviceName, deploymentName string) (OperationID, error) {
	path := fmt.Sprintf("/services/hostedservices/%s/deployments/%s",
		url.PathEscape(serviceName), url.PathEscape(deploymentName))
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return "", err
	}
	defer discardBody(resp)
	c.logger.Info("Requested deployment deletion",
		zap.String("service", serviceName),
		zap.String("deployment", deploymentName))
	return operationID(resp), nil
}

// DeleteHostedService removes the hosted service once its deployments are
// gone.
func (c *Client) DeleteHostedService(ctx context.Context, serviceName string) (OperationID, error) {
	path := fmt.Sprintf("/services/hostedservices/%s", url.PathEscape(serviceName))
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return "", err
	}
	defer discardBody(resp)
	c.logger.Info("Deleted hosted service", zap.String("service", serviceName))
	return operationID(resp), nil
}

// GetOperationStatus reads the current state of an asynchronous operation.
func (c *Client) GetOperationStatus(ctx context.Context, id OperationID) (*Operation, error) {
	path := fmt.Sprintf("/operations/%s", url.PathEscape(string(id)))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var op Operation
	if err := decodeBody(resp, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// WaitForOperation polls an asynchronous operation until it succeeds. A
// Failed status or a provider error aborts the wait, and exceeding the
// timeout is an error: mutations must not be layered on an operation whose
// outcome is unknown.
func (c *Client) WaitForOperation(ctx context.Context, id OperationID, timeout time.Duration) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			op, err := c.GetOperationStatus(ctx, id)
			if err != nil {
				return err
			}
			switch op.Status {
			case OperationSucceeded:
				return nil
			case OperationFailed:
				if op.Error != nil {
					return fmt.Errorf("operation %s failed: %w", id, op.Error)
				}
				return fmt.Errorf("operation %s failed", id)
			default:
				return errOperationInProgress
			}
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errOperationInProgress)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			c.logger.Debug("Waiting for operation",
				zap.String("operation_id", string(id)),
				zap.Int("attempt", attempt))
		},
		Delay:       c.pollInterval,
		MaxDuration: timeout,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err):
		return fmt.Errorf("timed out after %s waiting for operation %s", timeout, id)
	case retry.IsRetryStopped(err):
		return ctx.Err()
	default:
		return err
	}
}
