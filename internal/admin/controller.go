package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"stexchange/internal/compute"
)

// ErrUnauthorized is returned when a mode change carries the wrong operator
// token.
var ErrUnauthorized = errors.New("unauthorized")

// Controller guards operator-only administration of the result gateway.
// The operator token is fixed at startup from configuration.
type Controller struct {
	operatorToken string
	gateway       *compute.Gateway
}

func NewController(operatorToken string, gateway *compute.Gateway) *Controller {
	return &Controller{operatorToken: operatorToken, gateway: gateway}
}

// Authorize checks a caller's token against the configured operator token.
// An empty configured token locks every operator action out entirely.
func (c *Controller) Authorize(token string) error {
	if c.operatorToken == "" {
		return fmt.Errorf("no operator token configured: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.operatorToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// SetProviderMode switches the gateway backend. Operator-only.
func (c *Controller) SetProviderMode(token string, mode compute.Mode) error {
	if err := c.Authorize(token); err != nil {
		return err
	}
	if mode != compute.ModeStub && mode != compute.ModeVerified {
		return fmt.Errorf("unknown provider mode %d", mode)
	}

	c.gateway.SetMode(mode)
	return nil
}

// Mode reports the gateway's current backend.
func (c *Controller) Mode() compute.Mode {
	return c.gateway.Mode()
}
