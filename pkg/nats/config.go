package nats

import (
	"fmt"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

const DefaultSubjectPrefix = "nav"

type ClientOpts struct {
	Logger     logger.Logger
	ServerURLs []string
	// ClientName identifies this publisher to the NATS server.
	ClientName string
	// SubjectPrefix defaults to "nav"; updates are published on
	// "<prefix>.updates".
	SubjectPrefix string
}

// verifyConfig validates all required fields are properly set
func (c *ClientOpts) verifyConfig() error {
	var errs []error

	if c.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required for NATS client"))
	}
	if len(c.ServerURLs) == 0 {
		errs = append(errs, fmt.Errorf("at least one server URL is required for NATS client"))
	}
	if c.ClientName == "" {
		errs = append(errs, fmt.Errorf("client name is required for NATS client"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid NATS client configuration: %v", errs)
	}
	return nil
}

type TransmitterOpts struct {
	Logger        logger.Logger
	ServerURLs    []string
	ClientName    string
	SubjectPrefix string
}
