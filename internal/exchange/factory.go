package exchange

import (
	"fmt"
	"strings"
	"time"
)

// SupportedExchanges lists the names accepted by NewGateway
var SupportedExchanges = []string{
	bitgetName,
	paperName,
}

// Options carries venue wiring shared by every gateway the factory builds
type Options struct {
	BaseURL string        // Bitget host override
	Timeout time.Duration // per-request transport timeout
	Paper   *Paper        // venue backing the paper gateway
}

// NewGateway builds a gateway for the named exchange bound to creds
func NewGateway(name string, creds Credentials, opts Options) (Gateway, error) {
	switch strings.ToLower(name) {
	case bitgetName:
		return NewBitget(creds, opts.BaseURL, opts.Timeout), nil
	case paperName:
		if opts.Paper == nil {
			return nil, fmt.Errorf("paper exchange requires a venue")
		}
		return opts.Paper.Gateway(creds), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported reports whether name is a known exchange
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
