package common

import (
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/security"

	"github.com/petrelbrowser/petrel/log"
)

// NetworkManager enables network tracking for one target and keeps a tally
// of in-flight requests.
type NetworkManager struct {
	ignoreHTTPSErrors bool
	inflightRequests  map[network.RequestID]struct{}
	logger            *log.Logger
}

// NewNetworkManager creates a network manager for one target.
func NewNetworkManager(ignoreHTTPSErrors bool, logger *log.Logger) *NetworkManager {
	return &NetworkManager{
		ignoreHTTPSErrors: ignoreHTTPSErrors,
		inflightRequests:  make(map[network.RequestID]struct{}),
		logger:            logger,
	}
}

// initCommands returns the setup sequence for the network domain.
func (m *NetworkManager) initCommands() []chainCommand {
	cmds := []chainCommand{
		{method: network.CommandEnable, params: mustMarshal(network.Enable())},
	}
	if m.ignoreHTTPSErrors {
		cmds = append(cmds, chainCommand{
			method: security.CommandSetIgnoreCertificateErrors,
			params: mustMarshal(security.SetIgnoreCertificateErrors(true)),
		})
	}
	return cmds
}

// inflightCount returns the number of network requests without a terminal
// loading event yet.
func (m *NetworkManager) inflightCount() int {
	return len(m.inflightRequests)
}

func (m *NetworkManager) onRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	m.inflightRequests[ev.RequestID] = struct{}{}
}

func (m *NetworkManager) onLoadingFinished(ev *network.EventLoadingFinished) {
	delete(m.inflightRequests, ev.RequestID)
}

func (m *NetworkManager) onLoadingFailed(ev *network.EventLoadingFailed) {
	if ev.Canceled {
		m.logger.Debugf("NetworkManager", "request %s canceled", ev.RequestID)
	}
	delete(m.inflightRequests, ev.RequestID)
}
