package gateway

import (
	"fmt"

	"bitbucket.org/mmdatafocus/fiscal_backend/config"
	"github.com/sirupsen/logrus"
)

// New picks the backend named by settings.Provider. The choice is made once per process.
func New(settings config.Settings, logger *logrus.Logger) (Adapter, error) {
	switch settings.Provider {
	case config.ProviderDelegated:
		factory, err := NewBridgeFactory(settings.BridgeURL, settings.BridgeToken, settings.BridgeRatePerSecond, settings.GatewayTimeout)
		if err != nil {
			return nil, fmt.Errorf("delegated gateway: %w", err)
		}
		return WithMetrics(NewDelegated(factory, settings.GatewayTimeout, logger)), nil
	case config.ProviderSimulated, "":
		return WithMetrics(NewSimulated(settings.SimulatedDelay, logger)), nil
	}
	return nil, fmt.Errorf("unknown fiscal provider %q", settings.Provider)
}
