package gateway

// Gateway modes.
const (
	ModeLive = "live"
	ModeMock = "mock"
)

// New creates a gateway for the given mode. Anything other than ModeMock
// gets a live provider client.
func New(mode string, cfg ClientConfig) Gateway {
	if mode == ModeMock {
		return NewMockGateway()
	}
	return NewClient(cfg)
}
