package diode

import (
	"fmt"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
)

// NetworkFixture describes the configuration of the diode network and the
// payloads provisioned before the scenario runs.
type NetworkFixture struct {
	Network  NetworkCfg       `json:"network,omitempty"`
	Payloads []PayloadFixture `json:"payloads,omitempty"`
}

// PayloadFixture is a payload created along with the network.
type PayloadFixture struct {
	Name string `json:"name"`
	// Size is a size string as accepted by ParseSize.
	Size string `json:"size"`
	// Staged creates the payload outside of the send directory.
	Staged bool `json:"staged,omitempty"`
}

// Create instantiates the network described by the fixture.
func (f *NetworkFixture) Create(env *env.Env) (*Network, error) {
	net, err := New(env, &f.Network)
	if err != nil {
		return nil, err
	}

	for _, p := range f.Payloads {
		size, err := ParseSize(p.Size)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %w", p.Name, err)
		}
		if p.Staged {
			_, err = net.CreateStagedPayload(p.Name, size)
		} else {
			_, err = net.CreatePayload(p.Name, size)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to provision payload %s: %w", p.Name, err)
		}
	}

	return net, nil
}

// NewDefaultFixture returns a fixture of the undisrupted topology, without
// payloads.
func NewDefaultFixture() *NetworkFixture {
	return &NetworkFixture{
		Network: DefaultNetworkCfg(),
	}
}
