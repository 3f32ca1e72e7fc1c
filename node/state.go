package node

import (
	"fmt"
	"log"
)

// clientState interface defines the connection lifecycle operations a
// NodeClient can be in. Each state implements only the transitions that are
// valid from it; everything else returns an error via baseState.
type clientState interface {
	Name() string
	OnConnected(*NodeClient) error
	OnAuthorizationURL(*NodeClient, string) error
	OnAuthToken(*NodeClient, string) error
	OnRegisterError(*NodeClient, string, string) error
	OnConnectionReady(*NodeClient, string) error
}

// baseState provides default error implementations for every transition.
type baseState struct{ name string }

func (s *baseState) Name() string { return s.name }
func (s *baseState) OnConnected(*NodeClient) error {
	return fmt.Errorf("unexpected connect in %s state", s.name)
}
func (s *baseState) OnAuthorizationURL(*NodeClient, string) error {
	return fmt.Errorf("unexpected authorization url in %s state", s.name)
}
func (s *baseState) OnAuthToken(*NodeClient, string) error {
	return fmt.Errorf("unexpected auth token in %s state", s.name)
}
func (s *baseState) OnRegisterError(*NodeClient, string, string) error {
	return fmt.Errorf("unexpected register error in %s state", s.name)
}
func (s *baseState) OnConnectionReady(*NodeClient, string) error {
	return fmt.Errorf("unexpected connection ready in %s state", s.name)
}

// ============================================================
// disconnectedState - before the WebSocket dial
// ============================================================

type disconnectedState struct{ baseState }

func newDisconnectedState() *disconnectedState {
	return &disconnectedState{baseState{name: "DISCONNECTED"}}
}

func (s *disconnectedState) OnConnected(c *NodeClient) error {
	if c.token == "" {
		log.Printf("[NodeClient] No token, requesting authorization URL")
		c.setState(newAwaitingAuthState())
		return c.sendReqAuthorizationURL()
	}

	log.Printf("[NodeClient] Registering with saved token")
	c.setState(newRegisteringState())
	return c.sendRegister()
}

// ============================================================
// awaitingAuthState - waiting for the relay to hand out a dashboard URL
// ============================================================

type awaitingAuthState struct{ baseState }

func newAwaitingAuthState() *awaitingAuthState {
	return &awaitingAuthState{baseState{name: "AWAITING_AUTH"}}
}

func (s *awaitingAuthState) OnAuthorizationURL(c *NodeClient, authURL string) error {
	log.Printf("[NodeClient] Received authorization URL: %s", authURL)
	if c.OnConnectionReady != nil {
		c.OnConnectionReady(c.nodeID, authURL)
	}
	c.setState(newAwaitingTokenState())
	return nil
}

// ============================================================
// awaitingTokenState - authorization URL handed to the user, waiting for
// the relay to push an auth_token once they complete it out of band
// ============================================================

type awaitingTokenState struct{ baseState }

func newAwaitingTokenState() *awaitingTokenState {
	return &awaitingTokenState{baseState{name: "AWAITING_TOKEN"}}
}

func (s *awaitingTokenState) OnAuthToken(c *NodeClient, token string) error {
	log.Printf("[NodeClient] Received auth token, persisting and registering")
	c.token = token
	if c.config != nil {
		c.config.Token = token
		if err := SaveConfig(c.config); err != nil {
			log.Printf("[NodeClient] Warning: failed to save token: %v", err)
		}
	}

	c.setState(newRegisteringState())
	return c.sendRegister()
}

// ============================================================
// registeringState - register sent, waiting for connection_ready or an error
// ============================================================

type registeringState struct{ baseState }

func newRegisteringState() *registeringState {
	return &registeringState{baseState{name: "REGISTERING"}}
}

func (s *registeringState) OnRegisterError(c *NodeClient, code, msg string) error {
	c.setState(newDisconnectedState())
	return fmt.Errorf("registration failed: %s (%s)", msg, code)
}

func (s *registeringState) OnConnectionReady(c *NodeClient, dashboardURL string) error {
	log.Printf("[NodeClient] Registered, announcing services")
	c.setState(newRegisteredState())

	if c.OnConnectionReady != nil {
		c.OnConnectionReady(c.nodeID, "")
	}

	return c.sendAnnounce()
}

// ============================================================
// registeredState - steady state, handling bridges and data
// ============================================================

type registeredState struct{ baseState }

func newRegisteredState() *registeredState {
	return &registeredState{baseState{name: "REGISTERED"}}
}

// A second connection_ready (e.g. after the relay restarts registration
// bookkeeping) just re-announces services; it's not an error.
func (s *registeredState) OnConnectionReady(c *NodeClient, dashboardURL string) error {
	return c.sendAnnounce()
}
