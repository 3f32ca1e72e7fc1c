package node

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// OnConnectionReadyFunc is invoked when the node gets an authorization URL
// to show the user, or once it's fully registered with the relay.
// dashboardURL is non-empty only for the authorization-required case.
type OnConnectionReadyFunc func(nodeID, dashboardURL string)

// clientBridge tracks a local TCP connection opened in response to the
// relay's open_bridge request.
type clientBridge struct {
	conn      net.Conn
	closeOnce sync.Once
}

func (b *clientBridge) close() {
	b.closeOnce.Do(func() {
		b.conn.Close()
	})
}

// NodeClient maintains the persistent WebSocket connection from a node to
// the relay: authorizing or registering, announcing services, and proxying
// bridge data to/from the node's local services.
type NodeClient struct {
	relayAddr string
	services  []Service
	nodeID    string
	token     string
	config    *Config

	OnConnectionReady OnConnectionReadyFunc

	transport MessageTransport
	stateMu   sync.Mutex
	state     clientState

	bridges   map[string]*clientBridge
	bridgeMu  sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewNodeClient creates a node client bound to the given relay address,
// service list, node ID and (possibly empty) saved auth token.
func NewNodeClient(relayAddr string, services []Service, nodeID string, token string) *NodeClient {
	return &NodeClient{
		relayAddr: relayAddr,
		services:  services,
		nodeID:    nodeID,
		token:     token,
		state:     newDisconnectedState(),
		bridges:   make(map[string]*clientBridge),
		shutdown:  make(chan struct{}),
	}
}

func (c *NodeClient) setState(s clientState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

func (c *NodeClient) currentState() clientState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func newMsgID() string {
	return uuid.New().String()
}

// Run dials the relay and keeps the connection alive, reconnecting with a
// capped exponential backoff (per config.Reconnect) whenever it drops.
// It blocks until Close is called or the retry budget is exhausted.
func (c *NodeClient) Run(config *Config) error {
	c.config = config
	reconnect := config.Reconnect
	if reconnect.MaxBackoff == 0 {
		reconnect = DefaultReconnectConf()
	}

	attempt := 0
	for {
		select {
		case <-c.shutdown:
			return nil
		default:
		}

		attempt++
		registered, err := c.runOnce()
		if err != nil {
			log.Printf("[NodeClient] Connection error: %v", err)
		}
		if registered {
			attempt = 0
		}

		select {
		case <-c.shutdown:
			return nil
		default:
		}

		if reconnect.Done(attempt) {
			return fmt.Errorf("exceeded max reconnect attempts (%d)", reconnect.MaxNumAttempts)
		}

		backoff := reconnect.NextBackoff(attempt)
		log.Printf("[NodeClient] Reconnecting in %v (attempt %d)", backoff, attempt)

		select {
		case <-time.After(backoff):
		case <-c.shutdown:
			return nil
		}
	}
}

// runOnce performs a single connect-register-run cycle. It returns whether
// the client reached the registered state before the connection dropped, and
// any error encountered.
func (c *NodeClient) runOnce() (registered bool, err error) {
	wsConn, _, err := websocket.DefaultDialer.Dial(c.relayAddr, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.transport = NewWebSocketConn(wsConn)
	defer c.transport.Close()

	c.setState(newDisconnectedState())
	if err := c.currentState().OnConnected(c); err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}

	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			c.closeAllBridges()
			return c.currentState().Name() == "REGISTERED", err
		}

		if err := c.handleMessage(msg); err != nil {
			log.Printf("[NodeClient] Error handling message: %v", err)
		}

		if c.currentState().Name() == "REGISTERED" {
			registered = true
		}
	}
}

func (c *NodeClient) handleMessage(msg *Message) error {
	if msg.IsControl() {
		return c.handleControl(msg.MsgID, msg.Control)
	}
	if msg.IsData() {
		return c.handleData(msg.Data)
	}
	return fmt.Errorf("unknown message type")
}

func (c *NodeClient) handleControl(msgID string, ctrl *ControlMsg) error {
	switch ctrl.Type {
	case MsgTypeResAuthorizationURL:
		return c.currentState().OnAuthorizationURL(c, ctrl.AuthURL)
	case MsgTypeAuthToken:
		return c.currentState().OnAuthToken(c, ctrl.Token)
	case MsgTypeConnectionReady:
		c.nodeID = ctrl.NodeID
		return c.currentState().OnConnectionReady(c, ctrl.DashboardURL)
	case MsgTypeRegisterError:
		return c.currentState().OnRegisterError(c, ctrl.ErrorCode, ctrl.ErrorMsg)
	case MsgTypeAck:
		return nil
	case MsgTypeOpenBridge:
		c.handleOpenBridge(msgID, ctrl.BridgeID, ctrl.Service)
		return nil
	case MsgTypeCloseBridge:
		c.handleCloseBridge(ctrl.BridgeID)
		return nil
	default:
		return fmt.Errorf("unknown control type: %s", ctrl.Type)
	}
}

func (c *NodeClient) sendReqAuthorizationURL() error {
	msg := NewReqAuthorizationURLMsg(newMsgID(), c.nodeID)
	return c.transport.WriteMessage(msg)
}

func (c *NodeClient) sendRegister() error {
	msg := &Message{
		MsgID: newMsgID(),
		Control: &ControlMsg{
			Type:   MsgTypeRegister,
			NodeID: c.nodeID,
			Token:  c.token,
		},
	}
	return c.transport.WriteMessage(msg)
}

func (c *NodeClient) sendAnnounce() error {
	msg := NewAnnounceMsg(newMsgID(), c.services)
	return c.transport.WriteMessage(msg)
}

// handleOpenBridge acks the relay's open_bridge request, then dials the
// local service it names and starts pumping its bytes back over the bridge
// as data messages.
func (c *NodeClient) handleOpenBridge(msgID string, bridgeID string, service *Service) {
	if err := c.transport.WriteMessage(NewAckMsg(newMsgID(), msgID)); err != nil {
		log.Printf("[NodeClient] Failed to ack open_bridge %s: %v", bridgeID, err)
	}

	if service == nil {
		log.Printf("[NodeClient] open_bridge %s missing service", bridgeID)
		return
	}

	addr := fmt.Sprintf("%s:%d", service.Addr, service.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("[NodeClient] Failed to dial local service %s for bridge %s: %v", addr, bridgeID, err)
		return
	}

	bridge := &clientBridge{conn: conn}
	c.bridgeMu.Lock()
	c.bridges[bridgeID] = bridge
	c.bridgeMu.Unlock()

	log.Printf("[NodeClient] Opened local connection to %s for bridge %s", addr, bridgeID)

	go c.pumpBridge(bridgeID, bridge)
}

func (c *NodeClient) pumpBridge(bridgeID string, bridge *clientBridge) {
	buf := make([]byte, 32*1024)
	for {
		n, err := bridge.conn.Read(buf)
		if n > 0 {
			msg := NewDataMsg(newMsgID(), bridgeID, append([]byte(nil), buf[:n]...))
			if werr := c.transport.WriteMessage(msg); werr != nil {
				log.Printf("[NodeClient] Bridge %s: write to relay failed: %v", bridgeID, werr)
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[NodeClient] Bridge %s: local read error: %v", bridgeID, err)
			}
			break
		}
	}

	c.bridgeMu.Lock()
	delete(c.bridges, bridgeID)
	c.bridgeMu.Unlock()
	bridge.close()
}

func (c *NodeClient) handleCloseBridge(bridgeID string) {
	c.bridgeMu.Lock()
	bridge, exists := c.bridges[bridgeID]
	delete(c.bridges, bridgeID)
	c.bridgeMu.Unlock()

	if exists {
		bridge.close()
		log.Printf("[NodeClient] Closed bridge %s", bridgeID)
	}
}

func (c *NodeClient) handleData(data *DataMsg) error {
	c.bridgeMu.Lock()
	bridge, exists := c.bridges[data.BridgeID]
	c.bridgeMu.Unlock()

	if !exists {
		return fmt.Errorf("unknown bridge: %s", data.BridgeID)
	}

	if _, err := bridge.conn.Write(data.Payload); err != nil {
		return fmt.Errorf("write to local service: %w", err)
	}
	return nil
}

func (c *NodeClient) closeAllBridges() {
	c.bridgeMu.Lock()
	defer c.bridgeMu.Unlock()
	for id, bridge := range c.bridges {
		bridge.close()
		delete(c.bridges, id)
	}
}

// Close stops the client and tears down the connection and any open bridges.
func (c *NodeClient) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		if c.transport != nil {
			c.transport.Close()
		}
		c.closeAllBridges()
	})
}
