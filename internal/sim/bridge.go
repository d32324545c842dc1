package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Bridge error codes returned by the simulator-side bridge.
const (
	codeNotFound = 404
	codeSpawn    = 409
)

type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcMessage is either a response (ID set) or a notification (Method set).
type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// BridgeClient implements Environment as a JSON-RPC client over a WebSocket
// to a bridge process running next to the simulator. Sensor measurements
// arrive as "sensor" notifications and are dispatched on the read goroutine.
type BridgeClient struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan rpcMessage
	listeners map[ActorID]SensorFunc

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// Dial connects to the bridge at url. Failures wrap ErrConnection.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (*BridgeClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, url, err)
	}
	c := &BridgeClient{
		conn:      conn,
		logger:    logger,
		pending:   make(map[uint64]chan rpcMessage),
		listeners: make(map[ActorID]SensorFunc),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	logger.Info("Connected to simulator bridge", zap.String("url", url))
	return c, nil
}

func (c *BridgeClient) readLoop() {
	defer close(c.done)
	for {
		var msg rpcMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		if msg.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		if msg.Method == "sensor" {
			var data SensorData
			if err := json.Unmarshal(msg.Params, &data); err != nil {
				c.logger.Warn("Malformed sensor notification", zap.Error(err))
				continue
			}
			c.mu.Lock()
			fn := c.listeners[data.Sensor]
			c.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
	}
}

func (c *BridgeClient) call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.connErr(method)
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%w: %s: %v", ErrConnection, method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return c.connErr(method)
	case msg := <-ch:
		if msg.Error != nil {
			return mapRPCError(method, msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *BridgeClient) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *BridgeClient) connErr(method string) error {
	c.mu.Lock()
	err := c.readErr
	c.mu.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, method, err)
}

func mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case codeNotFound:
		return fmt.Errorf("%s: %w: %s", method, ErrNotFound, e.Message)
	case codeSpawn:
		return fmt.Errorf("%s: %w: %s", method, ErrSpawn, e.Message)
	default:
		return fmt.Errorf("%s: bridge error %d: %s", method, e.Code, e.Message)
	}
}

type actorParams struct {
	ID ActorID `json:"id"`
}

func (c *BridgeClient) Tick(ctx context.Context) (uint64, error) {
	var res struct {
		Frame uint64 `json:"frame"`
	}
	if err := c.call(ctx, "tick", nil, &res); err != nil {
		return 0, err
	}
	return res.Frame, nil
}

func (c *BridgeClient) Spawn(ctx context.Context, spec ActorSpec) (ActorID, error) {
	var res actorParams
	if err := c.call(ctx, "spawn", spec, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

func (c *BridgeClient) Destroy(ctx context.Context, id ActorID) error {
	c.mu.Lock()
	delete(c.listeners, id)
	c.mu.Unlock()
	return c.call(ctx, "destroy", actorParams{ID: id}, nil)
}

func (c *BridgeClient) IsAlive(ctx context.Context, id ActorID) (bool, error) {
	var res struct {
		Alive bool `json:"alive"`
	}
	err := c.call(ctx, "is_alive", actorParams{ID: id}, &res)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return res.Alive, err
}

func (c *BridgeClient) ApplyWeather(ctx context.Context, w Weather) error {
	return c.call(ctx, "apply_weather", w, nil)
}

func (c *BridgeClient) SetVehicleLights(ctx context.Context, on bool) error {
	return c.call(ctx, "set_vehicle_lights", map[string]bool{"on": on}, nil)
}

func (c *BridgeClient) Transform(ctx context.Context, id ActorID) (Transform, error) {
	var t Transform
	err := c.call(ctx, "get_transform", actorParams{ID: id}, &t)
	return t, err
}

func (c *BridgeClient) BoundingBoxes(ctx context.Context) ([]ActorBox, error) {
	var boxes []ActorBox
	err := c.call(ctx, "bounding_boxes", nil, &boxes)
	return boxes, err
}

// Listen registers fn before asking the bridge to stream, so no measurement
// sent right after the subscription is lost.
func (c *BridgeClient) Listen(ctx context.Context, sensor ActorID, fn SensorFunc) error {
	c.mu.Lock()
	c.listeners[sensor] = fn
	c.mu.Unlock()
	if err := c.call(ctx, "listen", actorParams{ID: sensor}, nil); err != nil {
		c.mu.Lock()
		delete(c.listeners, sensor)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *BridgeClient) Settings(ctx context.Context) (WorldSettings, error) {
	var s WorldSettings
	err := c.call(ctx, "get_settings", nil, &s)
	return s, err
}

func (c *BridgeClient) ApplySettings(ctx context.Context, s WorldSettings) error {
	return c.call(ctx, "apply_settings", s, nil)
}

func (c *BridgeClient) ConfigureTraffic(ctx context.Context, seed int64) error {
	return c.call(ctx, "configure_traffic", map[string]interface{}{"seed": seed, "synchronous": true}, nil)
}

func (c *BridgeClient) StartWalker(ctx context.Context, controller ActorID, maxSpeed float64) error {
	return c.call(ctx, "walker_start", map[string]interface{}{"id": controller, "max_speed": maxSpeed}, nil)
}

func (c *BridgeClient) StopWalker(ctx context.Context, controller ActorID) error {
	return c.call(ctx, "walker_stop", actorParams{ID: controller}, nil)
}

// Close sends a close frame and tears down the connection.
func (c *BridgeClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

var _ Environment = (*BridgeClient)(nil)
