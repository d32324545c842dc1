// Package sim is the narrow boundary between the collection worker and the
// simulator. Everything the worker needs from the world (ticking, actors,
// weather, sensors) goes through Environment so the worker logic can be
// exercised against an in-memory fake.
package sim

import (
	"context"
	"errors"
)

var (
	// ErrConnection means the simulator could not be reached or the
	// connection was lost.
	ErrConnection = errors.New("simulator connection failed")
	// ErrSpawn means the simulator refused to place an actor, usually
	// because the spawn point was occupied.
	ErrSpawn = errors.New("actor spawn failed")
	// ErrNotFound means the actor id is unknown to the simulator.
	ErrNotFound = errors.New("actor not found")
)

// ActorID identifies an actor in the simulated world.
type ActorID uint64

// Roles an actor can be spawned with.
const (
	RoleEgo        = "ego"
	RoleVehicle    = "vehicle"
	RoleWalker     = "walker"
	RoleController = "controller"
	RoleSensor     = "sensor"
)

type Vector3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

type Rotation struct {
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
	Roll  float64 `json:"roll" yaml:"roll"`
}

type Transform struct {
	Location Vector3  `json:"location" yaml:"location"`
	Rotation Rotation `json:"rotation" yaml:"rotation"`
}

// ActorBox is an actor's world-space bounding box.
type ActorBox struct {
	Actor     ActorID   `json:"actor"`
	Role      string    `json:"role"`
	Transform Transform `json:"transform"`
	Extent    Vector3   `json:"extent"`
}

// Weather holds the parameters of one weather preset. Angles are degrees,
// everything else is the simulator's 0-100 scale.
type Weather struct {
	Cloudiness            float64 `json:"cloudiness"`
	Precipitation         float64 `json:"precipitation"`
	PrecipitationDeposits float64 `json:"precipitation_deposits"`
	WindIntensity         float64 `json:"wind_intensity"`
	FogDensity            float64 `json:"fog_density"`
	Wetness               float64 `json:"wetness"`
	SunAltitude           float64 `json:"sun_altitude_angle"`
	SunAzimuth            float64 `json:"sun_azimuth_angle"`
}

// WorldSettings are the stepping settings of the world.
type WorldSettings struct {
	Synchronous bool    `json:"synchronous_mode"`
	FixedDelta  float64 `json:"fixed_delta_seconds"`
	NoRendering bool    `json:"no_rendering_mode"`
}

// ActorSpec describes an actor to spawn. A nil Transform asks the simulator
// for a random free spawn point; Parent attaches the actor (sensors to the
// ego, controllers to walkers).
type ActorSpec struct {
	Blueprint  string            `json:"blueprint"`
	Role       string            `json:"role"`
	Transform  *Transform        `json:"transform,omitempty"`
	Parent     ActorID           `json:"parent,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Autopilot  bool              `json:"autopilot,omitempty"`
}

// SensorData is one measurement pushed by a sensor. Frame is the simulator
// frame the measurement belongs to, not its arrival time.
type SensorData struct {
	Sensor  ActorID `json:"sensor"`
	Frame   uint64  `json:"frame"`
	Payload []byte  `json:"payload"`
}

// SensorFunc receives sensor data. It may be called from a goroutine other
// than the one driving Tick and must not block.
type SensorFunc func(SensorData)

// Environment is everything the collection worker asks of the simulator.
type Environment interface {
	// Tick advances the synchronous world one step and returns the new frame.
	Tick(ctx context.Context) (uint64, error)
	Spawn(ctx context.Context, spec ActorSpec) (ActorID, error)
	Destroy(ctx context.Context, id ActorID) error
	IsAlive(ctx context.Context, id ActorID) (bool, error)
	ApplyWeather(ctx context.Context, w Weather) error
	SetVehicleLights(ctx context.Context, on bool) error
	Transform(ctx context.Context, id ActorID) (Transform, error)
	BoundingBoxes(ctx context.Context) ([]ActorBox, error)
	Listen(ctx context.Context, sensor ActorID, fn SensorFunc) error
	Settings(ctx context.Context) (WorldSettings, error)
	ApplySettings(ctx context.Context, s WorldSettings) error
	// ConfigureTraffic seeds the traffic manager and puts it in
	// synchronous mode.
	ConfigureTraffic(ctx context.Context, seed int64) error
	StartWalker(ctx context.Context, controller ActorID, maxSpeed float64) error
	StopWalker(ctx context.Context, controller ActorID) error
	Close() error
}
