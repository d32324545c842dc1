// Package simtest provides an in-memory sim.Environment for tests.
package simtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/sim"
)

type actor struct {
	spec     sim.ActorSpec
	alive    bool
	walking  bool
	maxSpeed float64
}

// Fake is a deterministic simulator. Tick delivers one measurement per
// listened sensor synchronously, before returning the new frame, unless
// SensorFilter says otherwise.
type Fake struct {
	mu sync.Mutex

	frame     uint64
	nextID    sim.ActorID
	actors    map[sim.ActorID]*actor
	listeners map[sim.ActorID]sim.SensorFunc
	settings  sim.WorldSettings

	weather     []sim.Weather
	lights      []bool
	trafficSeed int64
	closed      bool

	// SensorFilter decides whether a sensor produces data for a frame.
	// A nil filter delivers everything.
	SensorFilter func(sensor sim.ActorID, frame uint64) bool
	// SpawnFilter may reject a spawn with an error (wrap sim.ErrSpawn).
	SpawnFilter func(spec sim.ActorSpec) error
	// TickErr, when set, is returned by Tick once frame reaches TickErrAt.
	TickErr   error
	TickErrAt uint64
}

// NewFake returns a fake world in asynchronous mode at frame 0.
func NewFake() *Fake {
	return &Fake{
		nextID:    1,
		actors:    make(map[sim.ActorID]*actor),
		listeners: make(map[sim.ActorID]sim.SensorFunc),
		settings:  sim.WorldSettings{FixedDelta: 0},
	}
}

var _ sim.Environment = (*Fake)(nil)

func (f *Fake) Tick(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	if f.TickErr != nil && f.frame+1 >= f.TickErrAt {
		err := f.TickErr
		f.mu.Unlock()
		return 0, err
	}
	f.frame++
	frame := f.frame
	type delivery struct {
		id sim.ActorID
		fn sim.SensorFunc
	}
	var out []delivery
	for id, fn := range f.listeners {
		if a, ok := f.actors[id]; ok && a.alive {
			out = append(out, delivery{id, fn})
		}
	}
	filter := f.SensorFilter
	f.mu.Unlock()

	for _, d := range out {
		if filter != nil && !filter(d.id, frame) {
			continue
		}
		d.fn(sim.SensorData{Sensor: d.id, Frame: frame, Payload: []byte(fmt.Sprintf("%d@%d", d.id, frame))})
	}
	return frame, nil
}

func (f *Fake) Spawn(ctx context.Context, spec sim.ActorSpec) (sim.ActorID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	filter := f.SpawnFilter
	f.mu.Unlock()
	if filter != nil {
		if err := filter(spec); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.actors[id] = &actor{spec: spec, alive: true}
	return id, nil
}

func (f *Fake) Destroy(_ context.Context, id sim.ActorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.actors[id]; !ok {
		return fmt.Errorf("destroy %d: %w", id, sim.ErrNotFound)
	}
	delete(f.actors, id)
	delete(f.listeners, id)
	return nil
}

func (f *Fake) IsAlive(_ context.Context, id sim.ActorID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[id]
	return ok && a.alive, nil
}

func (f *Fake) ApplyWeather(_ context.Context, w sim.Weather) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weather = append(f.weather, w)
	return nil
}

func (f *Fake) SetVehicleLights(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lights = append(f.lights, on)
	return nil
}

func (f *Fake) Transform(_ context.Context, id sim.ActorID) (sim.Transform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[id]
	if !ok {
		return sim.Transform{}, fmt.Errorf("transform %d: %w", id, sim.ErrNotFound)
	}
	if a.spec.Transform != nil {
		return *a.spec.Transform, nil
	}
	return sim.Transform{Location: sim.Vector3{X: float64(id)}}, nil
}

func (f *Fake) BoundingBoxes(_ context.Context) ([]sim.ActorBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var boxes []sim.ActorBox
	for id, a := range f.actors {
		if a.spec.Role != sim.RoleVehicle && a.spec.Role != sim.RoleWalker {
			continue
		}
		boxes = append(boxes, sim.ActorBox{
			Actor:     id,
			Role:      a.spec.Role,
			Transform: sim.Transform{Location: sim.Vector3{X: float64(id)}},
			Extent:    sim.Vector3{X: 1, Y: 1, Z: 1},
		})
	}
	return boxes, nil
}

func (f *Fake) Listen(_ context.Context, sensor sim.ActorID, fn sim.SensorFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.actors[sensor]; !ok {
		return fmt.Errorf("listen %d: %w", sensor, sim.ErrNotFound)
	}
	f.listeners[sensor] = fn
	return nil
}

func (f *Fake) Settings(context.Context) (sim.WorldSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *Fake) ApplySettings(_ context.Context, s sim.WorldSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *Fake) ConfigureTraffic(_ context.Context, seed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trafficSeed = seed
	return nil
}

func (f *Fake) StartWalker(_ context.Context, controller sim.ActorID, maxSpeed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[controller]
	if !ok {
		return fmt.Errorf("start walker %d: %w", controller, sim.ErrNotFound)
	}
	a.walking = true
	a.maxSpeed = maxSpeed
	return nil
}

func (f *Fake) StopWalker(_ context.Context, controller sim.ActorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.actors[controller]; ok {
		a.walking = false
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Kill marks an actor dead without removing it, the way the simulator
// reports a walker that fell through the map.
func (f *Fake) Kill(id sim.ActorID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.actors[id]; ok {
		a.alive = false
	}
}

// Frame returns the current frame.
func (f *Fake) Frame() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// SetFrame moves the frame counter, like a simulator that has been running
// for a while before the client connects.
func (f *Fake) SetFrame(frame uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = frame
}

// Weather returns every weather applied so far, in order.
func (f *Fake) Weather() []sim.Weather {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sim.Weather(nil), f.weather...)
}

// Lights returns every vehicle-light toggle so far, in order.
func (f *Fake) Lights() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.lights...)
}

// TrafficSeed returns the seed passed to ConfigureTraffic.
func (f *Fake) TrafficSeed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trafficSeed
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Count returns the number of live actors with the given role.
func (f *Fake) Count(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actors {
		if a.spec.Role == role && a.alive {
			n++
		}
	}
	return n
}

// Walking reports whether a walker controller was started, and its speed.
func (f *Fake) Walking(controller sim.ActorID) (bool, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[controller]
	if !ok {
		return false, 0
	}
	return a.walking, a.maxSpeed
}

// Actors returns the ids of every actor with the given role.
func (f *Fake) Actors(role string) []sim.ActorID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []sim.ActorID
	for id, a := range f.actors {
		if a.spec.Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}
