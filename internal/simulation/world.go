package simulation

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"snapsync/broker/internal/snapshot"
)

// Item types emitted by the demo world.
const (
	ItemWorldInfo  = 1
	ItemEntity     = 9
	ItemClientInfo = 10
)

const (
	arenaWidth   = 1024.0
	arenaHeight  = 768.0
	entityRadius = 8.0
	maxSpeed     = 160.0
	// positionScale converts arena units to the fixed-point values carried in items.
	positionScale = 32
)

type entity struct {
	position Vec2
	velocity Vec2
	bounces  int32
}

// World is a deterministic arena of bouncing entities used to exercise the
// snapshot pipeline with realistic churn.
type World struct {
	arena    Field
	entities []entity
	builder  *snapshot.Builder
	elapsed  time.Duration
}

// NewWorld places count entities using seed so runs are reproducible.
func NewWorld(count int, seed int64) *World {
	rng := rand.New(rand.NewSource(seed))
	arena := Union(
		BoxInterior{Min: Vec2{}, Max: Vec2{X: arenaWidth, Y: arenaHeight}},
		CircleField{Center: Vec2{X: arenaWidth / 2, Y: arenaHeight / 2}, Radius: 96},
	)
	w := &World{arena: arena, builder: snapshot.NewBuilder()}
	for len(w.entities) < count {
		//1.- Reject spawn points that overlap solid geometry.
		pos := Vec2{X: rng.Float64() * arenaWidth, Y: rng.Float64() * arenaHeight}
		if hit, _ := Clearance(arena, pos, entityRadius); hit {
			continue
		}
		angle := rng.Float64() * 2 * math.Pi
		speed := maxSpeed * (0.25 + 0.75*rng.Float64())
		w.entities = append(w.entities, entity{
			position: pos,
			velocity: Vec2{X: math.Cos(angle), Y: math.Sin(angle)}.Scale(speed),
		})
	}
	return w
}

// Len returns the number of simulated entities.
func (w *World) Len() int { return len(w.entities) }

// Step advances every entity by dt and bounces it off the arena.
func (w *World) Step(dt time.Duration) {
	seconds := dt.Seconds()
	for i := range w.entities {
		e := &w.entities[i]
		next := e.position.Add(e.velocity.Scale(seconds))
		if hit, clearance := Clearance(w.arena, next, entityRadius); hit {
			//1.- Reflect off the surface and push the entity back into free space.
			normal := Normal(w.arena, next)
			e.velocity = Reflect(e.velocity, normal)
			next = next.Sub(normal.Scale(clearance))
			e.bounces++
		}
		e.position = next
	}
	w.elapsed += dt
}

// Snapshot builds the world state for tick. extra may add per-recipient items.
func (w *World) Snapshot(tick int32, extra func(*snapshot.Builder) error) (*snapshot.Snapshot, error) {
	b := w.builder
	b.Reset()
	info := []int32{tick, int32(len(w.entities)), int32(w.elapsed / time.Millisecond)}
	if err := b.AddItem(ItemWorldInfo, 0, info); err != nil {
		return nil, err
	}
	for id, e := range w.entities {
		data, err := b.NewItem(ItemEntity, id, 5)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", id, err)
		}
		data[0] = fixed(e.position.X)
		data[1] = fixed(e.position.Y)
		data[2] = fixed(e.velocity.X)
		data[3] = fixed(e.velocity.Y)
		data[4] = e.bounces
	}
	if extra != nil {
		if err := extra(b); err != nil {
			return nil, err
		}
	}
	return b.Finish(), nil
}

func fixed(v float64) int32 { return int32(math.Round(v * positionScale)) }
