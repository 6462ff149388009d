package fleet

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// Robot status values.
const (
	StatusIdle     = "idle"
	StatusMoving   = "moving"
	StatusCharging = "charging"
)

// Robot is a snapshot of one simulated robot.
type Robot struct {
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	TargetX float64 `json:"target_x"`
	TargetY float64 `json:"target_y"`
	Speed   float64 `json:"speed"`
	Battery float64 `json:"battery"`
	Status  string  `json:"status"`
}

// Battery drain per second while moving, recharge per second while
// charging, in percent.
const (
	batteryDrainPerSecond    = 0.5
	batteryChargePerSecond   = 2.0
	lowBatteryThreshold      = 5.0
	arrivalDistanceTolerance = 0.01
)

// Simulator advances a fleet of robots on a fixed tick.
type Simulator struct {
	mu     sync.Mutex
	robots map[string]*Robot
	order  []string

	tickInterval time.Duration
	defaultSpeed float64

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logger.ComponentLogger
}

// NewSimulator creates the fleet and starts the tick loop.
func NewSimulator(cfg *config.FleetConfig) *Simulator {
	count := cfg.Robots
	if count <= 0 {
		count = 4
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	speed := cfg.DefaultSpeed
	if speed <= 0 {
		speed = 0.5
	}

	s := &Simulator{
		robots:       make(map[string]*Robot, count),
		tickInterval: tick,
		defaultSpeed: speed,
		stopCh:       make(chan struct{}),
		logger:       logger.Get().WithComponent("fleet"),
	}

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("robot-%d", i+1)
		s.robots[id] = &Robot{
			ID:      id,
			X:       float64(i * 2),
			Y:       0,
			TargetX: float64(i * 2),
			TargetY: 0,
			Speed:   speed,
			Battery: 100,
			Status:  StatusIdle,
		}
		s.order = append(s.order, id)
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Info("fleet simulator started", logger.Fields{
		"robots":        count,
		"tick_interval": tick.String(),
	})
	return s
}

func (s *Simulator) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			s.Tick(now.Sub(last).Seconds())
			last = now
		case <-s.stopCh:
			return
		}
	}
}

// Tick advances every robot by elapsed seconds. Exposed for tests.
func (s *Simulator) Tick(elapsed float64) {
	if elapsed <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moving := 0
	for _, r := range s.robots {
		switch r.Status {
		case StatusMoving:
			s.advance(r, elapsed)
			if r.Status == StatusMoving {
				moving++
			}
		case StatusCharging:
			r.Battery = math.Min(100, r.Battery+batteryChargePerSecond*elapsed)
			if r.Battery >= 100 {
				r.Status = StatusIdle
			}
		}
	}

	metrics.SetFleetRobotsMoving(moving)
}

func (s *Simulator) advance(r *Robot, elapsed float64) {
	dx := r.TargetX - r.X
	dy := r.TargetY - r.Y
	dist := math.Hypot(dx, dy)

	step := r.Speed * elapsed
	if dist <= step || dist < arrivalDistanceTolerance {
		r.X = r.TargetX
		r.Y = r.TargetY
		r.Status = StatusIdle
	} else {
		r.X += dx / dist * step
		r.Y += dy / dist * step
	}

	r.Battery = math.Max(0, r.Battery-batteryDrainPerSecond*elapsed)
	if r.Battery <= lowBatteryThreshold {
		r.TargetX = r.X
		r.TargetY = r.Y
		r.Status = StatusCharging
		s.logger.Warn("robot battery low, charging", logger.Fields{
			"robot_id": r.ID,
			"battery":  r.Battery,
		})
	}
}

// List returns snapshots of all robots ordered by ID.
func (s *Simulator) List() []Robot {
	s.mu.Lock()
	defer s.mu.Unlock()

	robots := make([]Robot, 0, len(s.order))
	for _, id := range s.order {
		robots = append(robots, *s.robots[id])
	}
	return robots
}

// Get returns a snapshot of one robot.
func (s *Simulator) Get(id string) (Robot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.robots[id]
	if !ok {
		return Robot{}, false
	}
	return *r, true
}

// Move directs a robot toward a target position.
func (s *Simulator) Move(id string, x, y float64, speed float64) (Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.robots[id]
	if !ok {
		return Robot{}, fmt.Errorf("robot not found: %s", id)
	}
	if r.Status == StatusCharging {
		return Robot{}, fmt.Errorf("robot %s is charging", id)
	}

	r.TargetX = x
	r.TargetY = y
	if speed > 0 {
		r.Speed = speed
	} else {
		r.Speed = s.defaultSpeed
	}
	r.Status = StatusMoving
	return *r, nil
}

// Stop halts a robot at its current position.
func (s *Simulator) Stop(id string) (Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.robots[id]
	if !ok {
		return Robot{}, fmt.Errorf("robot not found: %s", id)
	}

	r.TargetX = r.X
	r.TargetY = r.Y
	if r.Status == StatusMoving {
		r.Status = StatusIdle
	}
	return *r, nil
}

// Close stops the tick loop and waits for it to exit.
func (s *Simulator) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("fleet simulator stopped")
}
