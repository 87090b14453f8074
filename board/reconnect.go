package board

import (
	"time"
)

const DefaultReconnectFloor = 1 * time.Second
const DefaultReconnectCeiling = 30 * time.Second

// Reconnect schedules retry delays for the push transport.
// the delay doubles after each failed attempt, capped at the ceiling,
// and resets to the floor on any successful connection.
type Reconnect struct {
	floor   time.Duration
	ceiling time.Duration

	delay time.Duration
}

func NewReconnect() *Reconnect {
	return NewReconnectWithLimits(DefaultReconnectFloor, DefaultReconnectCeiling)
}

func NewReconnectWithLimits(floor time.Duration, ceiling time.Duration) *Reconnect {
	return &Reconnect{
		floor:   floor,
		ceiling: ceiling,
		delay:   floor,
	}
}

// NextDelay returns the current delay and advances the schedule.
func (self *Reconnect) NextDelay() time.Duration {
	delay := self.delay
	nextDelay := 2 * self.delay
	if self.ceiling < nextDelay {
		nextDelay = self.ceiling
	}
	self.delay = nextDelay
	return delay
}

// After returns a channel that fires after the current delay,
// advancing the schedule.
func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.NextDelay())
}

func (self *Reconnect) Reset() {
	self.delay = self.floor
}
