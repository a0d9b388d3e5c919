package raft

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"coredb/pkg/types"
)

const (
	defaultElectionTick        = 10
	defaultHeartbeatTick       = 1
	defaultTickInterval        = 100 * time.Millisecond
	defaultMaxEntriesPerAppend = 64
	defaultRPCTimeout          = time.Second
)

type Config struct {
	ID types.MemberID
	// Voters lists every voting member, including ID.
	Voters []types.MemberID

	// ElectionTick is the number of ticks a follower waits for a leader
	// before campaigning. The actual timeout is randomized in
	// [ElectionTick, 2*ElectionTick).
	ElectionTick  int
	HeartbeatTick int
	TickInterval  time.Duration

	// Applied is the highest index already applied by the state machine.
	// Entries up to it are treated as committed and not delivered again.
	Applied types.LogIndex

	MaxEntriesPerAppend int
	RPCTimeout          time.Duration

	// CheckQuorum makes a leader step down when it has not heard from a
	// majority for an election timeout.
	CheckQuorum bool

	// Seed for election timeout randomization; 0 picks one from the clock.
	Seed int64

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.ID == types.None {
		return errors.New("raft: member id must not be zero")
	}
	if !slices.Contains(c.Voters, c.ID) {
		return fmt.Errorf("raft: member %d is not in voters %v", c.ID, c.Voters)
	}
	seen := make(map[types.MemberID]struct{}, len(c.Voters))
	for _, v := range c.Voters {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("raft: duplicate voter %d", v)
		}
		seen[v] = struct{}{}
	}

	if c.ElectionTick == 0 {
		c.ElectionTick = defaultElectionTick
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = defaultHeartbeatTick
	}
	if c.HeartbeatTick >= c.ElectionTick {
		return fmt.Errorf("raft: heartbeat tick %d must be less than election tick %d", c.HeartbeatTick, c.ElectionTick)
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxEntriesPerAppend == 0 {
		c.MaxEntriesPerAppend = defaultMaxEntriesPerAppend
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano() + int64(c.ID)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
