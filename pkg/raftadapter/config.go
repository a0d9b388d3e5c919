package raftadapter

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"coredb/pkg/types"

	"go.etcd.io/etcd/raft/v3"
)

type Config struct {
	ID     types.MemberID
	Voters []types.MemberID

	ElectionTick  int
	HeartbeatTick int
	TickInterval  time.Duration

	// Applied is the highest index already applied by the state machine.
	Applied types.LogIndex

	MaxSizePerMsg             uint64
	MaxCommittedSizePerReady  uint64
	MaxUncommittedEntriesSize uint64
	MaxInflightMsgs           int
	CheckQuorum               bool
	PreVote                   bool

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 1
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func toRaftConfig(c *Config, storage raft.Storage, applied types.LogIndex) *raft.Config {
	return &raft.Config{
		ID:                        uint64(c.ID),
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   storage,
		Applied:                   uint64(applied),
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		// Followers refuse proposals; clients are redirected instead.
		DisableProposalForwarding: true,
		Logger:                    &raftLogger{l: c.Logger.With("component", "etcdraft")},
	}
}

// raftLogger routes etcd raft's logging into slog.
type raftLogger struct {
	l *slog.Logger
}

func (r *raftLogger) Debug(v ...any) {
	r.l.Debug(fmt.Sprint(v...))
}

func (r *raftLogger) Debugf(format string, v ...any) {
	r.l.Debug(fmt.Sprintf(format, v...))
}

func (r *raftLogger) Info(v ...any) {
	r.l.Info(fmt.Sprint(v...))
}

func (r *raftLogger) Infof(format string, v ...any) {
	r.l.Info(fmt.Sprintf(format, v...))
}

func (r *raftLogger) Warning(v ...any) {
	r.l.Warn(fmt.Sprint(v...))
}

func (r *raftLogger) Warningf(format string, v ...any) {
	r.l.Warn(fmt.Sprintf(format, v...))
}

func (r *raftLogger) Error(v ...any) {
	r.l.Error(fmt.Sprint(v...))
}

func (r *raftLogger) Errorf(format string, v ...any) {
	r.l.Error(fmt.Sprintf(format, v...))
}

func (r *raftLogger) Fatal(v ...any) {
	r.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (r *raftLogger) Fatalf(format string, v ...any) {
	r.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (r *raftLogger) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	r.l.Error(msg)
	panic(msg)
}

func (r *raftLogger) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	r.l.Error(msg)
	panic(msg)
}
