// Package cluster resolves the addresses of the configured voters through
// ZooKeeper. Membership itself is static; only addresses move.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"coredb/pkg/types"

	"github.com/go-zookeeper/zk"
)

// PeerUpdater receives address changes. Both consensus transports
// implement it.
type PeerUpdater interface {
	UpdatePeer(id types.MemberID, addr string)
}

// zkConn is the part of *zk.Conn used here.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

type ZKDiscovery struct {
	conn     zkConn
	rootPath string
	self     types.MemberID
	addr     string
	voters   map[types.MemberID]struct{}
	logger   *slog.Logger

	// retryDelay is the pause after a failed watch.
	retryDelay time.Duration
}

// NewZKDiscovery connects to servers, e.g. ["zk1:2181", "zk2:2181"]. Only
// members listed in voters are ever reported.
func NewZKDiscovery(servers []string, rootPath string, self types.MemberID, addr string, voters []types.MemberID, logger *slog.Logger) (*ZKDiscovery, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKDiscovery(conn, rootPath, self, addr, voters, logger), nil
}

func newZKDiscovery(conn zkConn, rootPath string, self types.MemberID, addr string, voters []types.MemberID, logger *slog.Logger) *ZKDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[types.MemberID]struct{}, len(voters))
	for _, v := range voters {
		set[v] = struct{}{}
	}
	return &ZKDiscovery{
		conn:       conn,
		rootPath:   strings.TrimSuffix(rootPath, "/"),
		self:       self,
		addr:       addr,
		voters:     set,
		logger:     logger,
		retryDelay: 2 * time.Second,
	}
}

func (d *ZKDiscovery) Close() error {
	d.conn.Close()
	return nil
}

func (d *ZKDiscovery) membersPath() string {
	return d.rootPath + "/members"
}

func (d *ZKDiscovery) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register publishes this member's address in an ephemeral node.
func (d *ZKDiscovery) Register(ctx context.Context) error {
	if err := d.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}

	if err := d.ensurePath(d.membersPath()); err != nil {
		return fmt.Errorf("ensure members path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/%d", d.membersPath(), d.self)
	_, err := d.conn.Create(nodePath, []byte(d.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	d.logger.Info("registered in zookeeper", "path", nodePath, "addr", d.addr)
	return nil
}

// Members reads the published addresses of the configured voters.
func (d *ZKDiscovery) Members() (map[types.MemberID]string, error) {
	children, _, _, err := d.conn.ChildrenW(d.membersPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return d.read(children), nil
}

func (d *ZKDiscovery) read(children []string) map[types.MemberID]string {
	out := make(map[types.MemberID]string, len(children))
	for _, child := range children {
		raw, err := strconv.ParseUint(child, 10, 64)
		if err != nil {
			d.logger.Warn("ignoring malformed member node", "node", child)
			continue
		}
		id := types.MemberID(raw)
		if _, ok := d.voters[id]; !ok {
			d.logger.Warn("ignoring member that is not a configured voter", "member", id)
			continue
		}
		data, _, err := d.conn.Get(d.membersPath() + "/" + child)
		if err != nil {
			// The node went away between listing and reading.
			d.logger.Debug("member node vanished", "member", id, "error", err)
			continue
		}
		if len(data) > 0 {
			out[id] = string(data)
		}
	}
	return out
}

// RunWatch pushes every address change to u until ctx is done. A member
// that disappears keeps its last known address.
func (d *ZKDiscovery) RunWatch(ctx context.Context, u PeerUpdater) error {
	known := make(map[types.MemberID]string)
	for {
		children, _, events, err := d.conn.ChildrenW(d.membersPath())
		if err != nil {
			d.logger.Warn("zookeeper watch failed", "error", err)
			select {
			case <-time.After(d.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		for id, addr := range d.read(children) {
			if id == d.self || known[id] == addr {
				continue
			}
			known[id] = addr
			u.UpdatePeer(id, addr)
			d.logger.Info("peer address updated", "member", id, "addr", addr)
		}

		select {
		case ev := <-events:
			d.logger.Debug("zookeeper event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			d.logger.Info("zookeeper watch stopped")
			return nil
		}
	}
}

func (d *ZKDiscovery) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
