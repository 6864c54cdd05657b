// Package negotiate 计算客户端期望的容器版本与源仓库实际产出版本之间的转换链。
package negotiate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// 代理自身支持的协议范围。
const (
	MinProtocol = 36
	MaxProtocol = 71
	// LargeSizeProtocol 之前的客户端无法接收超过 2 GiB 的 changeset。
	LargeSizeProtocol = 44
	// BatchProtocol 起源仓库支持一次请求多个作业的 getChangeSet。
	BatchProtocol = 51
)

// Table 是不可变的版本优先级表：下游版本 -> 它由之机械派生的上游版本。
type Table struct {
	upstream map[changeset.Version]changeset.Version
}

// NewTable 复制 edges 构造优先级表，并拒绝环。
func NewTable(edges map[changeset.Version]changeset.Version) (Table, error) {
	copied := make(map[changeset.Version]changeset.Version, len(edges))
	for down, up := range edges {
		copied[down] = up
	}
	for start := range copied {
		seen := map[changeset.Version]struct{}{start: {}}
		for v, ok := copied[start]; ok; v, ok = copied[v] {
			if _, loop := seen[v]; loop {
				return Table{}, fmt.Errorf("precedence table has a cycle through %s", v)
			}
			seen[v] = struct{}{}
		}
	}
	return Table{upstream: copied}, nil
}

// DefaultTable 返回内置的两条派生关系。
func DefaultTable() Table {
	table, err := NewTable(map[changeset.Version]changeset.Version{
		changeset.VersionNoRemoves:   changeset.VersionWithRemoves,
		changeset.VersionWithRemoves: changeset.VersionFileIDIndex,
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Upstream 返回 v 的上游版本。
func (t Table) Upstream(v changeset.Version) (changeset.Version, bool) {
	up, ok := t.upstream[v]
	return up, ok
}

// Versions 返回表中出现的全部版本，升序。
func (t Table) Versions() []changeset.Version {
	set := map[changeset.Version]struct{}{}
	for down, up := range t.upstream {
		set[down] = struct{}{}
		set[up] = struct{}{}
	}
	out := make([]changeset.Version, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Chain 是从期望版本到线路版本的有序列表：Chain[0] 为期望版本，最后一个为线路版本。
type Chain []changeset.Version

// Desired 返回客户端期望的版本。
func (c Chain) Desired() changeset.Version {
	return c[0]
}

// Wire 返回向源仓库请求时使用的版本。
func (c Chain) Wire() changeset.Version {
	return c[len(c)-1]
}

// Conversions 返回需要执行的转换次数。
func (c Chain) Conversions() int {
	return len(c) - 1
}

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = v.String()
	}
	return strings.Join(parts, "<-")
}

// Negotiator 基于优先级表规划转换链。
type Negotiator struct {
	table Table
}

// New 构造 Negotiator。
func New(table Table) *Negotiator {
	return &Negotiator{table: table}
}

// Table 返回使用中的优先级表。
func (n *Negotiator) Table() Table {
	return n.table
}

// Plan 从 desired 出发沿优先级表向上游走，直到到达 originMaxProtocol 对应的线路版本。
// 不可达时返回不可重试的 InvalidClientVersion。
func (n *Negotiator) Plan(desired changeset.Version, originMaxProtocol int) (Chain, error) {
	wire := changeset.VersionForProtocol(originMaxProtocol)
	chain := Chain{desired}
	current := desired
	for current != wire {
		next, ok := n.table.Upstream(current)
		if !ok {
			return nil, rpcerr.New(rpcerr.KindInvalidClientVersion,
				"client incompatible with origin: cannot derive changeset version %s from %s", desired, wire)
		}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}

// CommonProtocol 返回客户端与源仓库都支持的最高协议版本。
// originVersions 为源仓库 checkVersion 的返回值；maxOverride > 0 时进一步限制上限。
func CommonProtocol(clientVersion int, originVersions []int, maxOverride int) (int, error) {
	if err := CheckClient(clientVersion); err != nil {
		return 0, err
	}
	best := 0
	for _, v := range originVersions {
		if v > clientVersion || v > MaxProtocol || v < MinProtocol {
			continue
		}
		if maxOverride > 0 && v > maxOverride {
			continue
		}
		if v > best {
			best = v
		}
	}
	if best == 0 {
		return 0, rpcerr.New(rpcerr.KindInvalidClientVersion,
			"no protocol in common with origin (client %d, origin %v)", clientVersion, originVersions)
	}
	return best, nil
}

// OriginProtocol 返回与源仓库通信使用的协议：源仓库支持且代理也支持的最高版本，
// maxOverride > 0 时进一步限制上限。线路版本由它决定，与客户端无关。
func OriginProtocol(originVersions []int, maxOverride int) (int, error) {
	supported := SupportedProtocols(originVersions, maxOverride)
	if len(supported) == 0 {
		return 0, rpcerr.New(rpcerr.KindInvalidClientVersion,
			"origin supports no protocol in range %d-%d (origin %v)", MinProtocol, MaxProtocol, originVersions)
	}
	return supported[len(supported)-1], nil
}

// CheckClient 拒绝低于最低协议版本的客户端。
func CheckClient(clientVersion int) error {
	if clientVersion < MinProtocol {
		return rpcerr.New(rpcerr.KindInvalidClientVersion,
			"client protocol %d is too old, minimum supported is %d", clientVersion, MinProtocol)
	}
	return nil
}

// SupportedProtocols 返回代理向客户端宣称的协议列表，受 maxOverride 限制。
func SupportedProtocols(originVersions []int, maxOverride int) []int {
	out := make([]int, 0, len(originVersions))
	for _, v := range originVersions {
		if v < MinProtocol || v > MaxProtocol {
			continue
		}
		if maxOverride > 0 && v > maxOverride {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
