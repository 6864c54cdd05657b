package changeset

import "strconv"

// Version 是 changeset 容器格式版本，写在容器头部（大端 uint32）。
type Version int

const (
	// VersionNoRemoves 早于 removed-trove 标记的格式，协议 < 38 的客户端使用。
	VersionNoRemoves Version = 2005101901
	// VersionWithRemoves 引入 removed-trove 标记，协议 38–42 使用。
	VersionWithRemoves Version = 2006071201
	// VersionFileIDIndex 文件条目按 pathId+fileId 索引，协议 >= 43 使用。
	VersionFileIDIndex Version = 2007022001
)

// String 输出版本整数，与缓存路径中的后缀一致。
func (v Version) String() string {
	return strconv.Itoa(int(v))
}

// Known 报告版本是否为已知容器格式。
func (v Version) Known() bool {
	switch v {
	case VersionNoRemoves, VersionWithRemoves, VersionFileIDIndex:
		return true
	}
	return false
}

// VersionForProtocol 根据客户端（或源仓库）协议版本推导其原生 changeset 格式。
func VersionForProtocol(protocol int) Version {
	switch {
	case protocol < 38:
		return VersionNoRemoves
	case protocol < 43:
		return VersionWithRemoves
	default:
		return VersionFileIDIndex
	}
}
