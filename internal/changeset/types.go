// Package changeset 描述 changeset 容器的版本、作业/结果值类型，以及容器之间的降级转换。
// 容器编码本身被视为不透明：这里只读取头部与条目帧，并按条目整体复制或改写。
package changeset

import (
	"fmt"
	"strings"
)

// TroveSpec 以 (name, version, flavor) 定位一个 trove。
type TroveSpec struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Flavor  string `json:"flavor"`
}

// Job 描述一次 trove 变迁请求。OldVersion 为空表示绝对 changeset。
type Job struct {
	Name       string `json:"name"`
	OldVersion string `json:"old_version,omitempty"`
	OldFlavor  string `json:"old_flavor,omitempty"`
	NewVersion string `json:"new_version"`
	NewFlavor  string `json:"new_flavor"`
	Absolute   bool   `json:"absolute"`
}

// HasOld 报告作业是否带有旧版本（相对 changeset）。
func (j Job) HasOld() bool {
	return j.OldVersion != ""
}

// String 输出便于日志阅读的作业描述。
func (j Job) String() string {
	var b strings.Builder
	b.WriteString(j.Name)
	b.WriteString("=")
	if j.HasOld() {
		fmt.Fprintf(&b, "%s[%s]--", j.OldVersion, j.OldFlavor)
	}
	fmt.Fprintf(&b, "%s[%s]", j.NewVersion, j.NewFlavor)
	if j.Absolute {
		b.WriteString(" (abs)")
	}
	return b.String()
}

// FileRef 定位一个文件版本（pathId + fileId 均为十六进制字符串）。
type FileRef struct {
	PathID  string `json:"path_id"`
	FileID  string `json:"file_id"`
	Version string `json:"version,omitempty"`
}

// Aux 汇总递归安装所需的辅助列表，缓存 sidecar 中与 size 一起持久化。
type Aux struct {
	TrovesNeeded  []Job       `json:"troves_needed"`
	FilesNeeded   []FileRef   `json:"files_needed"`
	RemovedTroves []TroveSpec `json:"removed_troves"`
}

// Info 是单个作业的 changeset 结果。Path/Version 会随着格式转换被原地改写，
// 返回给调用方之后不再修改。
type Info struct {
	Aux
	Size        int64   `json:"size"`
	RawSize     int64   `json:"raw_size"`
	Path        string  `json:"-"`
	Version     Version `json:"version"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	// Cached 表示 Path 位于缓存中，发送后保留；否则为请求专属的临时文件。
	Cached bool `json:"cached"`
}
