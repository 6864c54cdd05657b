package changeset

// TroveRecord 是 trove 条目（TagTrove）的载荷。
type TroveRecord struct {
	Name       string `json:"name"`
	OldVersion string `json:"old_version,omitempty"`
	OldFlavor  string `json:"old_flavor,omitempty"`
	NewVersion string `json:"new_version"`
	NewFlavor  string `json:"new_flavor"`
	Absolute   bool   `json:"absolute"`
	// Synthetic 标记由 removed-trove 标记物化而来的空 trove。
	Synthetic bool `json:"synthetic,omitempty"`
}

// RemovedRecord 是 removed-trove 标记（TagRemoved）的载荷。
// Missing 表示源仓库为缺失的 trove 合成了删除标记，而非真正被删除。
type RemovedRecord struct {
	Name       string `json:"name"`
	OldVersion string `json:"old_version,omitempty"`
	OldFlavor  string `json:"old_flavor,omitempty"`
	NewVersion string `json:"new_version"`
	NewFlavor  string `json:"new_flavor"`
	Absolute   bool   `json:"absolute"`
	Missing    bool   `json:"missing"`
}

// Materialize 将缺失标记转换为等价的空 trove 记录。
func (r RemovedRecord) Materialize() TroveRecord {
	return TroveRecord{
		Name:       r.Name,
		OldVersion: r.OldVersion,
		OldFlavor:  r.OldFlavor,
		NewVersion: r.NewVersion,
		NewFlavor:  r.NewFlavor,
		Absolute:   r.Absolute,
		Synthetic:  true,
	}
}

// CapsuleRef 是外部托管内容引用（TagCapsuleRef）的载荷。
// Path 为空表示整个 capsule 文件，否则为 capsule 内的单个文件。
type CapsuleRef struct {
	Package string `json:"package"`
	SHA1    string `json:"sha1"`
	Path    string `json:"path,omitempty"`
}
