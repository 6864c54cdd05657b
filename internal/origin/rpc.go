package origin

import (
	"encoding/json"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// RPC 方法名。
const (
	MethodCheckVersion             = "checkVersion"
	MethodGetChangeSetFingerprints = "getChangeSetFingerprints"
	MethodGetChangeSet             = "getChangeSet"
)

// RPCPath 是源仓库与代理共用的 RPC 入口。
const RPCPath = "/rpc"

// RPCRequest 是 POST /rpc 的请求体。Version 为本次调用使用的协议版本。
type RPCRequest struct {
	Method  string          `json:"method"`
	Version int             `json:"version"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse 是 POST /rpc 的响应体，Result 与 Error 互斥。
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcerr.Error   `json:"error,omitempty"`
}

// FingerprintParams 是 getChangeSetFingerprints 的参数。
type FingerprintParams struct {
	Jobs  []changeset.Job `json:"jobs"`
	Flags Flags           `json:"flags"`
}

// ChangeSetParams 是 getChangeSet 的参数。
type ChangeSetParams struct {
	Jobs             []changeset.Job   `json:"jobs"`
	Flags            Flags             `json:"flags"`
	ChangesetVersion changeset.Version `json:"changeset_version"`
	// InfoOnly 为 true 时只返回 Info 列表，不生成可下载的 changeset。
	InfoOnly bool `json:"info_only,omitempty"`
}
