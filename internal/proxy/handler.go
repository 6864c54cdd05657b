// Package proxy 实现面向客户端的 RPC 入口：解析 JSON RPC、调用 Origin 的管道 Service，
// 并按 manifest 流式返回 changeset。
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/pipeline"
	"github.com/any-hub/csproxy/internal/rpcerr"
	"github.com/any-hub/csproxy/internal/server"
)

// Handler 实现 server.ProxyHandler。manifest 写入 tmpDir，由 GET /changeset 取走。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tmpDir  string
}

// NewHandler 构造 RPC 处理器；tmpDir 必须是管道使用的临时目录。
func NewHandler(logger *logrus.Logger, m *metrics.Metrics, tmpDir string) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		logger:  logger,
		metrics: m,
		tmpDir:  tmpDir,
	}
}

// Handle 解码一次 RPC 调用并分发。失败一律以 200 + 结构化错误返回。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	var req origin.RPCRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		err = rpcerr.New(rpcerr.KindInternalServerError, "malformed rpc request: %v", err)
		h.logResult(route, req, requestID, started, err)
		return server.RenderRPCError(c, err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cred := credentialFromRequest(c)

	result, err := h.dispatch(ctx, c, route, cred, req)
	h.metrics.ObserveRequest(req.Method, time.Since(started))
	h.logResult(route, req, requestID, started, err)
	if err != nil {
		return server.RenderRPCError(c, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return server.RenderRPCError(c, err)
	}
	return c.JSON(origin.RPCResponse{Result: raw})
}

func (h *Handler) dispatch(ctx context.Context, c fiber.Ctx, route *server.OriginRoute, cred origin.Credential, req origin.RPCRequest) (interface{}, error) {
	svc := route.Service
	switch req.Method {
	case origin.MethodCheckVersion:
		versions, err := svc.CheckVersion(ctx, cred)
		if err != nil {
			return nil, err
		}
		// 下游代理以 0 调用，只有真实客户端需要协商
		if req.Version != 0 {
			if _, err := negotiate.CommonProtocol(req.Version, versions, 0); err != nil {
				return nil, err
			}
		}
		return versions, nil

	case origin.MethodGetChangeSetFingerprints:
		var params origin.FingerprintParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return svc.GetChangeSetFingerprints(ctx, cred, req.Version, params.Jobs, params.Flags)

	case origin.MethodGetChangeSet:
		var params origin.ChangeSetParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		res, err := svc.Run(ctx, pipeline.Request{
			Credential:     cred,
			ClientProtocol: req.Version,
			Desired:        params.ChangesetVersion,
			Jobs:           params.Jobs,
			Flags:          params.Flags,
			InfoOnly:       params.InfoOnly,
		})
		if err != nil {
			return nil, err
		}
		out := origin.ChangeSetResult{Infos: res.Infos}
		if params.InfoOnly {
			return out, nil
		}
		id, err := res.Manifest(h.tmpDir)
		if err != nil {
			return nil, err
		}
		out.URL = c.BaseURL() + server.ChangesetPath + "?" + id
		return out, nil
	}
	return nil, rpcerr.New(rpcerr.KindMethodNotSupported, "method %q is not supported", req.Method)
}

func decodeParams(req origin.RPCRequest, dst interface{}) error {
	if len(req.Params) == 0 {
		return rpcerr.New(rpcerr.KindInternalServerError, "%s: missing params", req.Method)
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return rpcerr.New(rpcerr.KindInternalServerError, "%s: malformed params: %v", req.Method, err)
	}
	return nil
}

// credentialFromRequest 读取 Basic 认证头，代理不校验凭证，只透传给源仓库。
func credentialFromRequest(c fiber.Ctx) origin.Credential {
	raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(raw) < 6 || !strings.EqualFold(raw[:6], "basic ") {
		return origin.Credential{}
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw[6:]))
	if err != nil {
		return origin.Credential{}
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return origin.Credential{}
	}
	return origin.Credential{User: user, Password: password}
}

func (h *Handler) logResult(route *server.OriginRoute, req origin.RPCRequest, requestID string, started time.Time, err error) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		req.Method,
		route.Config.AuthMode(),
		req.Version,
	)
	fields["action"] = "rpc"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["kind"] = string(rpcerr.From(err).Kind)
		h.logger.WithFields(fields).Error("rpc_failed")
		return
	}
	h.logger.WithFields(fields).Info("rpc_complete")
}
