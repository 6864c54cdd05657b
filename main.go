package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/proxy"
	"github.com/any-hub/csproxy/internal/server"
	"github.com/any-hub/csproxy/internal/server/routes"
	"github.com/any-hub/csproxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = len(cfg.Origins)
		fields["credentials"] = config.CredentialModes(cfg.Origins)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存/临时目录 → 上游调用器 → Origin 注册表 → Fiber server”，
	// 所有请求共享同一份缓存与锁预算。
	rt, err := server.Bootstrap(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	proxyHandler := proxy.NewHandler(logger, rt.Metrics, rt.Scratch.Dir())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Origins)
	fields["lock_cap"] = rt.Cache.LockCap()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, rt, proxyHandler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("csproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CSPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CSPROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// shutdownGrace 是收到退出信号后等待在途 changeset 流结束的上限。
const shutdownGrace = 30 * time.Second

// startHTTPServer 阻塞直到监听失败或收到 SIGINT/SIGTERM；信号触发的正常退出返回 nil。
func startHTTPServer(cfg *config.Config, rt *server.Runtime, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   rt.Registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterOriginRoutes(app, rt)
	routes.RegisterMetricsRoute(app, rt.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"action": "listen", "port": port}).Info("Fiber 服务启动")
		listenErr <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "grace": shutdownGrace.String()}).Info("收到退出信号")
	if err := app.ShutdownWithTimeout(shutdownGrace); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-listenErr
}
