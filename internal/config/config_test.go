package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := fixturePath("valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.FingerprintTTL.DurationValue() != 30*time.Second {
		t.Fatalf("FingerprintTTL 纯数字应按秒解析, got %v", cfg.Global.FingerprintTTL.DurationValue())
	}
	if cfg.Global.CacheDir == "" || cfg.Global.TmpDir == "" {
		t.Fatalf("CacheDir/TmpDir 应该被保留或填充默认值")
	}
	if cfg.Global.FingerprintMemoSize != 4096 {
		t.Fatalf("FingerprintMemoSize 应该自动填充默认值")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if len(cfg.Origins) != 2 {
		t.Fatalf("expected two origins, got %d", len(cfg.Origins))
	}
	if cfg.Origins[1].LocalTarget() != "main" || cfg.Origins[1].MaxProtocol != 42 {
		t.Fatalf("compat origin not parsed: %+v", cfg.Origins[1])
	}
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	cfgPath := fixturePath("missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	requireFieldError(t, cfg.Validate(), "Global.ListenPort")
}

func TestValidateUpstreamSchemes(t *testing.T) {
	testCases := []struct {
		name      string
		upstream  string
		shouldErr bool
	}{
		{"https ok", "https://repos.example.com", false},
		{"http ok", "http://127.0.0.1:8000/conary", false},
		{"local ok", "origin://main", false},
		{"local unknown", "origin://nope", true},
		{"ftp rejected", "ftp://repos.example.com", true},
		{"missing", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origins = append(cfg.Origins, OriginConfig{
				Name:     "second",
				Domain:   "second.local",
				Upstream: tc.upstream,
			})
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for upstream %q", tc.upstream)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for upstream %q: %v", tc.upstream, err)
			}
		})
	}
}

func TestValidateRejectsLocalCycle(t *testing.T) {
	cfg := validConfig()
	cfg.Origins = []OriginConfig{
		{Name: "a", Domain: "a.local", Upstream: "origin://b"},
		{Name: "b", Domain: "b.local", Upstream: "origin://a"},
	}
	err := cfg.Validate()
	requireFieldError(t, err, "Origin[a].Upstream")
}

func TestValidateRejectsDuplicateDomain(t *testing.T) {
	cfg := validConfig()
	cfg.Origins = append(cfg.Origins, OriginConfig{
		Name:     "other",
		Domain:   cfg.Origins[0].Domain,
		Upstream: "https://other.example.com",
	})
	requireFieldError(t, cfg.Validate(), "Origin[other].Domain")
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Origins[0].Username = "foo"
	requireFieldError(t, cfg.Validate(), "Origin[main].Username/Password")
}

func TestCredentialModes(t *testing.T) {
	modes := CredentialModes([]OriginConfig{
		{Name: "a", Username: "u", Password: "p"},
		{Name: "b"},
	})
	if len(modes) != 2 || modes[0] != "a:credentialed" || modes[1] != "b:anonymous" {
		t.Fatalf("unexpected modes: %v", modes)
	}
}

func TestBuildOriginRuntime(t *testing.T) {
	cfg := validConfig()
	rt := BuildOriginRuntime(cfg.Origins[0], cfg.Global)
	if rt.Timeout != time.Second || rt.MaxRetries != 1 || rt.Local() {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			CacheDir:        "./data",
			TmpDir:          "./tmp",
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Origins: []OriginConfig{
			{
				Name:     "main",
				Domain:   "repos.local",
				Upstream: "https://repos.example.com",
			},
		},
	}
}
