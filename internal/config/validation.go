package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.CacheDir == "" {
		return newFieldError(globalField("CacheDir"), "不能为空")
	}
	if g.LockCap < 0 {
		return newFieldError(globalField("LockCap"), "不能为负数")
	}
	if g.FingerprintTTL.DurationValue() < 0 {
		return newFieldError(globalField("FingerprintTTL"), "不能为负数")
	}
	if g.FingerprintMemoSize < 0 {
		return newFieldError(globalField("FingerprintMemoSize"), "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError(globalField("MaxRetries"), "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(globalField("InitialBackoff"), "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.CapsuleConcurrency < 0 {
		return newFieldError(globalField("CapsuleConcurrency"), "不能为负数")
	}
	if g.CapsuleIndexer != "" {
		if err := validateUpstream(g.CapsuleIndexer); err != nil {
			return newFieldError(globalField("CapsuleIndexer"), err.Error())
		}
	}

	if len(c.Origins) == 0 {
		return newFieldError("Origin", "至少需要配置一个")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError(originField("", "Name"), "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return newFieldError(originField(origin.Name, "Domain"), err.Error())
		}
		if other, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与 "+other+" 重复")
		}
		seenDomains[origin.Domain] = origin.Name

		if (origin.Username == "") != (origin.Password == "") {
			return newFieldError(originField(origin.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if origin.LocalTarget() == "" {
			if err := validateUpstream(origin.Upstream); err != nil {
				return newFieldError(originField(origin.Name, "Upstream"), err.Error())
			}
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return newFieldError(originField(origin.Name, "Proxy"), err.Error())
			}
		}
	}

	return c.validateLocalChains()
}

// validateLocalChains 确保 origin:// 引用存在且不构成环。
func (c *Config) validateLocalChains() error {
	byName := make(map[string]OriginConfig, len(c.Origins))
	for _, origin := range c.Origins {
		byName[origin.Name] = origin
	}
	for _, origin := range c.Origins {
		seen := map[string]struct{}{origin.Name: {}}
		current := origin
		for {
			target := current.LocalTarget()
			if target == "" {
				break
			}
			next, ok := byName[target]
			if !ok {
				return newFieldError(originField(origin.Name, "Upstream"), "引用了不存在的 Origin: "+target)
			}
			if _, loop := seen[target]; loop {
				return newFieldError(originField(origin.Name, "Upstream"), "origin:// 引用构成环")
			}
			seen[target] = struct{}{}
			current = next
		}
	}
	return nil
}

// Lookup 按名称查找 Origin。
func (c *Config) Lookup(name string) (OriginConfig, bool) {
	for _, origin := range c.Origins {
		if origin.Name == name {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https 或 origin://，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
