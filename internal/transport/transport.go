package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"infer-relay/config"

	"golang.org/x/net/proxy"
)

// CreateTransport 根据代理配置创建HTTP Transport
func CreateTransport(cfg config.ProxyConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// 由调用方处理 gzip/br 解压
		DisableCompression: true,
	}

	if !cfg.Enabled {
		return transport, nil
	}

	proxyURL, err := buildProxyURL(cfg)
	if err != nil {
		return nil, err
	}

	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support context")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", proxyURL.Scheme)
	}

	return transport, nil
}

// NewHTTPClient 创建访问推理服务的HTTP客户端
func NewHTTPClient(cfg config.ProxyConfig, timeout time.Duration) (*http.Client, error) {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// buildProxyURL URL 优先，否则由 type/host/port 拼装
func buildProxyURL(cfg config.ProxyConfig) (*url.URL, error) {
	var u *url.URL
	if cfg.URL != "" {
		parsed, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		u = parsed
	} else {
		if cfg.Host == "" || cfg.Port == 0 {
			return nil, fmt.Errorf("proxy host and port are required")
		}
		u = &url.URL{
			Scheme: cfg.Type,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		}
	}

	if u.Scheme == "" {
		u.Scheme = cfg.Type
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u, nil
}

// ProxyInfo 返回代理描述，用于启动日志，不包含密码
func ProxyInfo(cfg config.ProxyConfig) string {
	if !cfg.Enabled {
		return "直连"
	}
	u, err := buildProxyURL(cfg)
	if err != nil {
		return fmt.Sprintf("无效代理配置: %v", err)
	}
	return fmt.Sprintf("%s代理 %s", u.Scheme, u.Redacted())
}
